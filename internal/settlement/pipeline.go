package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"trade_core/internal/domain"
)

const writeTimeout = 5 * time.Second

// Config tunes the pipeline.
type Config struct {
	Delay              time.Duration // simulated venue latency before settling
	MaxConcurrent      int64         // orders executing at the same time
	StoreRetries       uint64        // re-read attempts on transient store errors
	StoreRetryInterval time.Duration
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Delay:              time.Second,
		MaxConcurrent:      64,
		StoreRetries:       3,
		StoreRetryInterval: 100 * time.Millisecond,
	}
}

// Pipeline settles accepted orders asynchronously. Every submission becomes
// a Task; orders settle independently, bounded only by MaxConcurrent.
type Pipeline struct {
	cfg      Config
	store    domain.OrderStore
	venue    domain.Execution
	notifier domain.OrderNotifier
	logger   *slog.Logger
	sem      *semaphore.Weighted
	onResult func(Result)
	now      func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	inflight map[string]*Task
	wg       sync.WaitGroup
}

// New creates a pipeline. notifier may be nil.
func New(cfg Config, store domain.OrderStore, venue domain.Execution, notifier domain.OrderNotifier, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = DefaultConfig().StoreRetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		venue:    venue,
		notifier: notifier,
		logger:   logger.With(slog.String("module", "settlement")),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		now:      time.Now,
		inflight: make(map[string]*Task),
	}
}

// OnResult registers a callback invoked after every finished task.
// Must be called before Start.
func (p *Pipeline) OnResult(fn func(Result)) {
	p.onResult = fn
}

// Start enables submissions. Tasks run under ctx.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.logger.Info("Settlement pipeline started",
		slog.Duration("delay", p.cfg.Delay),
		slog.Int64("max_concurrent", p.cfg.MaxConcurrent),
	)
}

// Close stops accepting submissions, aborts waiting tasks and waits for all of them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Settlement pipeline stopped")
}

// InFlight returns the number of tasks not yet finished.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Submit schedules settlement of orderID and returns immediately.
// Submitting an order that is already in flight returns the existing task.
func (p *Pipeline) Submit(orderID string) (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, domain.ErrPipelineStopped
	}
	if t, ok := p.inflight[orderID]; ok {
		return t, nil
	}

	t := newTask(orderID)
	p.inflight[orderID] = t
	p.wg.Add(1)
	go p.run(p.ctx, t)

	return t, nil
}

// PendingLister finds orders left PENDING, typically by a previous run.
type PendingLister interface {
	ListPendingOrders(ctx context.Context) ([]domain.Order, error)
}

// Resume resubmits every order still PENDING in lister and returns how many
// were scheduled. Must be called after Start.
func (p *Pipeline) Resume(ctx context.Context, lister PendingLister) (int, error) {
	orders, err := lister.ListPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	for i, o := range orders {
		if _, err := p.Submit(o.ID); err != nil {
			return i, err
		}
	}
	if len(orders) > 0 {
		p.logger.Info("Resumed pending orders", slog.Int("count", len(orders)))
	}
	return len(orders), nil
}

func (p *Pipeline) run(ctx context.Context, t *Task) {
	defer p.wg.Done()

	start := p.now()
	res := p.process(ctx, t.OrderID)
	res.OrderID = t.OrderID
	res.Duration = p.now().Sub(start)

	p.mu.Lock()
	delete(p.inflight, t.OrderID)
	p.mu.Unlock()

	t.finish(res)

	if p.onResult != nil {
		p.onResult(res)
	}
}

func (p *Pipeline) process(ctx context.Context, orderID string) (res Result) {
	if p.cfg.Delay > 0 {
		timer := time.NewTimer(p.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeAborted, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{Outcome: OutcomeAborted, Err: err}
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Settlement panic recovered",
				slog.String("order_id", orderID),
				slog.Any("panic", r),
			)
			res = p.fail(ctx, orderID, fmt.Errorf("settlement panic: %v", r))
		}
	}()

	return p.settle(ctx, orderID)
}

func (p *Pipeline) settle(ctx context.Context, orderID string) Result {
	order, err := p.loadOrder(ctx, orderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		p.logger.Warn("Settlement skipped: order not found", slog.String("order_id", orderID))
		return Result{Outcome: OutcomeSkipped, Err: err}
	}
	if err != nil {
		return p.fail(ctx, orderID, fmt.Errorf("load order: %w", err))
	}

	if order.Status != domain.OrderStatusPending {
		p.logger.Debug("Settlement skipped: order no longer pending",
			slog.String("order_id", orderID),
			slog.String("status", string(order.Status)),
		)
		return Result{Outcome: OutcomeSkipped, Order: order}
	}

	fill, err := p.venue.ExecuteOrder(ctx, *order)
	if err != nil {
		return p.fail(ctx, orderID, fmt.Errorf("execute: %w", err))
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	executedAt := p.now().UTC()
	fields := domain.TransitionFields{ExecutedAt: &executedAt}
	if fill.Price.IsPositive() {
		fields.ExecutedPrice = &fill.Price
	}
	updated, err := p.store.TransitionOrder(wctx, orderID, domain.OrderStatusPending, domain.OrderStatusExecuted, fields)
	switch {
	case err == nil:
		p.logger.Info("Order executed",
			slog.String("order_id", orderID),
			slog.String("symbol", updated.Symbol),
			slog.String("price", fill.Price.String()),
		)
		p.notify(updated)
		return Result{Outcome: OutcomeExecuted, Order: updated}
	case errors.Is(err, domain.ErrStatusConflict):
		p.logger.Info("Settlement lost race to concurrent update", slog.String("order_id", orderID))
		return Result{Outcome: OutcomeSkipped, Order: updated}
	default:
		return p.fail(ctx, orderID, fmt.Errorf("mark executed: %w", err))
	}
}

// fail moves the order to FAILED. If that write fails too the order is left
// as-is and reported as an anomaly.
func (p *Pipeline) fail(ctx context.Context, orderID string, cause error) Result {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	updated, err := p.store.TransitionOrder(wctx, orderID, domain.OrderStatusPending, domain.OrderStatusFailed, domain.TransitionFields{})
	switch {
	case err == nil:
		p.logger.Warn("Order failed",
			slog.String("order_id", orderID),
			slog.Any("error", cause),
		)
		p.notify(updated)
		return Result{Outcome: OutcomeFailed, Order: updated, Err: cause}
	case errors.Is(err, domain.ErrStatusConflict):
		return Result{Outcome: OutcomeSkipped, Order: updated, Err: cause}
	default:
		p.logger.Error("Settlement anomaly: could not mark order failed, reconciliation required",
			slog.String("order_id", orderID),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)
		return Result{Outcome: OutcomeAnomaly, Err: errors.Join(cause, err)}
	}
}

func (p *Pipeline) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *domain.Order
	op := func() error {
		o, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			if !domain.IsRetriable(err) {
				return backoff.Permanent(err)
			}
			p.logger.Warn("Order read failed, retrying", slog.String("order_id", orderID), slog.Any("error", err))
			return err
		}
		order = o
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.StoreRetryInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.StoreRetries), ctx))
	return order, err
}

// notify pushes the snapshot to the owner without blocking settlement.
func (p *Pipeline) notify(order *domain.Order) {
	if p.notifier == nil || order == nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Order notification panic recovered",
					slog.String("order_id", order.ID),
					slog.Any("panic", r),
				)
			}
		}()

		n := p.notifier.NotifyOrder(order.OwnerID, order.Snapshot())
		p.logger.Debug("Order update delivered",
			slog.String("order_id", order.ID),
			slog.Int("connections", n),
		)
	}()
}
