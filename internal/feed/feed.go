package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"trade_core/internal/domain"
)

// Broadcaster is the part of the hub the feed drives.
type Broadcaster interface {
	ActiveSymbols() []string
	BroadcastPrice(symbol string, tick domain.PriceTick) int
}

// Recorder receives feed activity for metrics.
type Recorder interface {
	RecordTicks(n int)
	RecordFeedError()
}

type noopRecorder struct{}

func (noopRecorder) RecordTicks(int)  {}
func (noopRecorder) RecordFeedError() {}

// Config tunes the feed loop.
type Config struct {
	Interval       time.Duration
	MaxConcurrent  int      // quotes fetched in parallel per cycle
	Symbols        []string // when set, only these symbols are ever quoted
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the stock feed settings.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		MaxConcurrent:  8,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Feed periodically quotes every symbol that has subscribers and pushes
// the ticks into the hub.
type Feed struct {
	cfg      Config
	source   domain.PriceSource
	hub      Broadcaster
	logger   *slog.Logger
	recorder Recorder
	allowed  map[string]struct{}
	onTick   []func(domain.PriceTick)
}

// New creates a feed. recorder may be nil.
func New(cfg Config, source domain.PriceSource, hub Broadcaster, logger *slog.Logger, recorder Recorder) *Feed {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	var allowed map[string]struct{}
	if len(cfg.Symbols) > 0 {
		allowed = make(map[string]struct{}, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			allowed[s] = struct{}{}
		}
	}

	return &Feed{
		cfg:      cfg,
		source:   source,
		hub:      hub,
		logger:   logger.With(slog.String("module", "feed")),
		recorder: recorder,
		allowed:  allowed,
	}
}

// OnTick registers a callback run for every tick after it is broadcast.
// Must be called before Run.
func (f *Feed) OnTick(fn func(domain.PriceTick)) {
	f.onTick = append(f.onTick, fn)
}

// Run drives the feed until ctx is cancelled. A failed cycle is logged and
// followed by an exponential backoff; the loop itself never gives up.
func (f *Feed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.logger.Info("Market feed started", slog.Duration("interval", f.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Market feed stopped")
			return nil
		case <-ticker.C:
		}

		err := f.cycle(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		f.recorder.RecordFeedError()
		delay := b.NextBackOff()
		f.logger.Warn("Market feed cycle failed, backing off",
			slog.Any("error", err),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
}

func (f *Feed) symbols() []string {
	active := f.hub.ActiveSymbols()
	if f.allowed == nil {
		return active
	}
	out := active[:0]
	for _, s := range active {
		if _, ok := f.allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// cycle quotes all active symbols once. Symbols whose quote failed are
// skipped for this cycle and reported in the returned error.
func (f *Feed) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed cycle panic: %v", r)
		}
	}()

	symbols := f.symbols()
	if len(symbols) == 0 {
		return nil
	}

	ticks := make([]*domain.PriceTick, len(symbols))
	errs := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(f.cfg.MaxConcurrent)
	for i, symbol := range symbols {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%s: quote panic: %v", symbol, r)
				}
			}()
			tick, err := f.source.Quote(ctx, symbol)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", symbol, err)
				return nil
			}
			tick.Symbol = symbol
			ticks[i] = &tick
			return nil
		})
	}
	g.Wait()

	sent := 0
	for _, tick := range ticks {
		if tick == nil {
			continue
		}
		f.hub.BroadcastPrice(tick.Symbol, *tick)
		for _, fn := range f.onTick {
			fn(*tick)
		}
		sent++
	}
	f.recorder.RecordTicks(sent)

	return errors.Join(errs...)
}
