package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

var ErrVenueClosed = errors.New("paper venue closed")

// cancelRetention bounds how long a venue-side cancel is remembered for an
// order that never reaches ExecuteOrder.
const cancelRetention = time.Hour

// PriceLookup supplies the fill price for market orders.
type PriceLookup interface {
	LatestPrice(symbol string) (decimal.Decimal, bool)
}

// PaperExecution fills every valid order immediately, after an optional
// simulated venue latency. Nothing leaves the process.
type PaperExecution struct {
	latency time.Duration
	prices  PriceLookup
	now     func() time.Time

	mu        sync.Mutex
	cancelled map[string]time.Time
	rejectFn  func(domain.Order) error
	closed    bool
}

// NewPaperExecution creates a paper venue. prices may be nil, in which case
// market orders fill at their limit price or zero.
func NewPaperExecution(latency time.Duration, prices PriceLookup) *PaperExecution {
	return &PaperExecution{
		latency:   latency,
		prices:    prices,
		now:       time.Now,
		cancelled: make(map[string]time.Time),
	}
}

// SetRejectFunc installs a hook that can refuse individual orders.
func (p *PaperExecution) SetRejectFunc(fn func(domain.Order) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectFn = fn
}

// ExecuteOrder simulates a fill and returns it.
func (p *PaperExecution) ExecuteOrder(ctx context.Context, order domain.Order) (domain.Fill, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return domain.Fill{}, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	if !order.Quantity.IsPositive() {
		return domain.Fill{}, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return domain.Fill{}, ErrVenueClosed
	}
	if _, ok := p.cancelled[order.ID]; ok {
		delete(p.cancelled, order.ID)
		return domain.Fill{}, fmt.Errorf("order %s was cancelled at venue", order.ID)
	}
	if p.rejectFn != nil {
		if err := p.rejectFn(order); err != nil {
			return domain.Fill{}, err
		}
	}

	return domain.Fill{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    p.fillPrice(order),
		FilledAt: p.now().UTC(),
	}, nil
}

// fillPrice must be called with lock held
func (p *PaperExecution) fillPrice(order domain.Order) decimal.Decimal {
	if order.Type != domain.OrderTypeMarket {
		if price, ok := order.LimitPrice(); ok {
			return price
		}
	}
	if p.prices != nil {
		if price, ok := p.prices.LatestPrice(order.Symbol); ok {
			return price
		}
	}
	if price, ok := order.LimitPrice(); ok {
		return price
	}
	return decimal.Zero
}

// CancelOrder marks an order so a later ExecuteOrder refuses it.
func (p *PaperExecution) CancelOrder(_ context.Context, orderID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrVenueClosed
	}
	now := p.now()
	for id, at := range p.cancelled {
		if now.Sub(at) > cancelRetention {
			delete(p.cancelled, id)
		}
	}
	p.cancelled[orderID] = now
	return nil
}

// Close stops accepting orders.
func (p *PaperExecution) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
