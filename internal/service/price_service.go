package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

const (
	defaultBarInterval = time.Minute
	barFlushTimeout    = 5 * time.Second
	maxPendingBars     = 10000
)

// BarStore persists aggregated bars.
type BarStore interface {
	SavePriceBars(ctx context.Context, bars []*domain.PriceBar) error
	LatestPriceBar(ctx context.Context, symbol string) (*domain.PriceBar, error)
	PriceBarAt(ctx context.Context, symbol string, t time.Time) (*domain.PriceBar, error)
}

// PriceService manages the state of all market data
type PriceService struct {
	mu          sync.RWMutex
	latest      map[string]domain.PriceTick
	open        map[string]*domain.PriceBar
	closed      []*domain.PriceBar
	barInterval time.Duration
	store       BarStore
	tickChan    chan domain.PriceTick
	logger      *slog.Logger
	now         func() time.Time
}

// NewPriceService creates a new PriceService instance. store may be nil,
// in which case bars are kept in memory only.
func NewPriceService(barInterval time.Duration, store BarStore, logger *slog.Logger) *PriceService {
	if barInterval <= 0 {
		barInterval = defaultBarInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceService{
		latest:      make(map[string]domain.PriceTick),
		open:        make(map[string]*domain.PriceBar),
		barInterval: barInterval,
		store:       store,
		tickChan:    make(chan domain.PriceTick, 1000), // 버스트 대응을 위한 충분한 버퍼
		logger:      logger.With(slog.String("module", "price")),
		now:         time.Now,
	}
}

// Publish queues a tick for the processor. Ticks are dropped when the
// buffer is full; the next tick for the symbol supersedes them anyway.
func (s *PriceService) Publish(tick domain.PriceTick) {
	select {
	case s.tickChan <- tick:
	default:
		s.logger.Debug("Tick buffer full, dropping", slog.String("symbol", tick.Symbol))
	}
}

// StartTickerProcessor starts a background goroutine to process ticks from the channel
func (s *PriceService) StartTickerProcessor(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-s.tickChan:
				s.ProcessTicks(tick)
			}
		}
	}()
}

// ProcessTicks records the latest price per symbol and folds each tick
// into the open bar of its interval.
func (s *PriceService) ProcessTicks(ticks ...domain.PriceTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tick := range ticks {
		if tick.Symbol == "" || !tick.Price.IsPositive() {
			continue
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = s.now().UTC()
		}
		if prev, ok := s.latest[tick.Symbol]; !ok || !tick.Timestamp.Before(prev.Timestamp) {
			s.latest[tick.Symbol] = tick
		}

		start := tick.Timestamp.UTC().Truncate(s.barInterval)
		bar, ok := s.open[tick.Symbol]
		switch {
		case !ok:
			s.open[tick.Symbol] = domain.NewPriceBar(tick, start)
		case bar.Timestamp.Equal(start):
			bar.Apply(tick)
		case start.After(bar.Timestamp):
			s.closeBarLocked(bar)
			s.open[tick.Symbol] = domain.NewPriceBar(tick, start)
		default:
			// late tick for an already closed interval
		}
	}
}

// Must be called with lock held
func (s *PriceService) closeBarLocked(bar *domain.PriceBar) {
	if len(s.closed) >= maxPendingBars {
		s.closed = s.closed[1:]
	}
	s.closed = append(s.closed, bar)
}

// LatestPrice returns the last observed price for symbol.
func (s *PriceService) LatestPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tick, ok := s.latest[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return tick.Price, true
}

// GetData returns live market data for a specific symbol, or nil.
func (s *PriceService) GetData(symbol string) *domain.MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dataLocked(symbol)
}

// Must be called with lock held
func (s *PriceService) dataLocked(symbol string) *domain.MarketData {
	tick, ok := s.latest[symbol]
	if !ok {
		return nil
	}
	data := &domain.MarketData{
		Symbol:    symbol,
		Price:     tick.Price,
		Volume:    tick.Volume,
		High:      tick.Price,
		Low:       tick.Price,
		Timestamp: tick.Timestamp,
	}
	if bar, ok := s.open[symbol]; ok {
		data.High = bar.High
		data.Low = bar.Low
		data.Volume = bar.Volume
	}
	return data
}

// GetAllData returns live market data sorted by symbol
func (s *PriceService) GetAllData() []*domain.MarketData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.MarketData, 0, len(s.latest))
	for symbol := range s.latest {
		result = append(result, s.dataLocked(symbol))
	}

	// Sort by symbol for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})

	return result
}

// MarketData returns the summary for symbol, with the 24h change computed
// from persisted bars. Falls back to the last persisted bar when no tick
// has been seen since startup.
func (s *PriceService) MarketData(ctx context.Context, symbol string) (*domain.MarketData, error) {
	data := s.GetData(symbol)

	if data == nil && s.store != nil {
		bar, err := s.store.LatestPriceBar(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if bar != nil {
			data = &domain.MarketData{
				Symbol:    symbol,
				Price:     bar.Close,
				Volume:    bar.Volume,
				High:      bar.High,
				Low:       bar.Low,
				Timestamp: bar.Timestamp,
			}
		}
	}
	if data == nil {
		return nil, fmt.Errorf("%w for %s", domain.ErrNoQuote, symbol)
	}

	if s.store != nil {
		prev, err := s.store.PriceBarAt(ctx, symbol, s.now().UTC().Add(-24*time.Hour))
		if err != nil {
			s.logger.Warn("24h reference bar lookup failed", slog.String("symbol", symbol), slog.Any("error", err))
		} else if prev != nil {
			data.Change24h = domain.ChangePct(data.Price, prev.Close)
		}
	}
	return data, nil
}

// closeExpired moves bars whose interval has ended into the closed list.
func (s *PriceService) closeExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, bar := range s.open {
		if !now.Before(bar.Timestamp.Add(s.barInterval)) {
			s.closeBarLocked(bar)
			delete(s.open, symbol)
		}
	}
}

// FlushBars persists every closed bar. Bars are put back on failure.
func (s *PriceService) FlushBars(ctx context.Context) (int, error) {
	s.closeExpired(s.now().UTC())

	s.mu.Lock()
	bars := s.closed
	s.closed = nil
	s.mu.Unlock()

	if len(bars) == 0 || s.store == nil {
		return 0, nil
	}

	if err := s.store.SavePriceBars(ctx, bars); err != nil {
		s.mu.Lock()
		s.closed = append(bars, s.closed...)
		s.mu.Unlock()
		return 0, err
	}
	return len(bars), nil
}

// RunBarFlusher flushes closed bars once per bar interval until ctx is done,
// then performs a final flush.
func (s *PriceService) RunBarFlusher(ctx context.Context) error {
	ticker := time.NewTicker(s.barInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), barFlushTimeout)
			if n, err := s.FlushBars(flushCtx); err != nil {
				s.logger.Error("Final bar flush failed", slog.Any("error", err))
			} else if n > 0 {
				s.logger.Info("Final bar flush", slog.Int("bars", n))
			}
			cancel()
			return nil
		case <-ticker.C:
			n, err := s.FlushBars(ctx)
			if err != nil {
				s.logger.Warn("Bar flush failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Debug("Bars flushed", slog.Int("bars", n))
			}
		}
	}
}
