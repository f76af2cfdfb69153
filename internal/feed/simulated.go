package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

var defaultBasePrice = decimal.NewFromInt(100)

// SimulatedSource produces a bounded random walk per symbol.
type SimulatedSource struct {
	mu     sync.Mutex
	base   map[string]decimal.Decimal
	last   map[string]decimal.Decimal
	volume decimal.Decimal
	step   float64 // max relative move per quote
	rnd    *rand.Rand
}

// NewSimulatedSource creates a source starting each symbol at base[symbol]
// (100 when absent).
func NewSimulatedSource(base map[string]decimal.Decimal, seed int64) *SimulatedSource {
	b := make(map[string]decimal.Decimal, len(base))
	for k, v := range base {
		b[k] = v
	}
	return &SimulatedSource{
		base:   b,
		last:   make(map[string]decimal.Decimal),
		volume: decimal.NewFromInt(1000),
		step:   0.002,
		rnd:    rand.New(rand.NewSource(seed)),
	}
}

// Quote returns the next simulated price for symbol.
func (s *SimulatedSource) Quote(ctx context.Context, symbol string) (domain.PriceTick, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceTick{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.base[symbol]
	if !ok || !start.IsPositive() {
		start = defaultBasePrice
	}

	price, ok := s.last[symbol]
	if !ok {
		price = start
	} else {
		move := (s.rnd.Float64()*2 - 1) * s.step
		price = price.Mul(decimal.NewFromFloat(1 + move)).Round(4)
		if !price.IsPositive() {
			price = start
		}
	}
	s.last[symbol] = price

	return domain.PriceTick{
		Symbol:    symbol,
		Price:     price,
		Volume:    s.volume,
		Timestamp: time.Now().UTC(),
	}, nil
}
