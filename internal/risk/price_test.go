package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

type staticPrices map[string]decimal.Decimal

func (s staticPrices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := s[symbol]
	return p, ok
}

func TestPriceResolver_Resolve(t *testing.T) {
	live := staticPrices{"AAPL": decimal.NewFromInt(190)}
	limit := decimal.NewNullDecimal(decimal.NewFromInt(42))
	noLimit := decimal.NullDecimal{}
	def := decimal.NewFromInt(100)

	tests := []struct {
		name       string
		mode       FallbackMode
		symbol     string
		limit      decimal.NullDecimal
		wantPrice  int64
		wantSource PriceSourceKind
		wantErr    bool
	}{
		{"live price wins", FallbackStrict, "AAPL", limit, 190, PriceFromLive, false},
		{"strict without live", FallbackStrict, "MSFT", limit, 0, "", true},
		{"limit fallback", FallbackLimit, "MSFT", limit, 42, PriceFromLimit, false},
		{"limit mode without limit price", FallbackLimit, "MSFT", noLimit, 0, "", true},
		{"simulated default", FallbackSimulated, "MSFT", noLimit, 100, PriceFromDefault, false},
		{"simulated prefers limit", FallbackSimulated, "MSFT", limit, 42, PriceFromLimit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewPriceResolver(live, tt.mode, def, nil)
			price, src, err := r.Resolve(tt.symbol, tt.limit)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrNoReferencePrice) {
					t.Fatalf("expected ErrNoReferencePrice, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !price.Equal(decimal.NewFromInt(tt.wantPrice)) || src != tt.wantSource {
				t.Errorf("Resolve = %s/%s, want %d/%s", price, src, tt.wantPrice, tt.wantSource)
			}
		})
	}
}

func TestParseFallbackMode(t *testing.T) {
	if m, err := ParseFallbackMode(""); err != nil || m != FallbackLimit {
		t.Errorf("empty mode should default to limit, got %q, %v", m, err)
	}
	if _, err := ParseFallbackMode("yolo"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
