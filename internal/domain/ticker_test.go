package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestChangePct(t *testing.T) {
	t.Run("Normal Calculation", func(t *testing.T) {
		got := ChangePct(decimal.NewFromInt(105), decimal.NewFromInt(100))
		if got == nil || !got.Equal(decimal.NewFromInt(5)) {
			t.Errorf("Expected 5%%, got %v", got)
		}
	})

	t.Run("Safety: Zero Previous", func(t *testing.T) {
		if ChangePct(decimal.NewFromInt(105), decimal.Zero) != nil {
			t.Error("Should return nil when previous price is zero")
		}
	})
}

func TestPriceBar_Apply(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bar := NewPriceBar(PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(100), Volume: decimal.NewFromInt(10)}, start)

	bar.Apply(PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(110), Volume: decimal.NewFromInt(5)})
	bar.Apply(PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(95), Volume: decimal.NewFromInt(5)})
	bar.Apply(PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(101), Volume: decimal.NewFromInt(1)})

	tests := []struct {
		name string
		got  decimal.Decimal
		want int64
	}{
		{"open", bar.Open, 100},
		{"high", bar.High, 110},
		{"low", bar.Low, 95},
		{"close", bar.Close, 101},
		{"volume", bar.Volume, 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.got.Equal(decimal.NewFromInt(tt.want)) {
				t.Errorf("%s = %v, want %d", tt.name, tt.got, tt.want)
			}
		})
	}
	if !bar.Timestamp.Equal(start) {
		t.Errorf("Timestamp = %v, want %v", bar.Timestamp, start)
	}
}

func TestMarketData_ChangeDirection(t *testing.T) {
	up := decimal.NewFromFloat(1.5)
	down := decimal.NewFromFloat(-0.5)
	flat := decimal.Zero

	tests := []struct {
		name   string
		change *decimal.Decimal
		want   string
	}{
		{"nil", nil, "neutral"},
		{"up", &up, "positive"},
		{"down", &down, "negative"},
		{"flat", &flat, "neutral"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MarketData{Change24h: tt.change}
			if got := m.ChangeDirection(); got != tt.want {
				t.Errorf("ChangeDirection() = %q, want %q", got, tt.want)
			}
		})
	}
}
