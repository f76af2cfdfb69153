package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"trade_core/internal/domain"

	"github.com/shopspring/decimal"
)

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) LatestPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := f[symbol]
	return p, ok
}

func TestPaperExecution_MarketBuy(t *testing.T) {
	paper := NewPaperExecution(0, fixedPrices{"BTC/USD": decimal.NewFromInt(50000)})

	order := domain.Order{
		ID:       "order-1",
		Symbol:   "BTC/USD",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.1),
	}

	fill, err := paper.ExecuteOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if fill.OrderID != "order-1" || fill.Side != domain.SideBuy {
		t.Errorf("Unexpected fill %+v", fill)
	}
	if !fill.Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("Expected fill at 50000, got %s", fill.Price)
	}
	if fill.FilledAt.IsZero() {
		t.Error("Expected fill timestamp")
	}
}

func TestPaperExecution_FillPrice(t *testing.T) {
	prices := fixedPrices{"AAPL": decimal.NewFromInt(190)}
	limit := decimal.NewNullDecimal(decimal.NewFromInt(200))

	tests := []struct {
		name   string
		prices PriceLookup
		order  domain.Order
		want   int64
	}{
		{"limit uses own price", prices, domain.Order{Type: domain.OrderTypeLimit, Price: limit}, 200},
		{"market uses latest price", prices, domain.Order{Type: domain.OrderTypeMarket, Price: limit}, 190},
		{"market without quote falls back to limit", nil, domain.Order{Type: domain.OrderTypeMarket, Price: limit}, 200},
		{"market without any price", nil, domain.Order{Type: domain.OrderTypeMarket}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paper := NewPaperExecution(0, tt.prices)
			tt.order.ID = "o"
			tt.order.Symbol = "AAPL"
			tt.order.Quantity = decimal.NewFromInt(3)

			fill, err := paper.ExecuteOrder(context.Background(), tt.order)
			if err != nil {
				t.Fatalf("ExecuteOrder failed: %v", err)
			}
			if !fill.Price.Equal(decimal.NewFromInt(tt.want)) {
				t.Errorf("Expected fill at %d, got %s", tt.want, fill.Price)
			}
		})
	}
}

func TestPaperExecution_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("reject hook", func(t *testing.T) {
		paper := NewPaperExecution(0, nil)
		boom := errors.New("venue rejected")
		paper.SetRejectFunc(func(domain.Order) error { return boom })

		fill, err := paper.ExecuteOrder(ctx, domain.Order{ID: "o", Quantity: decimal.NewFromInt(1)})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected hook error, got %v", err)
		}
		if fill.OrderID != "" {
			t.Error("rejected order must not fill")
		}
	})

	t.Run("cancelled at venue", func(t *testing.T) {
		paper := NewPaperExecution(0, nil)
		paper.CancelOrder(ctx, "o", "AAPL")
		if _, err := paper.ExecuteOrder(ctx, domain.Order{ID: "o", Quantity: decimal.NewFromInt(1)}); err == nil {
			t.Fatal("Expected error for cancelled order, got nil")
		}
		if len(paper.cancelled) != 0 {
			t.Errorf("Expected cancel marker to be consumed, %d left", len(paper.cancelled))
		}
	})

	t.Run("zero quantity", func(t *testing.T) {
		paper := NewPaperExecution(0, nil)
		_, err := paper.ExecuteOrder(ctx, domain.Order{ID: "o"})
		if !errors.Is(err, domain.ErrInvalidOrder) {
			t.Fatalf("Expected ErrInvalidOrder, got %v", err)
		}
	})

	t.Run("closed venue", func(t *testing.T) {
		paper := NewPaperExecution(0, nil)
		paper.Close()
		_, err := paper.ExecuteOrder(ctx, domain.Order{ID: "o", Quantity: decimal.NewFromInt(1)})
		if !errors.Is(err, ErrVenueClosed) {
			t.Fatalf("Expected ErrVenueClosed, got %v", err)
		}
	})

	t.Run("latency honours context", func(t *testing.T) {
		paper := NewPaperExecution(time.Second, nil)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := paper.ExecuteOrder(cctx, domain.Order{ID: "o", Quantity: decimal.NewFromInt(1)})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected deadline exceeded, got %v", err)
		}
	})
}

func TestPaperExecution_CancelRetention(t *testing.T) {
	paper := NewPaperExecution(0, nil)
	now := time.Now()
	paper.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		paper.CancelOrder(context.Background(), id, "AAPL")
	}
	if len(paper.cancelled) != 3 {
		t.Fatalf("Expected 3 cancel markers, got %d", len(paper.cancelled))
	}

	// Markers for orders that never reached the venue expire.
	now = now.Add(cancelRetention + time.Minute)
	paper.CancelOrder(context.Background(), "d", "AAPL")
	if len(paper.cancelled) != 1 {
		t.Errorf("Expected stale markers pruned, got %d", len(paper.cancelled))
	}
}

func TestPaperExecution_ImplementsInterface(t *testing.T) {
	var _ domain.Execution = (*PaperExecution)(nil)
}
