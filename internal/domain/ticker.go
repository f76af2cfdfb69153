package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is a single price observation for a symbol.
// Ticks are forwarded to subscribers, never persisted as-is.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceBar is an OHLCV bar aggregated from ticks over one interval.
type PriceBar struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Symbol    string          `gorm:"index:idx_bar_symbol_ts,priority:1;not null" json:"symbol"`
	Open      decimal.Decimal `gorm:"type:decimal(36,18)" json:"open"`
	High      decimal.Decimal `gorm:"type:decimal(36,18)" json:"high"`
	Low       decimal.Decimal `gorm:"type:decimal(36,18)" json:"low"`
	Close     decimal.Decimal `gorm:"type:decimal(36,18)" json:"close"`
	Volume    decimal.Decimal `gorm:"type:decimal(36,18)" json:"volume"`
	Timestamp time.Time       `gorm:"index:idx_bar_symbol_ts,priority:2" json:"timestamp"`
}

// NewPriceBar opens a bar at the given tick.
func NewPriceBar(tick PriceTick, start time.Time) *PriceBar {
	return &PriceBar{
		Symbol:    tick.Symbol,
		Open:      tick.Price,
		High:      tick.Price,
		Low:       tick.Price,
		Close:     tick.Price,
		Volume:    tick.Volume,
		Timestamp: start,
	}
}

// Apply folds a tick into the bar.
func (b *PriceBar) Apply(tick PriceTick) {
	if tick.Price.GreaterThan(b.High) {
		b.High = tick.Price
	}
	if tick.Price.LessThan(b.Low) {
		b.Low = tick.Price
	}
	b.Close = tick.Price
	b.Volume = b.Volume.Add(tick.Volume)
}

// MarketData is the per-symbol summary served by the market-data query.
type MarketData struct {
	Symbol    string           `json:"symbol"`
	Price     decimal.Decimal  `json:"price"`
	Volume    decimal.Decimal  `json:"volume"`
	High      decimal.Decimal  `json:"high"`
	Low       decimal.Decimal  `json:"low"`
	Change24h *decimal.Decimal `json:"change_24h,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ChangePct calculates 100 * (current - previous) / previous.
// Returns nil when previous is zero.
func ChangePct(current, previous decimal.Decimal) *decimal.Decimal {
	if previous.IsZero() {
		return nil
	}
	change := current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100))
	return &change
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (m *MarketData) ChangeDirection() string {
	if m.Change24h == nil {
		return "neutral"
	}
	if m.Change24h.IsPositive() {
		return "positive"
	}
	if m.Change24h.IsNegative() {
		return "negative"
	}
	return "neutral"
}
