package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
// The string value is used verbatim in storage and on the wire.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// ParseOrderStatus converts a raw string into an OrderStatus.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusExecuted, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal transition.
// Only PENDING may move, and only into one of the terminal states.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		switch next {
		case OrderStatusExecuted, OrderStatusCancelled, OrderStatusFailed:
			return true
		case OrderStatusPending:
			return false
		}
		return false
	case OrderStatusExecuted, OrderStatusCancelled, OrderStatusFailed:
		return false
	}
	return false
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style requested by the client.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// Valid reports whether t is a supported order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return true
	}
	return false
}

// RequiresPrice reports whether the order type needs a limit/trigger price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStop
}

// Order represents a trading order.
type Order struct {
	ID         string              `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string              `gorm:"index;not null" json:"owner_id"`
	AccountID  string              `gorm:"index;not null" json:"account_id"`
	Symbol     string              `gorm:"index;not null" json:"symbol"`
	Side       OrderSide           `gorm:"size:8" json:"side"`
	Type       OrderType           `gorm:"column:order_type;size:16" json:"order_type"`
	Quantity   decimal.Decimal     `gorm:"type:decimal(36,18)" json:"quantity"`
	Price      decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"price"`
	Status     OrderStatus         `gorm:"index;size:16;not null" json:"status"`
	CreatedAt  time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	ExecutedAt *time.Time          `json:"executed_at"`

	ExecutedPrice decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"executed_price"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending
}

// LimitPrice returns the limit price if one was given.
func (o *Order) LimitPrice() (decimal.Decimal, bool) {
	if !o.Price.Valid {
		return decimal.Zero, false
	}
	return o.Price.Decimal, true
}

// Snapshot returns the subset of fields pushed to clients on state change.
func (o *Order) Snapshot() OrderSnapshot {
	return OrderSnapshot{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Status:     o.Status,
		ExecutedAt: o.ExecutedAt,
	}
}

// OrderSnapshot is the order_update payload.
type OrderSnapshot struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Status     OrderStatus `json:"status"`
	ExecutedAt *time.Time  `json:"executed_at"`
}

// FillPrice returns the price the venue filled at, if the order executed.
func (o *Order) FillPrice() (decimal.Decimal, bool) {
	if !o.ExecutedPrice.Valid {
		return decimal.Zero, false
	}
	return o.ExecutedPrice.Decimal, true
}

// TransitionFields are the extra columns written together with a status change.
type TransitionFields struct {
	ExecutedAt    *time.Time
	ExecutedPrice *decimal.Decimal
}

// Fill is a venue's report of an executed order.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	FilledAt time.Time
}
