package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

// Reason identifies which check rejected an order.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonInvalidOrder    Reason = "invalid_order"
	ReasonMinBalance      Reason = "min_balance"
	ReasonMaxOrderValue   Reason = "max_order_value"
	ReasonPositionSize    Reason = "position_size"
	ReasonMargin          Reason = "insufficient_margin"
	ReasonNoPrice         Reason = "no_reference_price"
	ReasonDailyOrderLimit Reason = "daily_order_limit"
	ReasonInternal        Reason = "internal_error"
)

// Limits are the static risk limits applied to every order.
type Limits struct {
	MaxOrderValue     decimal.Decimal `json:"max_order_value"`
	MaxDailyOrders    int             `json:"max_daily_orders"`
	MaxPositionSize   decimal.Decimal `json:"max_position_size"`
	MinAccountBalance decimal.Decimal `json:"min_account_balance"`
	MaxLeverage       decimal.Decimal `json:"max_leverage"`
}

// DefaultLimits returns the stock brokerage limits.
func DefaultLimits() Limits {
	return Limits{
		MaxOrderValue:     decimal.NewFromInt(100000),
		MaxDailyOrders:    50,
		MaxPositionSize:   decimal.NewFromFloat(0.2),
		MinAccountBalance: decimal.NewFromInt(100),
		MaxLeverage:       decimal.NewFromInt(5),
	}
}

// Order is the part of an order the gate looks at.
type Order struct {
	Symbol   string
	Quantity decimal.Decimal
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Accepted   bool
	Reason     Reason
	Message    string
	OrderValue decimal.Decimal
}

// Err returns nil for an accepted decision and a *Rejection otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &Rejection{Reason: d.Reason, Message: d.Message}
}

func accept(value decimal.Decimal) Decision {
	return Decision{Accepted: true, OrderValue: value}
}

func reject(reason Reason, msg string, value decimal.Decimal) Decision {
	return Decision{Reason: reason, Message: msg, OrderValue: value}
}

// Rejection is returned to callers when an order fails a risk check.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Gate validates proposed orders against an account and static limits.
// It holds no mutable state and is safe for concurrent use.
type Gate struct {
	limits Limits
}

// NewGate creates a gate with the given limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits {
	return g.limits
}

// Validate runs the checks in fixed order; the first failing check decides.
func (g *Gate) Validate(order Order, account domain.Account, referencePrice decimal.Decimal) Decision {
	if !order.Quantity.IsPositive() {
		return reject(ReasonInvalidOrder, "Order quantity must be positive", decimal.Zero)
	}
	if !referencePrice.IsPositive() {
		return reject(ReasonInvalidOrder, "Reference price must be positive", decimal.Zero)
	}

	value := order.Quantity.Mul(referencePrice)
	balance := account.Balance

	// 1. Minimum balance
	if balance.LessThan(g.limits.MinAccountBalance) {
		return reject(ReasonMinBalance,
			fmt.Sprintf("Account balance below minimum requirement of %s", g.limits.MinAccountBalance), value)
	}

	// 2. Order value cap
	if value.GreaterThan(g.limits.MaxOrderValue) {
		return reject(ReasonMaxOrderValue,
			fmt.Sprintf("Order value exceeds maximum limit of %s", g.limits.MaxOrderValue), value)
	}

	// 3. Position size relative to balance
	pct := g.limits.MaxPositionSize.Mul(decimal.NewFromInt(100))
	if !balance.IsPositive() || value.Div(balance).GreaterThan(g.limits.MaxPositionSize) {
		return reject(ReasonPositionSize,
			fmt.Sprintf("Position size exceeds %s%% of balance", pct), value)
	}

	// 4. Margin
	if !g.limits.MaxLeverage.IsPositive() || value.Div(g.limits.MaxLeverage).GreaterThan(balance) {
		return reject(ReasonMargin, "Insufficient margin for requested leverage", value)
	}

	return accept(value)
}

// SafeValidate calls Validate and turns a panic into a rejection.
func SafeValidate(g *Gate, order Order, account domain.Account, referencePrice decimal.Decimal) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = reject(ReasonInternal, "Error performing risk validation", decimal.Zero)
		}
	}()
	return g.Validate(order, account, referencePrice)
}
