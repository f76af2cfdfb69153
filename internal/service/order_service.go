package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
	"trade_core/internal/risk"
	"trade_core/internal/settlement"
)

// ErrPositionNotFound is returned when the owner never traded the symbol.
var ErrPositionNotFound = errors.New("no positions found")

// Scheduler hands accepted orders to settlement.
type Scheduler interface {
	Submit(orderID string) (*settlement.Task, error)
}

// Catalog reports whether a symbol may be traded.
type Catalog interface {
	GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error)
}

// MarketDataProvider serves per-symbol market summaries.
type MarketDataProvider interface {
	MarketData(ctx context.Context, symbol string) (*domain.MarketData, error)
}

// Recorder receives order activity for metrics.
type Recorder interface {
	RecordOrderPlaced()
	RecordOrderRejected(reason string)
	RecordOrderCancelled()
}

type noopRecorder struct{}

func (noopRecorder) RecordOrderPlaced()         {}
func (noopRecorder) RecordOrderRejected(string) {}
func (noopRecorder) RecordOrderCancelled()      {}

// Dependencies wires an OrderService. Catalog, Venue, Notifier, Market and
// Recorder are optional.
type Dependencies struct {
	Orders    domain.OrderStore
	Accounts  domain.AccountStore
	Gate      *risk.Gate
	Prices    *risk.PriceResolver
	Scheduler Scheduler
	Catalog   Catalog
	Venue     domain.Execution
	Notifier  domain.OrderNotifier
	Market    MarketDataProvider
	Recorder  Recorder
}

// PlaceOrderRequest is the client's order ticket.
type PlaceOrderRequest struct {
	AccountID string              `json:"account_id"`
	Symbol    string              `json:"symbol"`
	Side      domain.OrderSide    `json:"side"`
	Type      domain.OrderType    `json:"order_type"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
}

// AccountRisk summarises exposure from the owner's pending orders.
type AccountRisk struct {
	AccountBalance  decimal.Decimal `json:"account_balance"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	ExposureRatio   decimal.Decimal `json:"exposure_ratio"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	OpenOrdersCount int             `json:"open_orders_count"`
	RiskLimits      risk.Limits     `json:"risk_limits"`
}

// PositionRisk summarises the owner's executed orders in one symbol.
type PositionRisk struct {
	Symbol              string          `json:"symbol"`
	TotalQuantity       decimal.Decimal `json:"total_quantity"`
	AveragePrice        decimal.Decimal `json:"average_price"`
	PositionValue       decimal.Decimal `json:"position_value"`
	ExecutedOrdersCount int             `json:"executed_orders_count"`
	PendingOrdersCount  int             `json:"pending_orders_count"`
}

// OrderService is the order-facing API of the core.
type OrderService struct {
	orders    domain.OrderStore
	accounts  domain.AccountStore
	gate      *risk.Gate
	prices    *risk.PriceResolver
	scheduler Scheduler
	catalog   Catalog
	venue     domain.Execution
	notifier  domain.OrderNotifier
	market    MarketDataProvider
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrderService creates the service.
func NewOrderService(deps Dependencies, logger *slog.Logger) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Gate == nil {
		deps.Gate = risk.NewGate(risk.DefaultLimits())
	}
	if deps.Prices == nil {
		deps.Prices = risk.NewPriceResolver(nil, risk.FallbackLimit, decimal.Zero, logger)
	}
	return &OrderService{
		orders:    deps.Orders,
		accounts:  deps.Accounts,
		gate:      deps.Gate,
		prices:    deps.Prices,
		scheduler: deps.Scheduler,
		catalog:   deps.Catalog,
		venue:     deps.Venue,
		notifier:  deps.Notifier,
		market:    deps.Market,
		recorder:  deps.Recorder,
		logger:    logger.With(slog.String("module", "orders")),
		now:       time.Now,
	}
}

func (s *OrderService) normalize(req PlaceOrderRequest) (PlaceOrderRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Side == "" {
		req.Side = domain.SideBuy
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeMarket
	}

	switch {
	case req.Symbol == "":
		return req, fmt.Errorf("%w: symbol is required", domain.ErrInvalidOrder)
	case req.Side != domain.SideBuy && req.Side != domain.SideSell:
		return req, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidOrder, req.Side)
	case !req.Type.Valid():
		return req, fmt.Errorf("%w: unknown order type %q", domain.ErrInvalidOrder, req.Type)
	case !req.Quantity.IsPositive():
		return req, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidOrder)
	case req.Price.Valid && !req.Price.Decimal.IsPositive():
		return req, fmt.Errorf("%w: price must be positive", domain.ErrInvalidOrder)
	case req.Type.RequiresPrice() && !req.Price.Valid:
		return req, fmt.Errorf("%w: %s orders require a price", domain.ErrInvalidOrder, req.Type)
	}
	return req, nil
}

func (s *OrderService) reject(ownerID string, rej *risk.Rejection) error {
	s.recorder.RecordOrderRejected(string(rej.Reason))
	s.logger.Info("Order rejected",
		slog.String("owner", ownerID),
		slog.String("reason", string(rej.Reason)),
		slog.String("message", rej.Message),
	)
	return rej
}

// PlaceOrder validates the order against the risk limits, persists it as
// pending and schedules settlement. Rejected orders are never persisted.
func (s *OrderService) PlaceOrder(ctx context.Context, ownerID string, req PlaceOrderRequest) (*domain.Order, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	if s.catalog != nil {
		inst, err := s.catalog.GetInstrument(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("lookup instrument: %w", err)
		}
		if inst == nil || !inst.IsActive {
			return nil, fmt.Errorf("%w: %w %s", domain.ErrInvalidOrder, domain.ErrInvalidSymbol, req.Symbol)
		}
	}

	account, err := s.accounts.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if req.AccountID != "" && req.AccountID != account.ID {
		return nil, domain.ErrAccountNotFound
	}
	if !account.IsVerified {
		return nil, domain.ErrAccountNotVerified
	}

	ref, source, err := s.prices.Resolve(req.Symbol, req.Price)
	if err != nil {
		return nil, s.reject(ownerID, &risk.Rejection{
			Reason:  risk.ReasonNoPrice,
			Message: fmt.Sprintf("No reference price available for %s", req.Symbol),
		})
	}

	decision := risk.SafeValidate(s.gate, risk.Order{Symbol: req.Symbol, Quantity: req.Quantity}, *account, ref)
	if !decision.Accepted {
		var rej *risk.Rejection
		errors.As(decision.Err(), &rej)
		return nil, s.reject(ownerID, rej)
	}

	now := s.now().UTC()
	if limit := s.gate.Limits().MaxDailyOrders; limit > 0 {
		dayStart := now.Truncate(24 * time.Hour)
		count, err := s.orders.CountOrdersSince(ctx, ownerID, dayStart)
		if err != nil {
			return nil, fmt.Errorf("count daily orders: %w", err)
		}
		if count >= int64(limit) {
			return nil, s.reject(ownerID, &risk.Rejection{
				Reason:  risk.ReasonDailyOrderLimit,
				Message: fmt.Sprintf("Daily order limit of %d reached", limit),
			})
		}
	}

	order := &domain.Order{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		AccountID: account.ID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.scheduler.Submit(order.ID); err != nil {
		s.logger.Error("Settlement scheduling failed", slog.String("order_id", order.ID), slog.Any("error", err))
		if _, ferr := s.orders.TransitionOrder(context.WithoutCancel(ctx), order.ID, domain.OrderStatusPending, domain.OrderStatusFailed, domain.TransitionFields{}); ferr != nil {
			s.logger.Error("Failed to mark unscheduled order", slog.String("order_id", order.ID), slog.Any("error", ferr))
		}
		return nil, fmt.Errorf("schedule settlement: %w", err)
	}

	s.recorder.RecordOrderPlaced()
	s.logger.Info("Order accepted",
		slog.String("order_id", order.ID),
		slog.String("owner", ownerID),
		slog.String("symbol", order.Symbol),
		slog.String("value", decision.OrderValue.String()),
		slog.String("price_source", string(source)),
	)
	return order, nil
}

// GetOrder returns one of the owner's orders. Other owners' orders are
// reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, ownerID, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the owner's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, ownerID string, status *domain.OrderStatus) ([]domain.Order, error) {
	return s.orders.ListOrders(ctx, ownerID, status)
}

// CancelOrder cancels a pending order. Orders that already left pending,
// including ones settlement won the race for, give ErrInvalidState.
func (s *OrderService) CancelOrder(ctx context.Context, ownerID, orderID string) (*domain.Order, error) {
	order, err := s.GetOrder(ctx, ownerID, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", domain.ErrInvalidState, order.Status)
	}

	updated, err := s.orders.TransitionOrder(ctx, orderID, domain.OrderStatusPending, domain.OrderStatusCancelled, domain.TransitionFields{})
	if errors.Is(err, domain.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: order already settled", domain.ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}

	if s.venue != nil {
		if err := s.venue.CancelOrder(ctx, orderID, updated.Symbol); err != nil {
			s.logger.Warn("Venue cancel failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		s.notifier.NotifyOrder(ownerID, updated.Snapshot())
	}

	s.recorder.RecordOrderCancelled()
	s.logger.Info("Order cancelled", slog.String("order_id", orderID), slog.String("owner", ownerID))
	return updated, nil
}

// RiskLimits returns the configured limits.
func (s *OrderService) RiskLimits() risk.Limits {
	return s.gate.Limits()
}

// valuationPrice prices an order for reporting. Orders with no usable price
// are valued at zero.
func (s *OrderService) valuationPrice(o *domain.Order) decimal.Decimal {
	if p, ok := o.LimitPrice(); ok {
		return p
	}
	p, _, err := s.prices.Resolve(o.Symbol, o.Price)
	if err != nil {
		return decimal.Zero
	}
	return p
}

// executedPrice is the venue fill price. Orders settled before fills were
// recorded fall back to their valuation price.
func (s *OrderService) executedPrice(o *domain.Order) decimal.Decimal {
	if p, ok := o.FillPrice(); ok {
		return p
	}
	return s.valuationPrice(o)
}

// AccountRisk reports exposure from the owner's pending orders.
func (s *OrderService) AccountRisk(ctx context.Context, ownerID string) (*AccountRisk, error) {
	account, err := s.accounts.GetAccountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	pending := domain.OrderStatusPending
	open, err := s.orders.ListOrders(ctx, ownerID, &pending)
	if err != nil {
		return nil, err
	}

	exposure := decimal.Zero
	for i := range open {
		exposure = exposure.Add(open[i].Quantity.Mul(s.valuationPrice(&open[i])))
	}

	limits := s.gate.Limits()
	ratio := decimal.Zero
	if account.HasFunds() {
		ratio = exposure.Div(account.Balance)
	}
	margin := account.Balance
	if limits.MaxLeverage.IsPositive() {
		margin = account.Balance.Sub(exposure.Div(limits.MaxLeverage))
	}

	return &AccountRisk{
		AccountBalance:  account.Balance,
		TotalExposure:   exposure,
		ExposureRatio:   ratio,
		AvailableMargin: margin,
		OpenOrdersCount: len(open),
		RiskLimits:      limits,
	}, nil
}

// PositionRisk reports the owner's executed position in symbol.
func (s *OrderService) PositionRisk(ctx context.Context, ownerID, symbol string) (*PositionRisk, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	orders, err := s.orders.ListOrders(ctx, ownerID, nil)
	if err != nil {
		return nil, err
	}

	pos := &PositionRisk{Symbol: symbol}
	found := false
	value := decimal.Zero
	for i := range orders {
		o := &orders[i]
		if o.Symbol != symbol {
			continue
		}
		found = true
		switch o.Status {
		case domain.OrderStatusExecuted:
			pos.ExecutedOrdersCount++
			pos.TotalQuantity = pos.TotalQuantity.Add(o.Quantity)
			value = value.Add(o.Quantity.Mul(s.executedPrice(o)))
		case domain.OrderStatusPending:
			pos.PendingOrdersCount++
		}
	}
	if !found {
		return nil, fmt.Errorf("%w for symbol %s", ErrPositionNotFound, symbol)
	}

	if pos.TotalQuantity.IsPositive() {
		pos.AveragePrice = value.Div(pos.TotalQuantity)
	}
	pos.PositionValue = pos.TotalQuantity.Mul(pos.AveragePrice)
	return pos, nil
}

// MarketData returns the market summary for symbol.
func (s *OrderService) MarketData(ctx context.Context, symbol string) (*domain.MarketData, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", domain.ErrInvalidSymbol)
	}
	if s.market == nil {
		return nil, fmt.Errorf("%w for %s", domain.ErrNoQuote, symbol)
	}
	return s.market.MarketData(ctx, symbol)
}
