package domain

import (
	"context"
	"time"
)

// OrderStore is the persistence contract used by the order service and the settlement pipeline.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, ownerID string, status *OrderStatus) ([]Order, error)
	CountOrdersSince(ctx context.Context, ownerID string, since time.Time) (int64, error)

	// TransitionOrder moves the order from -> to only if its stored status is still from.
	// Returns ErrStatusConflict when it is not, ErrOrderNotFound when the row is missing.
	TransitionOrder(ctx context.Context, id string, from, to OrderStatus, fields TransitionFields) (*Order, error)
}

// AccountStore gives read access to trading accounts.
type AccountStore interface {
	GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error)
}

// IdentityResolver turns an opaque credential into an owner id.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// Execution is the venue an accepted order is settled against.
type Execution interface {
	ExecuteOrder(ctx context.Context, order Order) (Fill, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	Close() error
}

// PriceSource produces the current price for a symbol.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (PriceTick, error)
}

// OrderNotifier receives order state changes for delivery to the owner.
type OrderNotifier interface {
	NotifyOrder(ownerID string, snapshot OrderSnapshot) int
}
