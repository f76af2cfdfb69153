package risk

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

// FallbackMode controls what happens when no live price is known for a symbol.
type FallbackMode string

const (
	// FallbackStrict requires a live price.
	FallbackStrict FallbackMode = "strict"
	// FallbackLimit uses the order's limit price when no live price is known.
	FallbackLimit FallbackMode = "limit"
	// FallbackSimulated additionally falls back to a fixed default price.
	// For paper trading and demos only: risk numbers are not meaningful.
	FallbackSimulated FallbackMode = "simulated"
)

// ParseFallbackMode validates a configured mode.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch m := FallbackMode(s); m {
	case FallbackStrict, FallbackLimit, FallbackSimulated:
		return m, nil
	case "":
		return FallbackLimit, nil
	}
	return "", fmt.Errorf("unknown price fallback mode %q", s)
}

// PriceSourceKind tells where a reference price came from.
type PriceSourceKind string

const (
	PriceFromLive    PriceSourceKind = "live"
	PriceFromLimit   PriceSourceKind = "limit"
	PriceFromDefault PriceSourceKind = "default"
)

// LivePrices exposes the latest observed price per symbol.
type LivePrices interface {
	LatestPrice(symbol string) (decimal.Decimal, bool)
}

// PriceResolver picks the reference price used to value an order.
type PriceResolver struct {
	live         LivePrices
	mode         FallbackMode
	defaultPrice decimal.Decimal
	logger       *slog.Logger
}

// NewPriceResolver creates a resolver. live may be nil.
func NewPriceResolver(live LivePrices, mode FallbackMode, defaultPrice decimal.Decimal, logger *slog.Logger) *PriceResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceResolver{
		live:         live,
		mode:         mode,
		defaultPrice: defaultPrice,
		logger:       logger.With(slog.String("module", "risk")),
	}
}

// Resolve returns the reference price for symbol. limit is the order's own
// price, if any. ErrNoReferencePrice is returned when the mode allows no fallback.
func (r *PriceResolver) Resolve(symbol string, limit decimal.NullDecimal) (decimal.Decimal, PriceSourceKind, error) {
	if r.live != nil {
		if p, ok := r.live.LatestPrice(symbol); ok && p.IsPositive() {
			return p, PriceFromLive, nil
		}
	}

	if r.mode == FallbackStrict {
		return decimal.Zero, "", fmt.Errorf("%w for %s", domain.ErrNoReferencePrice, symbol)
	}

	if limit.Valid && limit.Decimal.IsPositive() {
		return limit.Decimal, PriceFromLimit, nil
	}

	if r.mode == FallbackSimulated && r.defaultPrice.IsPositive() {
		r.logger.Warn("Using simulated default price for risk valuation",
			slog.String("symbol", symbol),
			slog.String("price", r.defaultPrice.String()),
		)
		return r.defaultPrice, PriceFromDefault, nil
	}

	return decimal.Zero, "", fmt.Errorf("%w for %s", domain.ErrNoReferencePrice, symbol)
}
