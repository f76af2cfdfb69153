package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade_core/internal/auth"
	"trade_core/internal/domain"
	"trade_core/internal/feed"
	"trade_core/internal/infra"
	"trade_core/internal/infra/storage"
)

const catalogSyncConcurrency = 5

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Storage *storage.Storage
	Metrics *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and opens logging, storage and metrics.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping Trade Core...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(storage.Options{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Path:   cfg.Storage.Path,
	})
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Metrics
	b.Metrics = infra.GlobalMetrics
	return nil
}

// SyncCatalog upserts the configured instruments. Existing rows keep their
// name when the config leaves it empty.
func (b *Bootstrap) SyncCatalog(ctx context.Context) error {
	slog.Info("🔄 Starting catalog synchronization...", slog.Int("instruments", len(b.Config.Market.Instruments)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogSyncConcurrency)

	for _, seed := range b.Config.Market.Instruments {
		g.Go(func() error {
			sym := strings.ToUpper(strings.TrimSpace(seed.Symbol))
			if sym == "" {
				return nil
			}
			inst := &domain.Instrument{
				Symbol:   sym,
				Name:     seed.Name,
				IsActive: true,
			}

			existing, err := b.Storage.GetInstrument(ctx, sym)
			if err != nil {
				return fmt.Errorf("lookup instrument %s: %w", sym, err)
			}
			if existing != nil {
				inst.CreatedAt = existing.CreatedAt
				if inst.Name == "" {
					inst.Name = existing.Name
				}
			}
			if inst.Name == "" {
				inst.Name = sym // Default to symbol until a proper name is configured
			}

			if err := b.Storage.UpsertInstrument(ctx, inst); err != nil {
				return fmt.Errorf("upsert instrument %s: %w", sym, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("✨ Catalog synchronization completed")
	return nil
}

// SeedAccounts creates or refreshes the configured accounts.
func (b *Bootstrap) SeedAccounts(ctx context.Context) error {
	for _, seed := range b.Config.Accounts {
		account := &domain.Account{
			ID:         seed.ID,
			OwnerID:    seed.OwnerID,
			Balance:    seed.Balance,
			Currency:   seed.Currency,
			IsVerified: seed.IsVerified,
		}
		if existing, err := b.Storage.GetAccountByOwner(ctx, seed.OwnerID); err == nil && existing != nil {
			account.ID = existing.ID
			account.CreatedAt = existing.CreatedAt
		}
		if account.ID == "" {
			account.ID = uuid.NewString()
		}
		if account.Currency == "" {
			account.Currency = "USD"
		}
		if err := b.Storage.UpsertAccount(ctx, account); err != nil {
			return fmt.Errorf("seed account %s: %w", seed.OwnerID, err)
		}
	}
	if n := len(b.Config.Accounts); n > 0 {
		slog.Info("✅ Accounts seeded", slog.Int("count", n))
	}
	return nil
}

// Close releases storage.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}

// NewIdentityResolver builds the credential resolver for the configured mode.
func NewIdentityResolver(cfg *infra.Config) (domain.IdentityResolver, error) {
	switch cfg.Auth.Mode {
	case "static":
		return auth.NewStaticResolver(cfg.Auth.StaticTokens), nil
	case "jwt":
		return auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	default:
		return nil, &domain.ConfigError{Field: "auth.mode", Err: fmt.Errorf("unsupported mode %q", cfg.Auth.Mode)}
	}
}

// PriceSource is a feed source plus an optional lifecycle.
type PriceSource struct {
	domain.PriceSource
	stream *feed.StreamSource
}

// Start connects streaming sources. Polling sources need nothing.
func (p *PriceSource) Start(ctx context.Context) error {
	if p.stream == nil {
		return nil
	}
	return p.stream.Connect(ctx)
}

// Stop disconnects streaming sources.
func (p *PriceSource) Stop() {
	if p.stream != nil {
		p.stream.Disconnect()
	}
}

// NewPriceSource builds the configured market price source.
func NewPriceSource(cfg *infra.Config, logger *slog.Logger) (*PriceSource, error) {
	switch cfg.Feed.Source {
	case "simulated":
		base := make(map[string]decimal.Decimal, len(cfg.Feed.BasePrices))
		for sym, price := range cfg.Feed.BasePrices {
			base[strings.ToUpper(sym)] = price
		}
		return &PriceSource{PriceSource: feed.NewSimulatedSource(base, time.Now().UnixNano())}, nil
	case "http":
		src := feed.NewHTTPSource(cfg.Feed.URL, 0, logger)
		return &PriceSource{PriceSource: src}, nil
	case "stream":
		src := feed.NewStreamSource(cfg.Feed.StreamURL, cfg.InstrumentSymbols(), cfg.FeedStaleAfter(), logger)
		return &PriceSource{PriceSource: src, stream: src}, nil
	default:
		return nil, &domain.ConfigError{Field: "feed.source", Err: fmt.Errorf("unsupported source %q", cfg.Feed.Source)}
	}
}
