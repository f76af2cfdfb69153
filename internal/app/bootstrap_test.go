package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_core/internal/auth"
	"trade_core/internal/domain"
	"trade_core/internal/feed"
	"trade_core/internal/infra"
	"trade_core/internal/infra/storage"
)

func newTestBootstrap(t *testing.T) *Bootstrap {
	t.Helper()
	store, err := storage.NewStorage(storage.Options{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "boot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &Bootstrap{Config: &infra.Config{}, Storage: store, Metrics: &infra.Metrics{}}
}

func TestSyncCatalog(t *testing.T) {
	ctx := context.Background()
	b := newTestBootstrap(t)

	require.NoError(t, b.Storage.UpsertInstrument(ctx, &domain.Instrument{Symbol: "MSFT", Name: "Microsoft", IsActive: false}))

	b.Config.Market.Instruments = []infra.InstrumentSeed{
		{Symbol: "aapl", Name: "Apple"},
		{Symbol: "MSFT"},
		{Symbol: "tsla"},
		{Symbol: "  "},
	}
	require.NoError(t, b.SyncCatalog(ctx))

	insts, err := b.Storage.GetActiveInstruments(ctx)
	require.NoError(t, err)
	require.Len(t, insts, 3)

	bySymbol := make(map[string]domain.Instrument)
	for _, inst := range insts {
		bySymbol[inst.Symbol] = inst
	}
	assert.Equal(t, "Apple", bySymbol["AAPL"].Name)
	assert.Equal(t, "Microsoft", bySymbol["MSFT"].Name, "existing name kept")
	assert.True(t, bySymbol["MSFT"].IsActive)
	assert.Equal(t, "TSLA", bySymbol["TSLA"].Name)

	// Idempotent
	require.NoError(t, b.SyncCatalog(ctx))
	insts, err = b.Storage.GetActiveInstruments(ctx)
	require.NoError(t, err)
	assert.Len(t, insts, 3)
}

func TestSeedAccounts(t *testing.T) {
	ctx := context.Background()
	b := newTestBootstrap(t)

	b.Config.Accounts = []infra.AccountSeed{
		{ID: "acc-alice", OwnerID: "alice", Balance: decimal.NewFromInt(10000), IsVerified: true},
		{OwnerID: "bob", Balance: decimal.NewFromInt(500), Currency: "EUR"},
	}
	require.NoError(t, b.SeedAccounts(ctx))

	alice, err := b.Storage.GetAccountByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "acc-alice", alice.ID)
	assert.Equal(t, "USD", alice.Currency)
	assert.True(t, alice.IsVerified)

	bob, err := b.Storage.GetAccountByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, bob.ID)
	assert.Equal(t, "EUR", bob.Currency)

	// Reseeding updates the balance and keeps the generated id.
	b.Config.Accounts[1].Balance = decimal.NewFromInt(750)
	require.NoError(t, b.SeedAccounts(ctx))

	again, err := b.Storage.GetAccountByOwner(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, again.ID)
	assert.True(t, again.Balance.Equal(decimal.NewFromInt(750)))
}

func TestNewIdentityResolver(t *testing.T) {
	cfg := &infra.Config{}

	cfg.Auth.Mode = "static"
	cfg.Auth.StaticTokens = map[string]string{"tok": "alice"}
	r, err := NewIdentityResolver(cfg)
	require.NoError(t, err)
	assert.IsType(t, &auth.StaticResolver{}, r)

	cfg.Auth.Mode = "jwt"
	cfg.Auth.JWTSecret = "secret"
	r, err = NewIdentityResolver(cfg)
	require.NoError(t, err)
	assert.IsType(t, &auth.JWTResolver{}, r)

	cfg.Auth.JWTSecret = ""
	_, err = NewIdentityResolver(cfg)
	assert.Error(t, err)

	cfg.Auth.Mode = "oauth"
	_, err = NewIdentityResolver(cfg)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewPriceSource(t *testing.T) {
	cfg := &infra.Config{}

	cfg.Feed.Source = "simulated"
	cfg.Feed.BasePrices = map[string]decimal.Decimal{"aapl": decimal.NewFromInt(190)}
	src, err := NewPriceSource(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &feed.SimulatedSource{}, src.PriceSource)
	require.NoError(t, src.Start(context.Background()))
	src.Stop()

	tick, err := src.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, tick.Price.IsPositive())

	cfg.Feed.Source = "http"
	cfg.Feed.URL = "http://127.0.0.1:1/quote"
	src, err = NewPriceSource(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &feed.HTTPSource{}, src.PriceSource)

	cfg.Feed.Source = "carrier-pigeon"
	_, err = NewPriceSource(cfg, nil)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
