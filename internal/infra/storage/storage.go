package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade_core/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and tunes the database backend.
type Options struct {
	Driver       string // "sqlite" (default) or "postgres"
	DSN          string // Postgres connection string
	Path         string // SQLite file path
	MaxOpenConns int
	LogLevel     logger.LogLevel
}

func (o Options) dialector() (gorm.Dialector, error) {
	switch o.Driver {
	case "", DriverSQLite:
		if o.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(o.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
		return sqlite.Open(o.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), nil
	case DriverPostgres:
		if o.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		return postgres.Open(o.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", o.Driver)
	}
}

// Storage persists orders, accounts, the instrument catalog and price bars.
// It satisfies domain.OrderStore and domain.AccountStore.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the configured database and migrates the schema.
func NewStorage(opts Options) (*Storage, error) {
	dialector, err := opts.dialector()
	if err != nil {
		return nil, err
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	switch {
	case opts.Driver == "" || opts.Driver == DriverSQLite:
		// SQLite allows a single writer; serialize through one connection.
		sqlDB.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.Order{}, &domain.Account{}, &domain.Instrument{}, &domain.PriceBar{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ======================================================================================
// Order Operations
// ======================================================================================

// CreateOrder inserts a new order row.
func (s *Storage) CreateOrder(ctx context.Context, order *domain.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return &domain.StoreError{Op: "create order", Err: err}
	}
	return nil
}

// GetOrder retrieves an order by id.
func (s *Storage) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get order", Err: err}
	}
	return &order, nil
}

// ListOrders returns the owner's orders, newest first, optionally filtered by status.
func (s *Storage) ListOrders(ctx context.Context, ownerID string, status *domain.OrderStatus) ([]domain.Order, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if status != nil {
		q = q.Where("status = ?", *status)
	}

	var orders []domain.Order
	if err := q.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, &domain.StoreError{Op: "list orders", Err: err}
	}
	return orders, nil
}

// ListPendingOrders returns every PENDING order across owners, oldest first.
func (s *Storage) ListPendingOrders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.OrderStatusPending).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, &domain.StoreError{Op: "list pending orders", Err: err}
	}
	return orders, nil
}

// CountOrdersSince counts orders the owner created at or after since.
func (s *Storage) CountOrdersSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&n).Error
	if err != nil {
		return 0, &domain.StoreError{Op: "count orders", Err: err}
	}
	return n, nil
}

// TransitionOrder is a check-and-set on the status column. The row is only
// written if its status still equals from, so concurrent writers (cancel vs
// settlement) see exactly one winner.
func (s *Storage) TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, fields domain.TransitionFields) (*domain.Order, error) {
	if !from.CanTransitionTo(to) {
		return nil, &domain.TransitionError{OrderID: id, From: from, To: to}
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if fields.ExecutedAt != nil {
		updates["executed_at"] = fields.ExecutedAt.UTC()
	}
	if fields.ExecutedPrice != nil {
		updates["executed_price"] = *fields.ExecutedPrice
	}

	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, &domain.StoreError{Op: "transition order", Err: res.Error}
	}

	if res.RowsAffected == 0 {
		current, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, fmt.Errorf("%w: order %s is %s, expected %s", domain.ErrStatusConflict, id, current.Status, from)
	}

	return s.GetOrder(ctx, id)
}

// ======================================================================================
// Account Operations
// ======================================================================================

// GetAccountByOwner retrieves the owner's trading account.
func (s *Storage) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).First(&account, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get account", Err: err}
	}
	return &account, nil
}

// UpsertAccount creates the owner's account or updates balance, currency and verification.
func (s *Storage) UpsertAccount(ctx context.Context, account *domain.Account) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "currency", "is_verified", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return &domain.StoreError{Op: "upsert account", Err: err}
	}
	return nil
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// UpsertInstrument creates or updates instrument metadata
func (s *Storage) UpsertInstrument(ctx context.Context, inst *domain.Instrument) error {
	return s.db.WithContext(ctx).Save(inst).Error
}

// GetInstrument retrieves instrument metadata by symbol
func (s *Storage) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := s.db.WithContext(ctx).First(&inst, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	return &inst, err
}

// GetActiveInstruments retrieves all instruments accepting orders
func (s *Storage) GetActiveInstruments(ctx context.Context) ([]domain.Instrument, error) {
	var insts []domain.Instrument
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("symbol").Find(&insts).Error
	return insts, err
}

// DeleteInstrument deletes an instrument from the catalog
func (s *Storage) DeleteInstrument(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&domain.Instrument{}).Error
}

// ======================================================================================
// Price Bar Operations
// ======================================================================================

// SavePriceBars appends closed bars in one batch.
func (s *Storage) SavePriceBars(ctx context.Context, bars []*domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(bars).Error; err != nil {
		return &domain.StoreError{Op: "save price bars", Err: err}
	}
	return nil
}

// LatestPriceBar returns the most recent bar for the symbol, or nil.
func (s *Storage) LatestPriceBar(ctx context.Context, symbol string) (*domain.PriceBar, error) {
	return s.priceBarBefore(ctx, symbol, time.Time{})
}

// PriceBarAt returns the latest bar that started at or before t, or nil.
func (s *Storage) PriceBarAt(ctx context.Context, symbol string, t time.Time) (*domain.PriceBar, error) {
	return s.priceBarBefore(ctx, symbol, t)
}

func (s *Storage) priceBarBefore(ctx context.Context, symbol string, t time.Time) (*domain.PriceBar, error) {
	q := s.db.WithContext(ctx).Where("symbol = ?", symbol)
	if !t.IsZero() {
		q = q.Where("timestamp <= ?", t)
	}

	var bar domain.PriceBar
	err := q.Order("timestamp DESC").First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StoreError{Op: "get price bar", Err: err}
	}
	return &bar, nil
}
