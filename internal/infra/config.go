package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trade_core/internal/domain"
)

// AccountSeed is a development account created at startup.
type AccountSeed struct {
	ID         string          `yaml:"id"`
	OwnerID    string          `yaml:"owner_id"`
	Balance    decimal.Decimal `yaml:"balance"`
	Currency   string          `yaml:"currency"`
	IsVerified bool            `yaml:"is_verified"`
}

// InstrumentSeed is a catalog entry synced at startup.
type InstrumentSeed struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		AllowedOrigins     []string `yaml:"allowed_origins"`
		ShutdownTimeoutSec int      `yaml:"shutdown_timeout_sec"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		DSN    string `yaml:"dsn"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`

	Auth struct {
		Mode         string            `yaml:"mode"` // jwt | static
		JWTSecret    string            `yaml:"jwt_secret"`
		JWTIssuer    string            `yaml:"jwt_issuer"`
		StaticTokens map[string]string `yaml:"static_tokens"` // token -> owner id
	} `yaml:"auth"`

	Risk struct {
		MaxOrderValue     decimal.Decimal `yaml:"max_order_value"`
		MaxDailyOrders    int             `yaml:"max_daily_orders"`
		MaxPositionSize   decimal.Decimal `yaml:"max_position_size"`
		MinAccountBalance decimal.Decimal `yaml:"min_account_balance"`
		MaxLeverage       decimal.Decimal `yaml:"max_leverage"`
		PriceFallback     string          `yaml:"price_fallback"` // strict | limit | simulated
		DefaultPrice      decimal.Decimal `yaml:"default_price"`
	} `yaml:"risk"`

	Settlement struct {
		DelayMS       int    `yaml:"delay_ms"`
		MaxConcurrent int64  `yaml:"max_concurrent"`
		StoreRetries  uint64 `yaml:"store_retries"`
	} `yaml:"settlement"`

	Hub struct {
		QueueSize       int `yaml:"queue_size"`
		WriteTimeoutMS  int `yaml:"write_timeout_ms"`
		PingIntervalSec int `yaml:"ping_interval_sec"`
		PongWaitSec     int `yaml:"pong_wait_sec"`
	} `yaml:"hub"`

	Feed struct {
		Source        string                     `yaml:"source"` // simulated | http | stream
		IntervalMS    int                        `yaml:"interval_ms"`
		MaxConcurrent int                        `yaml:"max_concurrent"`
		URL           string                     `yaml:"url"`
		StreamURL     string                     `yaml:"stream_url"`
		BasePrices    map[string]decimal.Decimal `yaml:"base_prices"`
		BackoffMaxSec int                        `yaml:"backoff_max_sec"`
		StaleAfterSec int                        `yaml:"stale_after_sec"`
		WebhookSecret string                     `yaml:"webhook_secret"` // enables POST /webhooks/quotes
	} `yaml:"feed"`

	Market struct {
		BarIntervalSec int              `yaml:"bar_interval_sec"`
		Instruments    []InstrumentSeed `yaml:"instruments"`
	} `yaml:"market"`

	Accounts []AccountSeed `yaml:"accounts"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "trade-core"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = 10
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" && c.Storage.DSN == "" {
		c.Storage.Path = "data/trade_core.db"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "jwt"
	}

	if c.Risk.MaxOrderValue.IsZero() {
		c.Risk.MaxOrderValue = decimal.NewFromInt(100000)
	}
	if c.Risk.MaxDailyOrders == 0 {
		c.Risk.MaxDailyOrders = 50
	}
	if c.Risk.MaxPositionSize.IsZero() {
		c.Risk.MaxPositionSize = decimal.NewFromFloat(0.2)
	}
	if c.Risk.MinAccountBalance.IsZero() {
		c.Risk.MinAccountBalance = decimal.NewFromInt(100)
	}
	if c.Risk.MaxLeverage.IsZero() {
		c.Risk.MaxLeverage = decimal.NewFromInt(5)
	}
	if c.Risk.PriceFallback == "" {
		c.Risk.PriceFallback = "limit"
	}

	if c.Settlement.DelayMS == 0 {
		c.Settlement.DelayMS = 1000
	}
	if c.Settlement.MaxConcurrent == 0 {
		c.Settlement.MaxConcurrent = 64
	}
	if c.Settlement.StoreRetries == 0 {
		c.Settlement.StoreRetries = 3
	}

	if c.Hub.QueueSize == 0 {
		c.Hub.QueueSize = 256
	}
	if c.Hub.WriteTimeoutMS == 0 {
		c.Hub.WriteTimeoutMS = 10000
	}
	if c.Hub.PingIntervalSec == 0 {
		c.Hub.PingIntervalSec = 54
	}
	if c.Hub.PongWaitSec == 0 {
		c.Hub.PongWaitSec = 60
	}

	if c.Feed.Source == "" {
		c.Feed.Source = "simulated"
	}
	if c.Feed.IntervalMS == 0 {
		c.Feed.IntervalMS = 1000
	}
	if c.Feed.MaxConcurrent == 0 {
		c.Feed.MaxConcurrent = 8
	}
	if c.Feed.BackoffMaxSec == 0 {
		c.Feed.BackoffMaxSec = 30
	}

	if c.Market.BarIntervalSec == 0 {
		c.Market.BarIntervalSec = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File == "" {
		c.Logging.File = "logs/app.log"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	// Storage
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return &domain.ConfigError{Field: "storage.dsn", Err: errors.New("postgres requires a dsn")}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}

	// Auth
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return &domain.ConfigError{Field: "auth.jwt_secret", Err: errors.New("required in jwt mode")}
		}
	case "static":
		if len(c.Auth.StaticTokens) == 0 {
			return &domain.ConfigError{Field: "auth.static_tokens", Err: errors.New("at least one token is required in static mode")}
		}
	default:
		return &domain.ConfigError{Field: "auth.mode", Err: fmt.Errorf("unsupported mode %q", c.Auth.Mode)}
	}

	// Risk
	for field, v := range map[string]decimal.Decimal{
		"risk.max_order_value":     c.Risk.MaxOrderValue,
		"risk.max_position_size":   c.Risk.MaxPositionSize,
		"risk.max_leverage":        c.Risk.MaxLeverage,
		"risk.min_account_balance": c.Risk.MinAccountBalance,
	} {
		if v.IsNegative() {
			return &domain.ConfigError{Field: field, Err: errors.New("must not be negative")}
		}
	}
	if c.Risk.MaxDailyOrders < 0 {
		return &domain.ConfigError{Field: "risk.max_daily_orders", Err: errors.New("must not be negative")}
	}
	switch c.Risk.PriceFallback {
	case "strict", "limit":
	case "simulated":
		if !c.Risk.DefaultPrice.IsPositive() {
			return &domain.ConfigError{Field: "risk.default_price", Err: errors.New("must be positive in simulated mode")}
		}
	default:
		return &domain.ConfigError{Field: "risk.price_fallback", Err: fmt.Errorf("unknown mode %q", c.Risk.PriceFallback)}
	}

	// Settlement
	if c.Settlement.DelayMS < 0 {
		return &domain.ConfigError{Field: "settlement.delay_ms", Err: errors.New("must not be negative")}
	}
	if c.Settlement.MaxConcurrent <= 0 {
		return &domain.ConfigError{Field: "settlement.max_concurrent", Err: errors.New("must be positive")}
	}

	// Hub
	if c.Hub.QueueSize <= 0 || c.Hub.WriteTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "hub", Err: errors.New("queue size and write timeout must be positive")}
	}
	if c.Hub.PingIntervalSec >= c.Hub.PongWaitSec {
		return &domain.ConfigError{Field: "hub.ping_interval_sec", Err: errors.New("must be shorter than pong_wait_sec")}
	}

	// Feed
	if c.Feed.IntervalMS <= 0 {
		return &domain.ConfigError{Field: "feed.interval_ms", Err: errors.New("update interval must be positive")}
	}
	switch c.Feed.Source {
	case "simulated":
	case "http":
		if !hasPrefix(c.Feed.URL, "http://") && !hasPrefix(c.Feed.URL, "https://") {
			return &domain.ConfigError{Field: "feed.url", Err: fmt.Errorf("invalid quote URL: %s", c.Feed.URL)}
		}
	case "stream":
		if !hasPrefix(c.Feed.StreamURL, "ws://") && !hasPrefix(c.Feed.StreamURL, "wss://") {
			return &domain.ConfigError{Field: "feed.stream_url", Err: fmt.Errorf("invalid stream URL: %s", c.Feed.StreamURL)}
		}
		if len(c.Market.Instruments) == 0 {
			return &domain.ConfigError{Field: "market.instruments", Err: errors.New("stream source needs at least one instrument")}
		}
	default:
		return &domain.ConfigError{Field: "feed.source", Err: fmt.Errorf("unsupported source %q", c.Feed.Source)}
	}

	// Accounts
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.OwnerID == "" {
			return &domain.ConfigError{Field: "accounts", Err: errors.New("owner_id is required")}
		}
		if seen[a.OwnerID] {
			return &domain.ConfigError{Field: "accounts", Err: fmt.Errorf("duplicate owner %q", a.OwnerID)}
		}
		seen[a.OwnerID] = true
	}

	return nil
}

// InstrumentSymbols returns the configured catalog symbols.
func (c *Config) InstrumentSymbols() []string {
	out := make([]string, 0, len(c.Market.Instruments))
	for _, inst := range c.Market.Instruments {
		out = append(out, strings.ToUpper(inst.Symbol))
	}
	return out
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

func (c *Config) SettlementDelay() time.Duration {
	return time.Duration(c.Settlement.DelayMS) * time.Millisecond
}

func (c *Config) HubWriteTimeout() time.Duration {
	return time.Duration(c.Hub.WriteTimeoutMS) * time.Millisecond
}

func (c *Config) HubPingInterval() time.Duration {
	return time.Duration(c.Hub.PingIntervalSec) * time.Second
}

func (c *Config) HubPongWait() time.Duration {
	return time.Duration(c.Hub.PongWaitSec) * time.Second
}

func (c *Config) FeedInterval() time.Duration {
	return time.Duration(c.Feed.IntervalMS) * time.Millisecond
}

func (c *Config) FeedMaxBackoff() time.Duration {
	return time.Duration(c.Feed.BackoffMaxSec) * time.Second
}

func (c *Config) FeedStaleAfter() time.Duration {
	return time.Duration(c.Feed.StaleAfterSec) * time.Second
}

func (c *Config) BarInterval() time.Duration {
	return time.Duration(c.Market.BarIntervalSec) * time.Second
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if dsn := os.Getenv("TRADE_DB_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if driver := os.Getenv("TRADE_DB_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if secret := os.Getenv("TRADE_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("TRADE_WEBHOOK_SECRET"); secret != "" {
		cfg.Feed.WebhookSecret = secret
	}
	if addr := os.Getenv("TRADE_LISTEN_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("TRADE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
