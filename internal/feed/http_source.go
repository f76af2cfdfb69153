package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

// DefaultUserAgent is sent with every upstream quote request.
const DefaultUserAgent = "trade-core/1.0 (+market-feed)"

// quoteResponse is the upstream REST quote payload.
type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"` // unix millis, optional
}

// HTTPSource fetches quotes from a REST endpoint: GET {url}?symbol=XYZ.
type HTTPSource struct {
	apiURL     string
	attempts   int
	baseDelay  time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSource creates a quote client.
func NewHTTPSource(apiURL string, timeout time.Duration, logger *slog.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		apiURL:    apiURL,
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("module", "feed.http")),
	}
}

// WithRetry overrides the per-quote retry policy.
func (c *HTTPSource) WithRetry(attempts int, baseDelay time.Duration) *HTTPSource {
	if attempts > 0 {
		c.attempts = attempts
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	return c
}

// Quote fetches the current price with retry logic
func (c *HTTPSource) Quote(ctx context.Context, symbol string) (domain.PriceTick, error) {
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			// Exponential backoff: base, 2*base, 4*base...
			delay := c.baseDelay * time.Duration(1<<uint(i-1))
			c.logger.Debug("Retrying quote fetch", slog.String("symbol", symbol), slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return domain.PriceTick{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		tick, err := c.doFetch(ctx, symbol)
		if err == nil {
			return tick, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			break
		}
		c.logger.Warn("Quote fetch attempt failed", slog.String("symbol", symbol), slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return domain.PriceTick{}, lastErr
}

func (c *HTTPSource) doFetch(ctx context.Context, symbol string) (domain.PriceTick, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return domain.PriceTick{}, domain.NewFatalNetworkError("quote", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.PriceTick{}, domain.NewFatalNetworkError("quote", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PriceTick{}, domain.NewNetworkError("quote", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.PriceTick{}, domain.NewNetworkError("quote", statusErr)
		}
		return domain.PriceTick{}, domain.NewFatalNetworkError("quote", statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceTick{}, domain.NewNetworkError("quote", err)
	}

	var data quoteResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return domain.PriceTick{}, domain.NewFatalNetworkError("quote", err)
	}
	if !data.Price.IsPositive() {
		return domain.PriceTick{}, domain.NewFatalNetworkError("quote", fmt.Errorf("non-positive price for %s", symbol))
	}

	ts := time.Now().UTC()
	if data.Timestamp > 0 {
		ts = time.UnixMilli(data.Timestamp).UTC()
	}

	return domain.PriceTick{
		Symbol:    symbol,
		Price:     data.Price,
		Volume:    data.Volume,
		Timestamp: ts,
	}, nil
}
