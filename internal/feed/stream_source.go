package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade_core/internal/domain"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
	streamMaxDelay     = 60 * time.Second
)

// streamTick is the upstream ticker frame.
type streamTick struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

// StreamSource keeps a websocket subscription to an upstream ticker stream
// and serves the most recent price per symbol.
type StreamSource struct {
	url        string
	symbols    []string
	staleAfter time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	latest    map[string]domain.PriceTick
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStreamSource creates a stream source for symbols. Quotes older than
// staleAfter are treated as missing (0 disables the check).
func NewStreamSource(url string, symbols []string, staleAfter time.Duration, logger *slog.Logger) *StreamSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSource{
		url:        url,
		symbols:    symbols,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("module", "feed.stream")),
		latest:     make(map[string]domain.PriceTick),
	}
}

// Connect starts the WebSocket connection with automatic reconnection
func (s *StreamSource) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.connectionLoop(ctx)

	return nil
}

// Quote returns the cached price for symbol.
func (s *StreamSource) Quote(ctx context.Context, symbol string) (domain.PriceTick, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceTick{}, err
	}

	s.mu.RLock()
	tick, ok := s.latest[symbol]
	s.mu.RUnlock()

	if !ok {
		return domain.PriceTick{}, domain.NewNetworkError("quote", fmt.Errorf("%w for %s", domain.ErrNoQuote, symbol))
	}
	if s.staleAfter > 0 && time.Since(tick.Timestamp) > s.staleAfter {
		return domain.PriceTick{}, domain.NewNetworkError("quote", fmt.Errorf("%w: %s quote is stale", domain.ErrNoQuote, symbol))
	}
	return tick, nil
}

// connectionLoop handles connection and reconnection with exponential backoff
func (s *StreamSource) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Stream panic recovered", slog.Any("panic", r))
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = streamMaxDelay
	b.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stream connection loop stopped")
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			delay := b.NextBackOff()
			s.logger.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Duration("retry_in", delay),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// Connection successful, reset backoff
		b.Reset()

		s.readLoop(ctx)
	}
}

// connect establishes WebSocket connection and subscribes to tickers
func (s *StreamSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := make(http.Header)
	header.Add("User-Agent", DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		s.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	s.logger.Info("Stream connected", slog.Int("symbols", len(s.symbols)))
	return nil
}

// subscribe sends subscription message for all symbols
func (s *StreamSource) subscribe() error {
	msg, err := json.Marshal(map[string]any{
		"type":    "subscribe",
		"symbols": s.symbols,
	})
	if err != nil {
		return err
	}
	return s.threadSafeWrite(websocket.TextMessage, msg)
}

// threadSafeWrite sends a message to the WebSocket connection in a thread-safe manner
func (s *StreamSource) threadSafeWrite(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(messageType, data)
}

// readLoop reads messages from WebSocket
func (s *StreamSource) readLoop(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(stop)

	for {
		select {
		case <-ctx.Done():
			s.closeConnection()
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Stream read error", slog.Any("error", err))
			}
			s.closeConnection()
			return
		}

		s.handleMessage(message)
	}
}

func (s *StreamSource) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a ticker frame and caches it
func (s *StreamSource) handleMessage(message []byte) {
	var frame streamTick
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Debug("Stream message parse error", slog.Any("error", err))
		return
	}
	if frame.Type != "ticker" || frame.Symbol == "" || !frame.Price.IsPositive() {
		return
	}

	ts := time.Now().UTC()
	if frame.Timestamp > 0 {
		ts = time.UnixMilli(frame.Timestamp).UTC()
	}

	s.mu.Lock()
	s.latest[frame.Symbol] = domain.PriceTick{
		Symbol:    frame.Symbol,
		Price:     frame.Price,
		Volume:    frame.Volume,
		Timestamp: ts,
	}
	s.mu.Unlock()
}

// closeConnection safely closes the WebSocket connection
func (s *StreamSource) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// Disconnect closes the WebSocket connection
func (s *StreamSource) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
	s.logger.Info("Stream disconnected")
}

// IsConnected returns connection status
func (s *StreamSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
