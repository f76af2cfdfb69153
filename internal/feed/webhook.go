package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trade_core/internal/domain"
)

const (
	HeaderTimestamp = "X-Trade-Timestamp"
	HeaderSignature = "X-Trade-Signature"

	maxWebhookBody   = 1 << 20
	maxSignatureSkew = 5 * time.Minute
)

var ErrBadSignature = errors.New("invalid webhook signature")

// Signer signs and verifies pushed quote batches.
// Payload: timestamp(ms) + method + path + body, HMAC-SHA256, base64.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign returns the signature for a request.
func (s *Signer) Sign(timestamp, method, path, body string) string {
	return computeHmacSha256(timestamp+method+path+body, s.secret)
}

// Headers returns the headers a publisher attaches to a request.
func (s *Signer) Headers(method, path, body string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	return map[string]string{
		HeaderTimestamp: timestamp,
		HeaderSignature: s.Sign(timestamp, method, path, body),
		"Content-Type":  "application/json",
	}
}

// Verify checks the signature and that the timestamp is recent.
func (s *Signer) Verify(timestamp, method, path, body, signature string) error {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	skew := s.now().Sub(time.UnixMilli(ms))
	if skew > maxSignatureSkew || skew < -maxSignatureSkew {
		return fmt.Errorf("%w: timestamp outside allowed window", ErrBadSignature)
	}
	expected := s.Sign(timestamp, method, path, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func computeHmacSha256(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WebhookHandler accepts signed quote pushes from an upstream publisher and
// fans them out like feed ticks. Body: one quote object or an array.
type WebhookHandler struct {
	signer   *Signer
	hub      Broadcaster
	recorder Recorder
	logger   *slog.Logger
	onTick   []func(domain.PriceTick)
}

// NewWebhookHandler creates the handler. recorder may be nil.
func NewWebhookHandler(signer *Signer, hub Broadcaster, logger *slog.Logger, recorder Recorder) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &WebhookHandler{
		signer:   signer,
		hub:      hub,
		recorder: recorder,
		logger:   logger.With(slog.String("module", "feed.webhook")),
	}
}

// OnTick registers a callback run for every accepted tick.
func (h *WebhookHandler) OnTick(fn func(domain.PriceTick)) {
	h.onTick = append(h.onTick, fn)
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	err = h.signer.Verify(r.Header.Get(HeaderTimestamp), r.Method, r.URL.Path, string(body), r.Header.Get(HeaderSignature))
	if err != nil {
		h.logger.Warn("Rejected quote push", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ticks, err := decodeQuotes(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, tick := range ticks {
		h.hub.BroadcastPrice(tick.Symbol, tick)
		for _, fn := range h.onTick {
			fn(tick)
		}
	}
	h.recorder.RecordTicks(len(ticks))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(ticks)})
}

func decodeQuotes(body []byte) ([]domain.PriceTick, error) {
	var quotes []quoteResponse
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &quotes); err != nil {
			return nil, fmt.Errorf("invalid quote batch: %w", err)
		}
	} else {
		var q quoteResponse
		if err := json.Unmarshal(body, &q); err != nil {
			return nil, fmt.Errorf("invalid quote: %w", err)
		}
		quotes = append(quotes, q)
	}

	now := time.Now().UTC()
	ticks := make([]domain.PriceTick, 0, len(quotes))
	for _, q := range quotes {
		symbol := strings.ToUpper(strings.TrimSpace(q.Symbol))
		if symbol == "" || !q.Price.IsPositive() {
			return nil, fmt.Errorf("invalid quote for %q", q.Symbol)
		}
		ts := now
		if q.Timestamp > 0 {
			ts = time.UnixMilli(q.Timestamp).UTC()
		}
		ticks = append(ticks, domain.PriceTick{
			Symbol:    symbol,
			Price:     q.Price,
			Volume:    q.Volume,
			Timestamp: ts,
		})
	}
	return ticks, nil
}
