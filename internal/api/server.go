package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trade_core/internal/domain"
	"trade_core/internal/hub"
	"trade_core/internal/risk"
	"trade_core/internal/service"
)

// Orders is the order-facing API served over HTTP.
type Orders interface {
	PlaceOrder(ctx context.Context, ownerID string, req service.PlaceOrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, ownerID, orderID string) (*domain.Order, error)
	GetOrder(ctx context.Context, ownerID, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, ownerID string, status *domain.OrderStatus) ([]domain.Order, error)
	RiskLimits() risk.Limits
	AccountRisk(ctx context.Context, ownerID string) (*service.AccountRisk, error)
	PositionRisk(ctx context.Context, ownerID, symbol string) (*service.PositionRisk, error)
	MarketData(ctx context.Context, symbol string) (*domain.MarketData, error)
}

// Markets lists the tradable instruments.
type Markets interface {
	GetActiveInstruments(ctx context.Context) ([]domain.Instrument, error)
}

// Snapshots lists live market data for every quoted symbol.
type Snapshots interface {
	GetAllData() []*domain.MarketData
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires a Server. Everything but Orders, Identity and Hub is optional.
type Options struct {
	Orders         Orders
	Identity       domain.IdentityResolver
	Hub            *hub.Hub
	Markets        Markets
	Snapshots      Snapshots
	Health         Pinger
	Metrics        http.Handler
	QuoteWebhook   http.Handler
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	orders   Orders
	identity domain.IdentityResolver
	hub      *hub.Hub
	markets  Markets
	live     Snapshots
	health   Pinger
	metrics  http.Handler
	webhook  http.Handler
	origins  []string
	router   *mux.Router
	logger   *slog.Logger
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type ctxKey struct{}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		orders:   opts.Orders,
		identity: opts.Identity,
		hub:      opts.Hub,
		markets:  opts.Markets,
		live:     opts.Snapshots,
		health:   opts.Health,
		metrics:  opts.Metrics,
		webhook:  opts.QuoteWebhook,
		origins:  origins,
		router:   mux.NewRouter(),
		logger:   logger.With(slog.String("module", "api")),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)

	// Trading endpoints
	api.HandleFunc("/trading/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/trading/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/trading/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/trading/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/trading/market-data", s.handleAllMarketData).Methods("GET")
	api.HandleFunc("/trading/market-data/{symbol}", s.handleMarketData).Methods("GET")

	// Risk endpoints
	api.HandleFunc("/risk/limits", s.handleRiskLimits).Methods("GET")
	api.HandleFunc("/risk/account", s.handleAccountRisk).Methods("GET")
	api.HandleFunc("/risk/position/{symbol}", s.handlePositionRisk).Methods("GET")

	// Market catalog
	api.HandleFunc("/markets", s.handleMarkets).Methods("GET")

	// Signed quote push
	if s.webhook != nil {
		s.router.Handle("/webhooks/quotes", s.webhook).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// ==============================
// Middleware
// ==============================

func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (s *Server) resolveOwner(r *http.Request) (string, error) {
	return s.identity.Resolve(r.Context(), credential(r))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		owner, err := s.resolveOwner(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ctxKey{}).(string)
	return owner
}

// ==============================
// Helpers
// ==============================

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// respondServiceError maps domain errors to HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *risk.Rejection
	if errors.As(err, &rej) {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "risk_rejected",
			Message: rej.Message,
			Reason:  string(rej.Reason),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidSymbol):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "unauthorized", "Could not validate credentials")
	case errors.Is(err, domain.ErrAccountNotVerified):
		respondError(w, http.StatusForbidden, "forbidden", "Trading account not verified")
	case errors.Is(err, domain.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Order not found")
	case errors.Is(err, domain.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Trading account not found")
	case errors.Is(err, service.ErrPositionNotFound), errors.Is(err, domain.ErrNoQuote):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrPipelineStopped):
		respondError(w, http.StatusServiceUnavailable, "unavailable", "Service is shutting down")
	default:
		s.logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
