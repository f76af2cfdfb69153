package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"trade_core/internal/domain"
	"trade_core/internal/hub"
	"trade_core/internal/service"
)

// ==============================
// Trading
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req service.PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Malformed order body")
		return
	}

	order, err := s.orders.PlaceOrder(r.Context(), ownerFrom(r.Context()), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var status *domain.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := domain.ParseOrderStatus(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		status = &st
	}

	orders, err := s.orders.ListOrders(r.Context(), ownerFrom(r.Context()), status)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrder(r.Context(), ownerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.CancelOrder(r.Context(), ownerFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	data, err := s.orders.MarketData(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

func (s *Server) handleAllMarketData(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		respondJSON(w, http.StatusOK, []*domain.MarketData{})
		return
	}
	respondJSON(w, http.StatusOK, s.live.GetAllData())
}

// ==============================
// Risk
// ==============================

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orders.RiskLimits())
}

func (s *Server) handleAccountRisk(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.orders.AccountRisk(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) handlePositionRisk(w http.ResponseWriter, r *http.Request) {
	pos, err := s.orders.PositionRisk(r.Context(), ownerFrom(r.Context()), mux.Vars(r)["symbol"])
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pos)
}

// ==============================
// Catalog, health, websocket
// ==============================

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if s.markets == nil {
		respondJSON(w, http.StatusOK, []domain.Instrument{})
		return
	}
	list, err := s.markets.GetActiveInstruments(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Instrument{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	body := map[string]any{"status": "ok"}
	if s.hub != nil {
		body["connections"] = s.hub.ConnectionCount()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleWebSocket authenticates before upgrading, then hands the connection
// to the hub for the rest of its life.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner, err := s.resolveOwner(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Could not validate credentials")
		return
	}

	conn, err := hub.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	if err := s.hub.ServeWebSocket(conn, owner); err != nil {
		s.logger.Warn("WebSocket session ended with error", slog.String("owner_id", owner), slog.Any("error", err))
	}
}
