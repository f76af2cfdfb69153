package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_core/internal/auth"
	"trade_core/internal/domain"
	"trade_core/internal/execution"
	"trade_core/internal/hub"
	"trade_core/internal/infra"
	"trade_core/internal/infra/storage"
	"trade_core/internal/risk"
	"trade_core/internal/service"
	"trade_core/internal/settlement"
)

type testEnv struct {
	srv    *httptest.Server
	store  *storage.Storage
	hub    *hub.Hub
	prices *service.PriceService
}

func newTestEnv(t *testing.T, delay time.Duration) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewStorage(storage.Options{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertAccount(ctx, &domain.Account{ID: "acc-alice", OwnerID: "alice", Balance: decimal.NewFromInt(10000), Currency: "USD", IsVerified: true}))
	require.NoError(t, store.UpsertAccount(ctx, &domain.Account{ID: "acc-carol", OwnerID: "carol", Balance: decimal.NewFromInt(10000), Currency: "USD"}))
	require.NoError(t, store.UpsertInstrument(ctx, &domain.Instrument{Symbol: "AAPL", Name: "Apple", IsActive: true}))

	h := hub.New(hub.Config{PingInterval: time.Hour, PongWait: 2 * time.Hour}, nil, nil)
	t.Cleanup(h.Close)

	prices := service.NewPriceService(time.Minute, store, nil)
	venue := execution.NewPaperExecution(0, prices)
	pipeline := settlement.New(settlement.Config{Delay: delay}, store, venue, h, nil)
	pipeline.Start(ctx)
	t.Cleanup(pipeline.Close)

	metrics := &infra.Metrics{}
	orders := service.NewOrderService(service.Dependencies{
		Orders:    store,
		Accounts:  store,
		Gate:      risk.NewGate(risk.DefaultLimits()),
		Prices:    risk.NewPriceResolver(prices, risk.FallbackLimit, decimal.Zero, nil),
		Scheduler: pipeline,
		Venue:     venue,
		Notifier:  h,
		Market:    prices,
		Recorder:  metrics,
	}, nil)

	reg := prometheus.NewRegistry()
	reg.MustRegister(infra.NewCollector(metrics))

	server := NewServer(Options{
		Orders:    orders,
		Identity:  auth.NewStaticResolver(map[string]string{"tok-alice": "alice", "tok-carol": "carol"}),
		Hub:       h,
		Markets:   store,
		Snapshots: prices,
		Health:    store,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: ts, store: store, hub: h, prices: prices}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func limitBody(symbol, qty, price string) map[string]string {
	return map[string]string{"symbol": symbol, "order_type": "limit", "quantity": qty, "price": price}
}

func TestAPI_RequiresCredentials(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/trading/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/trading/orders", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Query-string token is accepted too.
	resp, _ = env.do(t, http.MethodGet, "/api/v1/risk/limits?token=tok-alice", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_OrderLifecycle(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, body := env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-alice", limitBody("AAPL", "2", "100"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var placed domain.Order
	require.NoError(t, json.Unmarshal(body, &placed))
	assert.Equal(t, domain.OrderStatusPending, placed.Status)

	resp, body = env.do(t, http.MethodGet, "/api/v1/trading/orders/"+placed.ID, "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Order
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, placed.ID, got.ID)

	resp, body = env.do(t, http.MethodGet, "/api/v1/trading/orders?status=pending", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Order
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/trading/orders?status=bogus", "tok-alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodDelete, "/api/v1/trading/orders/"+placed.ID, "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cancelled domain.Order
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/trading/orders/"+placed.ID, "tok-alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/trading/orders/does-not-exist", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, body := env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-alice", limitBody("AAPL", "100", "100"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "risk_rejected", errResp.Error)
	assert.Equal(t, string(risk.ReasonPositionSize), errResp.Reason)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-carol", limitBody("AAPL", "1", "100"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-alice", limitBody("AAPL", "0", "100"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/trading/orders", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer tok-alice")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestAPI_RiskAndMarketData(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, body := env.do(t, http.MethodGet, "/api/v1/risk/limits", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var limits risk.Limits
	require.NoError(t, json.Unmarshal(body, &limits))
	assert.Equal(t, 50, limits.MaxDailyOrders)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/risk/account", "tok-alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/risk/position/AAPL", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/trading/market-data/AAPL", "tok-alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.prices.ProcessTicks(domain.PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(190), Timestamp: time.Now().UTC()})
	resp, body = env.do(t, http.MethodGet, "/api/v1/trading/market-data/AAPL", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data domain.MarketData
	require.NoError(t, json.Unmarshal(body, &data))
	assert.True(t, data.Price.Equal(decimal.NewFromInt(190)))

	env.prices.ProcessTicks(domain.PriceTick{Symbol: "MSFT", Price: decimal.NewFromInt(420), Timestamp: time.Now().UTC()})
	resp, body = env.do(t, http.MethodGet, "/api/v1/trading/market-data", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []domain.MarketData
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].Symbol)
	assert.Equal(t, "MSFT", all[1].Symbol)

	resp, body = env.do(t, http.MethodGet, "/api/v1/markets", "tok-alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var markets []domain.Instrument
	require.NoError(t, json.Unmarshal(body, &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "AAPL", markets[0].Symbol)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, time.Hour)

	resp, body := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-alice", limitBody("AAPL", "1", "100"))
	resp, body = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "trade_core_orders_placed_total 1")
}

func TestAPI_WebSocketFlow(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=tok-alice", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, conn.WriteJSON(hub.ClientMessage{Type: hub.TypeSubscribe, Symbol: "AAPL"}))
	var ack hub.SubscriptionMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, hub.TypeSubscriptionSuccess, ack.Type)

	env.hub.BroadcastPrice("AAPL", domain.PriceTick{Symbol: "AAPL", Price: decimal.NewFromInt(191)})
	var price hub.PriceUpdateMessage
	require.NoError(t, conn.ReadJSON(&price))
	assert.Equal(t, hub.TypePriceUpdate, price.Type)

	// Placing an order over REST produces exactly one executed update on the socket.
	resp2, body := env.do(t, http.MethodPost, "/api/v1/trading/orders", "tok-alice", limitBody("AAPL", "1", "100"))
	require.Equal(t, http.StatusCreated, resp2.StatusCode, string(body))
	var placed domain.Order
	require.NoError(t, json.Unmarshal(body, &placed))

	var update hub.OrderUpdateMessage
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, hub.TypeOrderUpdate, update.Type)
	assert.Equal(t, placed.ID, update.Data.OrderID)
	assert.Equal(t, domain.OrderStatusExecuted, update.Data.Status)
}
