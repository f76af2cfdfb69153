package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_core/internal/domain"
)

func TestServeWebSocket_RoundTrip(t *testing.T) {
	h := newHub(t, Config{PingInterval: time.Hour})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeWebSocket(conn, r.URL.Query().Get("owner"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?owner=alice"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteJSON(ClientMessage{Type: TypeSubscribe, Symbol: "AAPL"}))

	var ack SubscriptionMessage
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, client.ReadJSON(&ack))
	assert.Equal(t, TypeSubscriptionSuccess, ack.Type)
	assert.Equal(t, "AAPL", ack.Symbol)

	// Garbage is ignored, the session survives.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("garbage")))

	require.Eventually(t, func() bool { return h.SubscriberCount("AAPL") == 1 }, time.Second, 5*time.Millisecond)
	h.BroadcastPrice("AAPL", tick("AAPL", 190))

	var update PriceUpdateMessage
	require.NoError(t, client.ReadJSON(&update))
	assert.Equal(t, TypePriceUpdate, update.Type)
	assert.Equal(t, "AAPL", update.Symbol)
	assert.Equal(t, "190", update.Data.Price.String())

	h.NotifyOrder("alice", domain.OrderSnapshot{OrderID: "o-1", Symbol: "AAPL", Status: domain.OrderStatusExecuted})
	var order OrderUpdateMessage
	require.NoError(t, client.ReadJSON(&order))
	assert.Equal(t, TypeOrderUpdate, order.Type)
	assert.Equal(t, domain.OrderStatusExecuted, order.Data.Status)

	// Client leaves: hub forgets the connection and its subscriptions.
	client.Close()
	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.ActiveSymbols())
}

func TestServeWebSocket_LargeFrame(t *testing.T) {
	h := newHub(t, Config{PingInterval: time.Hour})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeWebSocket(conn, "alice")
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Well past the old 4 KiB cap, still one valid message.
	padded := `{"type":"subscribe","symbol":"msft"` + strings.Repeat(" ", 16*1024) + `}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(padded)))

	var ack SubscriptionMessage
	require.NoError(t, client.ReadJSON(&ack))
	assert.Equal(t, TypeSubscriptionSuccess, ack.Type)
	assert.Equal(t, "MSFT", ack.Symbol)
	assert.Equal(t, 1, h.ConnectionCount())

	// Oversized garbage within the cap is dropped, the session survives.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 32*1024))))
	require.NoError(t, client.WriteJSON(ClientMessage{Type: TypeUnsubscribe, Symbol: "MSFT"}))
	require.NoError(t, client.ReadJSON(&ack))
	assert.Equal(t, TypeUnsubscriptionSuccess, ack.Type)
}
