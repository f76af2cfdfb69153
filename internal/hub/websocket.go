package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxMessageSize caps one inbound frame. gorilla fails the read on a larger
// frame, so this is a transport limit, not message validation.
const maxMessageSize = 64 * 1024

// Upgrader is shared by the HTTP layer. Origin checks are left to CORS.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSTransport adapts a gorilla websocket connection to Transport.
// Only the hub's writer goroutine calls Send.
type WSTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWSTransport wraps conn.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes one text frame before deadline.
func (t *WSTransport) Send(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the socket.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// ServeWebSocket registers conn for ownerID and runs its read loop until
// the peer leaves or the hub drops it. The connection is always
// disconnected on return.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, ownerID string) error {
	connID := uuid.NewString()
	transport := NewWSTransport(conn)

	if err := h.Connect(ownerID, connID, transport); err != nil {
		transport.Close()
		return err
	}
	defer h.Disconnect(ownerID, connID)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go h.pingLoop(conn, stop)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error",
					slog.String("owner_id", ownerID),
					slog.String("conn_id", connID),
					slog.Any("error", err),
				)
			}
			return nil
		}

		h.HandleMessage(ownerID, connID, message)
	}
}

// pingLoop keeps the read deadline alive. WriteControl may run
// concurrently with the writer goroutine.
func (h *Hub) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
