package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trade_core/internal/domain"
)

var (
	ErrHubClosed           = errors.New("hub closed")
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Transport is the outbound side of one client session.
// Send must return once deadline passes.
type Transport interface {
	Send(data []byte, deadline time.Time) error
	Close() error
}

// Recorder receives hub activity for metrics.
type Recorder interface {
	IncrementConnections()
	DecrementConnections()
	RecordDelivery(delivered, failed int)
}

type noopRecorder struct{}

func (noopRecorder) IncrementConnections()   {}
func (noopRecorder) DecrementConnections()   {}
func (noopRecorder) RecordDelivery(int, int) {}

// ConnKey identifies a live connection.
type ConnKey struct {
	OwnerID string
	ConnID  string
}

// Config tunes delivery.
type Config struct {
	QueueSize    int           // outbound messages buffered per connection
	WriteTimeout time.Duration // bound on a single transport write
	PingInterval time.Duration // websocket keepalive
	PongWait     time.Duration // websocket read deadline
}

// DefaultConfig returns the stock delivery settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
	}
}

type connection struct {
	key       ConnKey
	transport Transport
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	symbols map[string]struct{} // guarded by Hub.mu
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transport.Close()
	})
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	queueFull
	connClosed
)

// enqueue never blocks. A full queue means the consumer is too slow.
func (c *connection) enqueue(msg []byte) enqueueResult {
	select {
	case <-c.done:
		return connClosed
	default:
	}
	select {
	case c.out <- msg:
		return enqueued
	default:
		return queueFull
	}
}

// Hub owns all live connections and their symbol subscriptions.
// Every connection has one FIFO queue drained by one writer goroutine, so
// messages reach a connection in the order they were accepted.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	mu     sync.RWMutex
	conns  map[ConnKey]*connection
	owners map[string]map[ConnKey]*connection
	subs   map[string]map[ConnKey]*connection
	closed bool

	wg sync.WaitGroup
}

// New creates a hub. recorder may be nil.
func New(cfg Config, logger *slog.Logger, recorder Recorder) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger.With(slog.String("module", "hub")),
		recorder: recorder,
		conns:    make(map[ConnKey]*connection),
		owners:   make(map[string]map[ConnKey]*connection),
		subs:     make(map[string]map[ConnKey]*connection),
	}
}

// Connect registers a live connection and starts its writer.
func (h *Hub) Connect(ownerID, connID string, t Transport) error {
	key := ConnKey{OwnerID: ownerID, ConnID: connID}
	c := &connection{
		key:       key,
		transport: t,
		out:       make(chan []byte, h.cfg.QueueSize),
		done:      make(chan struct{}),
		symbols:   make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, exists := h.conns[key]; exists {
		h.mu.Unlock()
		return ErrDuplicateConnection
	}
	h.conns[key] = c
	owned, ok := h.owners[ownerID]
	if !ok {
		owned = make(map[ConnKey]*connection)
		h.owners[ownerID] = owned
	}
	owned[key] = c
	total := len(h.conns)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)

	h.recorder.IncrementConnections()
	h.logger.Info("Client connected",
		slog.String("owner_id", ownerID),
		slog.String("conn_id", connID),
		slog.Int("total", total),
	)
	return nil
}

// Disconnect removes the connection and every subscription it held.
// Unknown connections are ignored. Reports whether anything was removed.
func (h *Hub) Disconnect(ownerID, connID string) bool {
	key := ConnKey{OwnerID: ownerID, ConnID: connID}

	h.mu.Lock()
	c, ok := h.conns[key]
	if !ok {
		h.mu.Unlock()
		return false
	}
	h.removeLocked(c)
	total := len(h.conns)
	h.mu.Unlock()

	c.shutdown()
	h.recorder.DecrementConnections()
	h.logger.Info("Client disconnected",
		slog.String("owner_id", ownerID),
		slog.String("conn_id", connID),
		slog.Int("total", total),
	)
	return true
}

// removeLocked must be called with mu held
func (h *Hub) removeLocked(c *connection) {
	delete(h.conns, c.key)

	if owned, ok := h.owners[c.key.OwnerID]; ok {
		delete(owned, c.key)
		if len(owned) == 0 {
			delete(h.owners, c.key.OwnerID)
		}
	}

	for symbol := range c.symbols {
		if set, ok := h.subs[symbol]; ok {
			delete(set, c.key)
			if len(set) == 0 {
				delete(h.subs, symbol)
			}
		}
	}
	c.symbols = nil
}

// Subscribe adds symbol to the connection's subscriptions. Idempotent.
// Returns false if the connection is unknown.
func (h *Hub) Subscribe(symbol, ownerID, connID string) bool {
	key := ConnKey{OwnerID: ownerID, ConnID: connID}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[key]
	if !ok {
		return false
	}
	set, ok := h.subs[symbol]
	if !ok {
		set = make(map[ConnKey]*connection)
		h.subs[symbol] = set
	}
	set[key] = c
	c.symbols[symbol] = struct{}{}
	return true
}

// Unsubscribe removes symbol from the connection's subscriptions. Idempotent.
// Returns false if the connection is unknown.
func (h *Hub) Unsubscribe(symbol, ownerID, connID string) bool {
	key := ConnKey{OwnerID: ownerID, ConnID: connID}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[key]
	if !ok {
		return false
	}
	delete(c.symbols, symbol)
	if set, ok := h.subs[symbol]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(h.subs, symbol)
		}
	}
	return true
}

// BroadcastPrice delivers tick to every connection currently subscribed to
// symbol. Returns the number of connections it was queued for.
func (h *Hub) BroadcastPrice(symbol string, tick domain.PriceTick) int {
	msg, err := json.Marshal(PriceUpdateMessage{
		Type:      TypePriceUpdate,
		Symbol:    symbol,
		Data:      tick,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("Price update marshal failed", slog.String("symbol", symbol), slog.Any("error", err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.subs[symbol]))
	for _, c := range h.subs[symbol] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg)
}

// NotifyOrder delivers an order update to every connection of ownerID.
func (h *Hub) NotifyOrder(ownerID string, snapshot domain.OrderSnapshot) int {
	msg, err := json.Marshal(OrderUpdateMessage{
		Type:      TypeOrderUpdate,
		Data:      snapshot,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("Order update marshal failed", slog.String("order_id", snapshot.OrderID), slog.Any("error", err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.owners[ownerID]))
	for _, c := range h.owners[ownerID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, msg)
}

func (h *Hub) deliver(targets []*connection, msg []byte) int {
	delivered := 0
	var dead []*connection
	for _, c := range targets {
		switch c.enqueue(msg) {
		case enqueued:
			delivered++
		case queueFull:
			dead = append(dead, c)
		case connClosed:
			// Already leaving the hub; not a delivery failure.
		}
	}

	for _, c := range dead {
		h.logger.Warn("Client too slow, disconnecting",
			slog.String("owner_id", c.key.OwnerID),
			slog.String("conn_id", c.key.ConnID),
		)
		h.Disconnect(c.key.OwnerID, c.key.ConnID)
	}

	h.recorder.RecordDelivery(delivered, len(dead))
	return delivered
}

// reply queues a message to a single connection.
func (h *Hub) reply(key ConnKey, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Reply marshal failed", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	c, ok := h.conns[key]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver([]*connection{c}, msg)
}

// HandleMessage processes one inbound client message. Malformed messages
// are logged and dropped; the connection stays open.
func (h *Hub) HandleMessage(ownerID, connID string, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		h.logger.Warn("Ignoring client message",
			slog.String("owner_id", ownerID),
			slog.String("conn_id", connID),
			slog.Any("error", err),
		)
		return
	}

	key := ConnKey{OwnerID: ownerID, ConnID: connID}
	switch msg.Type {
	case TypeSubscribe:
		if h.Subscribe(msg.Symbol, ownerID, connID) {
			h.reply(key, SubscriptionMessage{Type: TypeSubscriptionSuccess, Symbol: msg.Symbol})
		}
	case TypeUnsubscribe:
		if h.Unsubscribe(msg.Symbol, ownerID, connID) {
			h.reply(key, SubscriptionMessage{Type: TypeUnsubscriptionSuccess, Symbol: msg.Symbol})
		}
	}
}

func (h *Hub) writeLoop(c *connection) {
	defer h.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Writer panic recovered", slog.String("conn_id", c.key.ConnID), slog.Any("panic", r))
			h.Disconnect(c.key.OwnerID, c.key.ConnID)
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.transport.Send(msg, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				h.logger.Warn("Send failed, disconnecting",
					slog.String("owner_id", c.key.OwnerID),
					slog.String("conn_id", c.key.ConnID),
					slog.Any("error", err),
				)
				h.recorder.RecordDelivery(0, 1)
				h.Disconnect(c.key.OwnerID, c.key.ConnID)
				return
			}
		}
	}
}

// ActiveSymbols returns the symbols with at least one subscriber, sorted.
func (h *Hub) ActiveSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.subs))
	for symbol := range h.subs {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount returns the number of connections subscribed to symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[symbol])
}

// IsSubscribed reports whether the connection is subscribed to symbol.
func (h *Hub) IsSubscribed(symbol, ownerID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[symbol][ConnKey{OwnerID: ownerID, ConnID: connID}]
	return ok
}

// Subscriptions returns the symbols a connection is subscribed to, sorted.
func (h *Hub) Subscriptions(ownerID, connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.conns[ConnKey{OwnerID: ownerID, ConnID: connID}]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects everyone, rejects new connections and waits for writers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[ConnKey]*connection)
	h.owners = make(map[string]map[ConnKey]*connection)
	h.subs = make(map[string]map[ConnKey]*connection)
	h.mu.Unlock()

	for _, c := range all {
		c.shutdown()
		h.recorder.DecrementConnections()
	}
	h.wg.Wait()
	h.logger.Info("Hub closed", slog.Int("connections", len(all)))
}
