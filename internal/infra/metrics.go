package infra

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics keeps lock-free counters for the trading core.
// Uses atomic operations for thread-safety; NewCollector exports them.
type Metrics struct {
	// Orders
	ordersPlaced    atomic.Uint64
	ordersRejected  atomic.Uint64
	ordersCancelled atomic.Uint64

	// Settlement
	ordersExecuted       atomic.Uint64
	ordersFailed         atomic.Uint64
	settlementSkipped    atomic.Uint64
	settlementAnomalies  atomic.Uint64
	settlementLatencySum atomic.Int64
	settlementCount      atomic.Uint64

	// Feed
	ticksBroadcast atomic.Uint64
	feedErrors     atomic.Uint64

	// Hub
	deliveries        atomic.Uint64
	deliveryFailures  atomic.Uint64
	activeConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordOrderPlaced records an accepted order.
func (m *Metrics) RecordOrderPlaced() {
	m.ordersPlaced.Add(1)
}

// RecordOrderRejected records a risk rejection.
func (m *Metrics) RecordOrderRejected(string) {
	m.ordersRejected.Add(1)
}

// RecordOrderCancelled records a client cancel.
func (m *Metrics) RecordOrderCancelled() {
	m.ordersCancelled.Add(1)
}

// RecordSettlement records a finished settlement task by outcome name.
func (m *Metrics) RecordSettlement(outcome string, latency time.Duration) {
	switch outcome {
	case "executed":
		m.ordersExecuted.Add(1)
	case "failed":
		m.ordersFailed.Add(1)
	case "skipped":
		m.settlementSkipped.Add(1)
	case "anomaly":
		m.settlementAnomalies.Add(1)
	default:
		return
	}
	m.settlementLatencySum.Add(int64(latency))
	m.settlementCount.Add(1)
}

// RecordTicks records ticks pushed to the hub in one feed cycle.
func (m *Metrics) RecordTicks(n int) {
	m.ticksBroadcast.Add(uint64(n))
}

// RecordFeedError records a failed feed cycle.
func (m *Metrics) RecordFeedError() {
	m.feedErrors.Add(1)
}

// RecordDelivery records the result of one hub fan-out.
func (m *Metrics) RecordDelivery(delivered, failed int) {
	m.deliveries.Add(uint64(delivered))
	m.deliveryFailures.Add(uint64(failed))
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OrdersPlaced        uint64
	OrdersRejected      uint64
	OrdersCancelled     uint64
	OrdersExecuted      uint64
	OrdersFailed        uint64
	SettlementSkipped   uint64
	SettlementAnomalies uint64
	AvgSettlementNs     int64
	TicksBroadcast      uint64
	FeedErrors          uint64
	Deliveries          uint64
	DeliveryFailures    uint64
	ActiveConnections   int32
	Timestamp           time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.settlementCount.Load()
	if count > 0 {
		avgLatency = m.settlementLatencySum.Load() / int64(count)
	}

	return MetricsSnapshot{
		OrdersPlaced:        m.ordersPlaced.Load(),
		OrdersRejected:      m.ordersRejected.Load(),
		OrdersCancelled:     m.ordersCancelled.Load(),
		OrdersExecuted:      m.ordersExecuted.Load(),
		OrdersFailed:        m.ordersFailed.Load(),
		SettlementSkipped:   m.settlementSkipped.Load(),
		SettlementAnomalies: m.settlementAnomalies.Load(),
		AvgSettlementNs:     avgLatency,
		TicksBroadcast:      m.ticksBroadcast.Load(),
		FeedErrors:          m.feedErrors.Load(),
		Deliveries:          m.deliveries.Load(),
		DeliveryFailures:    m.deliveryFailures.Load(),
		ActiveConnections:   m.activeConnections.Load(),
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ordersPlaced, &m.ordersRejected, &m.ordersCancelled,
		&m.ordersExecuted, &m.ordersFailed, &m.settlementSkipped, &m.settlementAnomalies,
		&m.settlementCount, &m.ticksBroadcast, &m.feedErrors, &m.deliveries, &m.deliveryFailures,
	} {
		c.Store(0)
	}
	m.settlementLatencySum.Store(0)
	m.activeConnections.Store(0)
}

// ======================================================================================
// Prometheus export
// ======================================================================================

const metricsNamespace = "trade_core"

type metricDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(MetricsSnapshot) float64
}

// Collector exposes a Metrics instance to prometheus. Values are read
// from a snapshot at scrape time.
type Collector struct {
	m     *Metrics
	descs []metricDesc
}

// NewCollector creates a prometheus collector over m.
func NewCollector(m *Metrics) *Collector {
	counter := func(name, help string, fn func(MetricsSnapshot) float64) metricDesc {
		return metricDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: fn,
		}
	}
	gauge := func(name, help string, fn func(MetricsSnapshot) float64) metricDesc {
		d := counter(name, help, fn)
		d.kind = prometheus.GaugeValue
		return d
	}

	return &Collector{
		m: m,
		descs: []metricDesc{
			counter("orders_placed_total", "Orders accepted by the risk gate.", func(s MetricsSnapshot) float64 { return float64(s.OrdersPlaced) }),
			counter("orders_rejected_total", "Orders rejected before persistence.", func(s MetricsSnapshot) float64 { return float64(s.OrdersRejected) }),
			counter("orders_cancelled_total", "Orders cancelled by their owner.", func(s MetricsSnapshot) float64 { return float64(s.OrdersCancelled) }),
			counter("orders_executed_total", "Orders settled as executed.", func(s MetricsSnapshot) float64 { return float64(s.OrdersExecuted) }),
			counter("orders_failed_total", "Orders settled as failed.", func(s MetricsSnapshot) float64 { return float64(s.OrdersFailed) }),
			counter("settlement_skipped_total", "Settlement tasks that found the order already terminal.", func(s MetricsSnapshot) float64 { return float64(s.SettlementSkipped) }),
			counter("settlement_anomalies_total", "Settlement tasks that could not record a failure.", func(s MetricsSnapshot) float64 { return float64(s.SettlementAnomalies) }),
			gauge("settlement_avg_latency_seconds", "Average time from submit to terminal state.", func(s MetricsSnapshot) float64 { return time.Duration(s.AvgSettlementNs).Seconds() }),
			counter("feed_ticks_total", "Ticks broadcast by the market feed.", func(s MetricsSnapshot) float64 { return float64(s.TicksBroadcast) }),
			counter("feed_errors_total", "Market feed cycles that failed.", func(s MetricsSnapshot) float64 { return float64(s.FeedErrors) }),
			counter("hub_deliveries_total", "Messages queued to client connections.", func(s MetricsSnapshot) float64 { return float64(s.Deliveries) }),
			counter("hub_delivery_failures_total", "Deliveries dropped by disconnecting a slow or broken client.", func(s MetricsSnapshot) float64 { return float64(s.DeliveryFailures) }),
			gauge("hub_active_connections", "Currently connected clients.", func(s MetricsSnapshot) float64 { return float64(s.ActiveConnections) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, d.value(snap))
	}
}
