package infra

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordSettlement(t *testing.T) {
	m := &Metrics{}

	m.RecordSettlement("executed", 1000)
	m.RecordSettlement("executed", 2000)
	m.RecordSettlement("failed", 3000)
	m.RecordSettlement("aborted", 9999) // not counted

	snap := m.Snapshot()

	if snap.OrdersExecuted != 2 {
		t.Errorf("Expected 2 executed, got %d", snap.OrdersExecuted)
	}
	if snap.OrdersFailed != 1 {
		t.Errorf("Expected 1 failed, got %d", snap.OrdersFailed)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgSettlementNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgSettlementNs)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_OrdersAndFeed(t *testing.T) {
	m := &Metrics{}

	m.RecordOrderPlaced()
	m.RecordOrderRejected("position_size")
	m.RecordOrderRejected("min_balance")
	m.RecordOrderCancelled()
	m.RecordTicks(5)
	m.RecordFeedError()
	m.RecordDelivery(4, 1)

	snap := m.Snapshot()
	if snap.OrdersPlaced != 1 || snap.OrdersRejected != 2 || snap.OrdersCancelled != 1 {
		t.Errorf("Unexpected order counters: %+v", snap)
	}
	if snap.TicksBroadcast != 5 || snap.FeedErrors != 1 {
		t.Errorf("Unexpected feed counters: %+v", snap)
	}
	if snap.Deliveries != 4 || snap.DeliveryFailures != 1 {
		t.Errorf("Unexpected delivery counters: %+v", snap)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordSettlement("executed", time.Millisecond)
	m.RecordFeedError()
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.OrdersExecuted != 0 {
		t.Error("Expected 0 executed after reset")
	}
	if snap.FeedErrors != 0 {
		t.Error("Expected 0 feed errors after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
	if snap.AvgSettlementNs != 0 {
		t.Error("Expected 0 latency after reset")
	}
}

func TestCollector_Export(t *testing.T) {
	m := &Metrics{}
	m.RecordOrderPlaced()
	m.RecordOrderPlaced()
	m.IncrementConnections()

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(m)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	expected := `
# HELP trade_core_orders_placed_total Orders accepted by the risk gate.
# TYPE trade_core_orders_placed_total counter
trade_core_orders_placed_total 2
# HELP trade_core_hub_active_connections Currently connected clients.
# TYPE trade_core_hub_active_connections gauge
trade_core_hub_active_connections 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"trade_core_orders_placed_total", "trade_core_hub_active_connections")
	if err != nil {
		t.Errorf("unexpected metrics output: %v", err)
	}
}
