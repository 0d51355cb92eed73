package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベルに一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordProviderCall_CountsByOperationAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderCall("exchange", "ok", 20*time.Millisecond)
	c.RecordProviderCall("exchange", "ok", 30*time.Millisecond)
	c.RecordProviderCall("exchange", "provider_error", 10*time.Millisecond)

	ok := findMetric(t, reg, "notifylink_provider_calls_total", map[string]string{"operation": "exchange", "outcome": "ok"})
	if got := ok.GetCounter().GetValue(); got != 2 {
		t.Errorf("provider_calls_total{ok} = %v, want 2", got)
	}
	failed := findMetric(t, reg, "notifylink_provider_calls_total", map[string]string{"operation": "exchange", "outcome": "provider_error"})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Errorf("provider_calls_total{provider_error} = %v, want 1", got)
	}
	latency := findMetric(t, reg, "notifylink_provider_latency_seconds", map[string]string{"operation": "exchange"})
	if got := latency.GetHistogram().GetSampleCount(); got != 3 {
		t.Errorf("latency sample count = %d, want 3", got)
	}
}

func TestRecordDelivery_IncrementsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDelivery("success")
	c.RecordDelivery("failure")
	c.RecordDelivery("success")

	if got := findMetric(t, reg, "notifylink_deliveries_total", map[string]string{"outcome": "success"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("deliveries_total{success} = %v, want 2", got)
	}
	if got := findMetric(t, reg, "notifylink_deliveries_total", map[string]string{"outcome": "failure"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("deliveries_total{failure} = %v, want 1", got)
	}
}

func TestRecordBroadcast_ObservesTargetsAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcast(5, 2*time.Second)

	if got := findMetric(t, reg, "notifylink_broadcasts_total", nil).GetCounter().GetValue(); got != 1 {
		t.Errorf("broadcasts_total = %v, want 1", got)
	}
	if got := findMetric(t, reg, "notifylink_broadcast_targets", nil).GetHistogram().GetSampleSum(); got != 5 {
		t.Errorf("broadcast_targets sum = %v, want 5", got)
	}
	if got := findMetric(t, reg, "notifylink_broadcast_latency_seconds", nil).GetHistogram().GetSampleSum(); got != 2 {
		t.Errorf("broadcast_latency sum = %v, want 2", got)
	}
}

func TestRecordStateRejectionAndFlow(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStateRejection("expired")
	c.RecordFlowCompleted("login", "rejected")
	c.RecordFlowCompleted("notify", "done")

	if got := findMetric(t, reg, "notifylink_state_rejections_total", map[string]string{"reason": "expired"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("state_rejections_total = %v, want 1", got)
	}
	if got := findMetric(t, reg, "notifylink_authorization_flows_total", map[string]string{"flow": "notify", "result": "done"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("authorization_flows_total = %v, want 1", got)
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同じレジストリへの二重登録でpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}
