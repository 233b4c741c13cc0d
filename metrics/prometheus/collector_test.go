package prometheus

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

// value returns the gauge or counter value of the first series in family
// name whose labels include want.
func value(t *testing.T, c *Collector, name string, want map[string]string) float64 {
	t.Helper()
	for _, m := range findFamily(t, c, name).GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
			}
		}
		if !match {
			continue
		}
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("no %s series with labels %v", name, want)
	return 0
}

func TestCollector_Defaults(t *testing.T) {
	c := New(Config{})

	assert.Equal(t, 1.0, value(t, c, "cartsync_state", map[string]string{"state": "guest"}))
	assert.Equal(t, 0.0, value(t, c, "cartsync_state", map[string]string{"state": "synced"}))
	assert.Equal(t, 0.0, value(t, c, "cartsync_outbox_depth", nil))
}

func TestCollector_Records(t *testing.T) {
	c := New(Config{Namespace: "test"})

	c.RecordSyncDuration("add_item", 40*time.Millisecond)
	c.RecordSyncDuration("add_item", 60*time.Millisecond)
	c.RecordSyncErrors("add_item", "unavailable")
	c.RecordSyncErrors("add_item", "unavailable")
	c.RecordSyncErrors("refresh", "unauthorized")
	c.RecordOutboxDepth(3)
	c.RecordReconciliation(4, 1)
	c.RecordStateChange("degraded")

	errs := func(op, kind string) float64 {
		return value(t, c, "test_sync_errors_total", map[string]string{"operation": op, "type": kind})
	}
	assert.Equal(t, 2.0, errs("add_item", "unavailable"))
	assert.Equal(t, 1.0, errs("refresh", "unauthorized"))
	assert.Equal(t, 3.0, value(t, c, "test_outbox_depth", nil))
	assert.Equal(t, 4.0, value(t, c, "test_reconciled_items_total", map[string]string{"result": "pushed"}))
	assert.Equal(t, 1.0, value(t, c, "test_reconciled_items_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 1.0, value(t, c, "test_state", map[string]string{"state": "degraded"}))
	assert.Equal(t, 0.0, value(t, c, "test_state", map[string]string{"state": "guest"}))
	assert.Equal(t, 1.0, value(t, c, "test_state_transitions_total", map[string]string{"state": "degraded"}))

	hist := findFamily(t, c, "test_sync_duration_seconds")
	assert.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.1, hist.GetMetric()[0].GetHistogram().GetSampleSum(), 1e-9)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	a := New(Config{})
	b := New(Config{})

	a.RecordOutboxDepth(5)
	assert.Equal(t, 5.0, value(t, a, "cartsync_outbox_depth", nil))
	assert.Equal(t, 0.0, value(t, b, "cartsync_outbox_depth", nil))
}

func TestCollector_Handler(t *testing.T) {
	c := New(Config{})
	c.RecordStateChange("synced")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cartsync_state{state="synced"} 1`)
	assert.Contains(t, string(body), `cartsync_state_transitions_total{state="synced"} 1`)
}
