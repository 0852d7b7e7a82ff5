package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"nodekeeper/internal/metrics"
	"nodekeeper/internal/notify"
)

func gather(t *testing.T, c *metrics.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestStateGaugeMarksSingleActiveState(t *testing.T) {
	c := metrics.NewCollector()
	c.StateChanged("running")

	mf := gather(t, c)["nodekeeper_node_state"]
	if mf == nil {
		t.Fatal("node_state not exported")
	}
	active := 0
	for _, m := range mf.GetMetric() {
		if m.GetGauge().GetValue() == 1 {
			active++
			if got := labelValue(m, "state"); got != "running" {
				t.Fatalf("expected running to be active, got %s", got)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected one active state, got %d", active)
	}
}

func TestCountersAndHubStats(t *testing.T) {
	c := metrics.NewCollector()
	hub := notify.NewHub(notify.Options{})
	c.RegisterHub(hub)
	if _, err := hub.Subscribe("a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	hub.Publish(notify.Notification{Message: "x"})

	c.SessionEnded("exited")
	c.CommandObserved("command", "ok", 10*time.Millisecond)
	c.CommandObserved("command", "busy", time.Millisecond)
	c.NotificationOverflow()
	c.ClientConnected("ipc", 1)

	families := gather(t, c)
	checks := map[string]float64{
		"nodekeeper_notification_subscribers":          1,
		"nodekeeper_notifications_published_total":     1,
		"nodekeeper_notification_queue_overflow_total": 1,
	}
	for name, want := range checks {
		mf := families[name]
		if mf == nil || len(mf.GetMetric()) == 0 {
			t.Fatalf("%s not exported", name)
		}
		m := mf.GetMetric()[0]
		got := m.GetGauge().GetValue() + m.GetCounter().GetValue()
		if got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}
	if mf := families["nodekeeper_commands_total"]; mf == nil || len(mf.GetMetric()) != 2 {
		t.Fatalf("expected two command series, got %v", mf)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	c := metrics.NewCollector()
	c.SessionEnded("spawn_failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `nodekeeper_node_sessions_total{outcome="spawn_failed"} 1`) {
		t.Fatalf("unexpected exposition:\n%s", body)
	}
}
