package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SendOutcome("sent")
	m.LedgerFallback(true)
	m.StatusTransition("read")
	m.LiveSubscriptions(1)
	m.RepairRun(false, 0)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SendOutcome("sent")
	m.SendOutcome("sent")
	m.SendOutcome("failed")
	m.LiveSubscriptions(3)
	m.LiveSubscriptions(-1)

	out := scrape(t, m)
	for _, want := range []string{
		`chatsync_sends_total{outcome="sent"} 2`,
		`chatsync_sends_total{outcome="failed"} 1`,
		`chatsync_feed_live_subscriptions 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RepairRun(true, 4)
	if out := scrape(t, m); !strings.Contains(out, "chatsync_repair_conversations_total 4") {
		t.Errorf("metrics output missing repair counter:\n%s", out)
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}
