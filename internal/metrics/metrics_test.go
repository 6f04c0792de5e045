package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()

	if got := m.Get(EventsRelayed); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}

	m.Inc(EventsRelayed)
	m.Inc(EventsRelayed)
	m.Inc(AuthFailure)

	if got := m.Get(EventsRelayed); got != 2 {
		t.Fatalf("%s = %d, want 2", EventsRelayed, got)
	}

	snap := m.Snapshot()
	if snap[EventsRelayed] != 2 || snap[AuthFailure] != 1 {
		t.Fatalf("snapshot = %v", snap)
	}

	// Snapshot is a copy, not a view.
	snap[EventsRelayed] = 99
	if got := m.Get(EventsRelayed); got != 2 {
		t.Fatalf("%s mutated through snapshot: %d", EventsRelayed, got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(SessionsOpened)
	m.Inc(SessionsOpened)
	m.Inc(DropReasonSlowConsumer)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE collab_relay_events_total counter",
		`collab_relay_events_total{event="sessions_opened"} 2`,
		`collab_relay_events_total{event="dropped_slow_consumer"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("output missing %q:\n%s", want, body)
		}
	}
}
