package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_IncAndGet(t *testing.T) {
	m := New()

	if got := m.Get(RelayRoutingDrop); got != 0 {
		t.Fatalf("initial counter = %d, want 0", got)
	}

	m.Inc(RelayRoutingDrop)
	m.Inc(RelayRoutingDrop)
	m.Inc(JoinOK)

	if got := m.Get(RelayRoutingDrop); got != 2 {
		t.Fatalf("%s = %d, want 2", RelayRoutingDrop, got)
	}
	if got := m.Get(JoinOK); got != 1 {
		t.Fatalf("%s = %d, want 1", JoinOK, got)
	}
}

func TestMetrics_ZeroValueUsable(t *testing.T) {
	var m Metrics
	m.Inc("x")
	if got := m.Get("x"); got != 1 {
		t.Fatalf("x = %d, want 1", got)
	}
}

func TestMetrics_Snapshot(t *testing.T) {
	m := New()
	m.Inc(ChatMessage)

	snap := m.Snapshot()
	if snap[ChatMessage] != 1 {
		t.Fatalf("snapshot[%s] = %d, want 1", ChatMessage, snap[ChatMessage])
	}

	// Mutating the snapshot must not affect the registry.
	snap[ChatMessage] = 99
	if got := m.Get(ChatMessage); got != 1 {
		t.Fatalf("%s = %d after snapshot mutation, want 1", ChatMessage, got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(JoinRoomFull)
	m.Inc(JoinRoomFull)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	PrometheusHandler(m).ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `consult_relay_events_total{event="join_room_full"} 2`) {
		t.Fatalf("unexpected body:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type = %q", ct)
	}
}
