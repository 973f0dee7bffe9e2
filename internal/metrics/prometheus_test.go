package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(DropSelfEcho)
	m.Inc(DropUnknownKind)
	m.Inc(DropUnknownKind)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE duocall_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `duocall_events_total{event="unknown_kind"} 2`) {
		t.Fatalf("missing unknown_kind counter: %s", body)
	}
	if !strings.Contains(body, `duocall_events_total{event="self_echo"} 1`) {
		t.Fatalf("missing self_echo counter: %s", body)
	}
	// Label escaping must match Prometheus text format rules.
	if !strings.Contains(body, `duocall_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(DropWrongState)

	snap := m.Snapshot()
	snap[DropWrongState] = 99

	if got := m.Get(DropWrongState); got != 1 {
		t.Fatalf("Get(%q)=%d, want 1", DropWrongState, got)
	}
}
