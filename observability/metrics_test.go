package observability

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRollingWindowPrunes(t *testing.T) {
	m := NewMetrics("test_window")
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m.window.now = func() time.Time { return clock }

	m.ObserveHTTP("/sessions", "GET", 200, 20*time.Millisecond)
	m.ObserveHTTP("/sessions", "GET", 500, 40*time.Millisecond)
	m.ObserveHTTP("/health", "GET", 200, 5*time.Millisecond)

	stats := m.Window()
	if stats.WindowSeconds != 300 {
		t.Fatalf("window %d", stats.WindowSeconds)
	}
	route := stats.Routes["/sessions"]
	if route.Requests != 2 || route.Errors != 1 {
		t.Fatalf("route stats %+v", route)
	}
	if route.AvgMs != 30 || route.MaxMs != 40 {
		t.Fatalf("latency stats %+v", route)
	}
	if len(stats.RouteOrder) != 2 || stats.RouteOrder[0] != "/health" {
		t.Fatalf("route order %v", stats.RouteOrder)
	}

	// Six minutes later everything has aged out.
	clock = clock.Add(6 * time.Minute)
	stats = m.Window()
	if len(stats.Routes) != 0 {
		t.Fatalf("window should be empty: %+v", stats.Routes)
	}
}

func TestPrometheusHandlerServes(t *testing.T) {
	m := NewMetrics("test_serve")
	m.RecordNegotiation("agreed", "strict", 3)
	m.RecordProofFailure("turn_proof_hash_mismatch")
	m.RecordEscrowOutcome("settled")

	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty exposition body")
	}
}
