package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeHealth struct {
	Running int `json:"running"`
}

func TestHealthzReturnsSnapshot(t *testing.T) {
	srv := New(func() any { return fakeHealth{Running: 3} })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var got fakeHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Running != 3 {
		t.Fatalf("want running=3, got %d", got.Running)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	InitMetrics().TasksRunning.Set(2)
	srv := New(func() any { return fakeHealth{} })
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "storywatch_tasks_running") {
		t.Fatal("expected storywatch_tasks_running metric in /metrics output")
	}
}

func TestInitMetricsIsIdempotent(t *testing.T) {
	m1 := InitMetrics()
	m2 := InitMetrics()
	if m1 != m2 {
		t.Fatal("expected InitMetrics to return the same collectors on repeated calls")
	}
}
