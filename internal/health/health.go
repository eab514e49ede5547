// Package health implements the HealthServer from SPEC_FULL.md §4.16: a
// go-chi router exposing liveness, Prometheus metrics, and a websocket
// stream of TaskRuntime's health snapshot. Grounded on the pack crawler's
// internal/metrics package for the promauto collector style and its
// chi-based HTTP server wiring.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Snapshotter returns the current TaskRuntime health snapshot, usually
// runtime.Runtime.Health.
type Snapshotter func() any

// Metrics are the process-wide Prometheus collectors this module owns.
// Initialized once via InitMetrics so repeated Server construction (e.g. in
// tests) never double-registers collectors.
type Metrics struct {
	TasksRunning     prometheus.Gauge
	TasksCrashed     prometheus.Gauge
	ActiveSetSize    prometheus.Gauge
	DelayPending     prometheus.Gauge
	StoriesProcessed *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	sharedMetrics *Metrics
)

// InitMetrics builds (once) and returns the shared Metrics collectors.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			TasksRunning: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storywatch_tasks_running",
				Help: "Number of TaskRuntime-managed tasks currently in the Running state.",
			}),
			TasksCrashed: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storywatch_tasks_crashed",
				Help: "Number of TaskRuntime-managed tasks that exhausted their restart budget.",
			}),
			ActiveSetSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storywatch_active_set_size",
				Help: "Number of stories currently in flight (present in the ActiveSet).",
			}),
			DelayPending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "storywatch_delay_pending",
				Help: "Number of stories currently scheduled in the DelayScheduler.",
			}),
			StoriesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "storywatch_stories_processed_total",
				Help: "Stories that reached a terminal state, labeled by site and outcome.",
			}, []string{"site", "outcome"}),
		}
	})
	return sharedMetrics
}

// Server wires the three health endpoints onto a chi router.
type Server struct {
	router chi.Router
	snap   Snapshotter
}

// New builds a Server. snapshot is polled once per websocket client tick
// and once per /healthz request.
func New(snapshot Snapshotter) *Server {
	s := &Server{snap: snapshot}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/stream", s.handleStream)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.snap())
}

// handleStream upgrades to a websocket and pushes the health snapshot
// every second until the client disconnects or the request context ends.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, s.snap())
			cancel()
			if err != nil {
				return
			}
		}
	}
}
