package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "route"},
	)

	ReasoningCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_reasoning_calls_total",
			Help: "Reasoning service calls by call name and outcome",
		},
		[]string{"call", "outcome"},
	)

	ReasoningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assessor_reasoning_call_duration_seconds",
			Help:    "Duration of reasoning service calls",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"call"},
	)

	FilesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assessor_ingest_files_enqueued_total",
		Help: "Source files enqueued for extraction",
	})

	QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_queue_transitions_total",
			Help: "Content queue items moved into each status",
		},
		[]string{"status"},
	)

	ReviewDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_review_decisions_total",
			Help: "Curation decisions",
		},
		[]string{"decision"},
	)

	PapersAssembled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_papers_assembled_total",
			Help: "Paper assembly attempts by outcome",
		},
		[]string{"outcome"},
	)

	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assessor_evaluations_total",
			Help: "Answer sheet evaluations by review flag",
		},
		[]string{"requires_review"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			ReasoningCalls,
			ReasoningDuration,
			FilesEnqueued,
			QueueTransitions,
			ReviewDecisions,
			PapersAssembled,
			Evaluations,
		)
	})
}

// Middleware records request counts and durations by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
