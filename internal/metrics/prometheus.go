package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the control plane.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	compilesTotal     *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	reconcileLoops    *prometheus.CounterVec
	runnerCallsTotal  *prometheus.CounterVec

	compileDuration    *prometheus.HistogramVec
	runnerCallDuration *prometheus.HistogramVec

	uptime              prometheus.GaugeFunc
	activePipelines     *prometheus.GaugeVec
	circuitBreakerState *prometheus.GaugeVec
	breakerTripsTotal   *prometheus.CounterVec
	nexmarkGeneratorRefs prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		compilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Total number of program compile attempts",
			},
			[]string{"status"},
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_transitions_total",
				Help:      "Total pipeline lifecycle automaton transitions",
			},
			[]string{"from", "to"},
		),

		reconcileLoops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_loops_total",
				Help:      "Total reconciler loop iterations",
			},
			[]string{"reconciler"},
		),

		runnerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_calls_total",
				Help:      "Total Runner Interaction client calls",
			},
			[]string{"operation", "status"},
		),

		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_milliseconds",
				Help:      "Duration of program compilation in milliseconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		runnerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runner_call_duration_milliseconds",
				Help:      "Duration of Runner Interaction client calls in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"operation"},
		),

		activePipelines: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Current pipeline count by deployment status",
			},
			[]string{"status"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"pipeline"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"pipeline", "to_state"},
		),

		nexmarkGeneratorRefs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nexmark_generator_refcount",
				Help:      "Current reference count of the shared nexmark event generator",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the control-plane daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.compilesTotal,
		pm.transitionsTotal,
		pm.reconcileLoops,
		pm.runnerCallsTotal,
		pm.compileDuration,
		pm.runnerCallDuration,
		pm.uptime,
		pm.activePipelines,
		pm.circuitBreakerState,
		pm.breakerTripsTotal,
		pm.nexmarkGeneratorRefs,
	)

	promMetrics = pm
}

// RecordPrometheusCompile records a compile outcome in Prometheus collectors.
func RecordPrometheusCompile(durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.compilesTotal.WithLabelValues(status).Inc()
	promMetrics.compileDuration.WithLabelValues(status).Observe(float64(durationMs))
}

// RecordPrometheusTransition records a pipeline automaton transition.
func RecordPrometheusTransition(from, to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReconcileLoop increments the reconciler iteration counter.
func RecordReconcileLoop(reconciler string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconcileLoops.WithLabelValues(reconciler).Inc()
}

// RecordRunnerCall records a Runner Interaction client call's outcome and duration.
func RecordRunnerCall(operation string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.runnerCallsTotal.WithLabelValues(operation, status).Inc()
	promMetrics.runnerCallDuration.WithLabelValues(operation).Observe(float64(durationMs))
}

// SetActivePipelines sets the active pipeline gauge for a deployment status.
func SetActivePipelines(status string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activePipelines.WithLabelValues(status).Set(float64(count))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a pipeline.
func SetCircuitBreakerState(pipeline string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(pipeline).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker state transition.
func RecordCircuitBreakerTrip(pipeline, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(pipeline, toState).Inc()
}

// SetNexmarkGeneratorRefs sets the shared generator's reference count gauge.
func SetNexmarkGeneratorRefs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.nexmarkGeneratorRefs.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
