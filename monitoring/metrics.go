package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeFailed      = "failed"
	OutcomeUnavailable = "unavailable"
	OutcomeColdStart   = "cold_start"
)

var (
	// API 指标
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voyage_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// 模型指标
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_predictions_total",
			Help: "Model calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// 行程规划指标
	PlannerPriceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_planner_price_failures_total",
			Help: "Destinations priced with the sentinel cost, by reason",
		},
		[]string{"reason"},
	)

	PlannerCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_planner_cache_lookups_total",
			Help: "Trip plan cache lookups by result",
		},
		[]string{"result"},
	)

	PlannerSearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voyage_planner_search_duration_seconds",
			Help:    "Duration of an uncached trip plan search",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voyage_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voyage_websocket_connections_active",
			Help: "Open trip plan WebSocket connections",
		},
	)

	// 重训练指标
	RetrainRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voyage_retrain_runs_total",
			Help: "Retraining pipeline runs by result",
		},
		[]string{"result"},
	)

	RetrainStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voyage_retrain_step_duration_seconds",
			Help:    "Duration of each retraining pipeline step",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900},
		},
		[]string{"step"},
	)

	ModelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voyage_model_loaded",
			Help: "Whether an artifact was loaded at startup (1) or not (0)",
		},
		[]string{"model"},
	)
)

// RecordAPIRequest 记录API请求
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordPrediction(model, outcome string) {
	PredictionsTotal.WithLabelValues(model, outcome).Inc()
}

func RecordPriceFailure(reason string) {
	PlannerPriceFailures.WithLabelValues(reason).Inc()
}

func RecordPlanCache(hit bool) {
	if hit {
		PlannerCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	PlannerCacheLookups.WithLabelValues("miss").Inc()
}

func RecordRetrainStep(step string, duration time.Duration) {
	RetrainStepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordRetrainRun(result string) {
	RetrainRunsTotal.WithLabelValues(result).Inc()
}

// SetModelStatus publishes which artifacts are serving.
func SetModelStatus(status map[string]bool) {
	for model, ok := range status {
		v := 0.0
		if ok {
			v = 1
		}
		ModelLoaded.WithLabelValues(model).Set(v)
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
