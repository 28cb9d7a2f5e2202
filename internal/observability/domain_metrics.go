package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schemaUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywave_schema_uploads_total",
			Help: "Total number of schema upload attempts by result.",
		},
		[]string{"result"},
	)
	schemaParseLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querywave_schema_parse_latency_ms",
			Help:    "DDL parse latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywave_sql_validations_total",
			Help: "Total number of SQL validations by outcome and rejection reason.",
		},
		[]string{"outcome", "reason"},
	)
	quotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywave_quota_rejections_total",
			Help: "Total number of requests rejected by quota, by class.",
		},
		[]string{"class"},
	)
	registrySchemas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querywave_registry_schemas",
			Help: "Current number of live schemas in the registry.",
		},
	)
	registryEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querywave_registry_evictions_total",
			Help: "Total number of schemas evicted by TTL or capacity.",
		},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querywave_generation_latency_ms",
			Help:    "End to end SQL generation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
	)
	generationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querywave_generation_attempts",
			Help:    "Translator attempts per generation request, including repair rounds.",
			Buckets: []float64{1, 2, 3, 4},
		},
	)
)

func init() {
	prometheus.MustRegister(
		schemaUploadsTotal,
		schemaParseLatencyMs,
		validationsTotal,
		quotaRejectionsTotal,
		registrySchemas,
		registryEvictionsTotal,
		generationLatencyMs,
		generationAttempts,
	)
}

func ObserveSchemaUpload(result string, elapsed time.Duration) {
	schemaUploadsTotal.WithLabelValues(result).Inc()
	schemaParseLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveValidation(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	validationsTotal.WithLabelValues(outcome, reason).Inc()
}

func IncrementQuotaRejection(class string) {
	quotaRejectionsTotal.WithLabelValues(class).Inc()
}

func SetRegistrySchemas(count int) {
	if count < 0 {
		count = 0
	}
	registrySchemas.Set(float64(count))
}

func AddRegistryEvictions(count int) {
	if count > 0 {
		registryEvictionsTotal.Add(float64(count))
	}
}

func ObserveGeneration(attempts int, elapsed time.Duration) {
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
	generationAttempts.Observe(float64(attempts))
}
