// Package observability holds the Prometheus collectors shared by the service.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	extentFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extent_fetch_total",
			Help: "Table extent lookups against the SQL API by outcome.",
		},
		[]string{"outcome"},
	)

	extentCacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extent_cache_results_total",
			Help: "Extent cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	layerSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "layer_swaps_total",
			Help: "Layer rebuilds triggered by configuration setters.",
		},
		[]string{"reason"},
	)

	interactionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interaction_events_total",
			Help: "Interaction events forwarded to callbacks.",
		},
		[]string{"kind", "delivered"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interaction_events_published_total",
			Help: "Interaction events handed to the Kafka publisher.",
		},
		[]string{"result"},
	)

	kafkaConsumerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer errors by kind.",
		},
		[]string{"kind"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extent_invalidations_total",
			Help: "Cached extents dropped after table change events.",
		},
		[]string{"op", "result"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		extentFetchTotal, extentCacheResults, cacheOpTotal, redisOpDuration,
		layerSwapsTotal, interactionEventsTotal, eventsPublishedTotal,
		kafkaConsumerErrors, invalidationsTotal, buildInfo,
	}
}

func init() {
	register(prometheus.DefaultRegisterer)
}

// Init additionally exposes the collectors on reg (e.g. a private metrics registry).
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	register(reg)
}

func register(reg prometheus.Registerer) {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

// IncExtentFetch records an SQL API extent lookup: ok, empty, malformed, invalid or error.
func IncExtentFetch(outcome string) {
	extentFetchTotal.WithLabelValues(outcome).Inc()
}

func IncExtentCache(tier string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	extentCacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncEventPublished(result string) {
	eventsPublishedTotal.WithLabelValues(result).Inc()
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrors.WithLabelValues(kind).Inc()
}

func IncInvalidation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	invalidationsTotal.WithLabelValues(op, result).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

// LayerObserver feeds layer.Adapter notifications into the collectors.
type LayerObserver struct{}

func (LayerObserver) LayerSwapped(reason string) {
	layerSwapsTotal.WithLabelValues(reason).Inc()
}

func (LayerObserver) InteractionForwarded(kind layer.EventKind, delivered bool) {
	interactionEventsTotal.WithLabelValues(kind.String(), strconv.FormatBool(delivered)).Inc()
}
