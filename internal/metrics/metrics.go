package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_route_total",
			Help: "Total routed queries by answer source",
		},
		[]string{"source"},
	)

	RouteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdesk_route_duration_seconds",
			Help:    "Query routing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	RouteConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatdesk_route_confidence",
			Help:    "Confidence of routed answers",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	AIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_ai_requests_total",
			Help: "AI provider requests by outcome",
		},
		[]string{"provider", "status"},
	)

	AITokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_ai_tokens_used_total",
			Help: "Total tokens reported by AI providers",
		},
		[]string{"provider"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatdesk_ai_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	RateLimitDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_rate_limit_drops_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"prefix"},
	)

	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"job", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatdesk_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"job"},
	)

	KnowledgeCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatdesk_learning_candidates_total",
			Help: "Knowledge candidates extracted from conversations",
		},
		[]string{"result"},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatdesk_websocket_clients",
			Help: "Connected websocket chat clients",
		},
	)
)

// Registry 独立的指标注册表
var Registry = prometheus.NewRegistry()

var initOnce sync.Once

// Init 注册全部指标，可重复调用
func Init() {
	initOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			RouteTotal,
			RouteDuration,
			RouteConfidence,
			AIRequests,
			AITokensUsed,
			BreakerState,
			RateLimitDrops,
			JobRuns,
			JobDuration,
			KnowledgeCandidates,
			WebSocketClients,
		)
	})
}

// IncRateLimitDrop 记录一次限流拒绝，prefix 为空时记为 global
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	RateLimitDrops.WithLabelValues(prefix).Inc()
}

// Handler 暴露 Prometheus 指标
func Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
