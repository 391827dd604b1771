package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanhive",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, by route, method and status.",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fanhive",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency distribution.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanhive",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Webhook events ingested, by event type and outcome.",
	}, []string{"event_type", "result"})

	syncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanhive",
		Subsystem: "billing",
		Name:      "sync_jobs_total",
		Help:      "Subscription sync jobs processed, by outcome.",
	}, []string{"result"})

	pointsTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanhive",
		Subsystem: "points",
		Name:      "transactions_total",
		Help:      "Points ledger writes, by reason, scope and outcome.",
	}, []string{"reason", "scope", "result"})

	gachaDrawsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanhive",
		Subsystem: "gacha",
		Name:      "draws_total",
		Help:      "Reward draws performed, by scope, rarity and outcome.",
	}, []string{"scope", "rarity", "result"})
)

// ObserveHTTPRequest records one handled HTTP request.
func ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ObserveWebhookEvent records an ingested webhook event.
// result is one of: accepted, duplicate, invalid_signature, rejected.
func ObserveWebhookEvent(eventType, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	webhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

// ObserveSyncJob records the outcome of a subscription sync job.
func ObserveSyncJob(result string) {
	syncJobsTotal.WithLabelValues(result).Inc()
}

// ObservePointsTransaction records a ledger write attempt.
func ObservePointsTransaction(reason, scope, result string) {
	pointsTransactionsTotal.WithLabelValues(reason, scope, result).Inc()
}

// ObserveGachaDraw records a reward draw attempt.
func ObserveGachaDraw(scope, rarity, result string) {
	if rarity == "" {
		rarity = "none"
	}
	gachaDrawsTotal.WithLabelValues(scope, rarity, result).Inc()
}
