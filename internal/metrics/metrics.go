package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for settlement. Registered on the default registry.
var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhook_events_total",
		Help: "Provider callbacks by processing outcome",
	}, []string{"outcome"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_order_transitions_total",
		Help: "Persisted order status transitions",
	}, []string{"from", "to"})

	FlaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_flagged_total",
		Help: "Events flagged for operator attention",
	}, []string{"reason"})

	EffectOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_effect_outcomes_total",
		Help: "Side effect outcomes by effect and status",
	}, []string{"effect", "status"})

	EffectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_effect_duration_seconds",
		Help:    "Duration of a single side effect",
		Buckets: prometheus.DefBuckets,
	}, []string{"effect"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_verifications_total",
		Help: "Public audit verifications by result",
	}, []string{"status"})

	ReconcilerActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_reconciler_actions_total",
		Help: "Reconciler actions by kind and result",
	}, []string{"action", "result"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
