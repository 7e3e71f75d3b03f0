package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ApprovalMetrics holds every collector the engine reports
type ApprovalMetrics struct {
	RequestsCreatedTotal    *prometheus.CounterVec
	ResolutionsTotal        *prometheus.CounterVec
	ResponseSeconds         *prometheus.HistogramVec
	VerificationsTotal      *prometheus.CounterVec
	TokensConsumedTotal     *prometheus.CounterVec
	SweeperTransitionsTotal *prometheus.CounterVec
	EventsDroppedTotal      prometheus.Counter
	WebSocketClients        prometheus.Gauge
}

// New registers the collectors on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func New(reg prometheus.Registerer) *ApprovalMetrics {
	factory := promauto.With(reg)
	return &ApprovalMetrics{
		RequestsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_requests_created_total",
				Help: "Override requests entering the engine",
			},
			[]string{"type", "tier", "auto"},
		),
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_resolutions_total",
				Help: "Request transitions by outcome",
			},
			[]string{"outcome"},
		),
		ResponseSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "approval_response_seconds",
				Help:    "Time from request creation to human resolution",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~8.5m
			},
			[]string{"outcome"},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_verifications_total",
				Help: "Credential verification attempts by result",
			},
			[]string{"method", "result"},
		),
		TokensConsumedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_tokens_consumed_total",
				Help: "Token consumption attempts by result",
			},
			[]string{"result"},
		),
		SweeperTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approval_sweeper_transitions_total",
				Help: "Requests closed by the timeout sweeper",
			},
			[]string{"status"},
		),
		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "approval_events_dropped_total",
				Help: "Lifecycle events dropped because the dispatch queue was full",
			},
		),
		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "approval_websocket_clients",
				Help: "Connected notification sessions",
			},
		),
	}
}

// NewNop returns collectors bound to a private registry
func NewNop() *ApprovalMetrics {
	return New(prometheus.NewRegistry())
}
