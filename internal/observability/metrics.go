package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "captain_dispatch"

var (
	OffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Offers created by dispatch"})
	OffersDeduped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_deduplicated_total", Help: "Dispatch calls answered from an existing idempotency key"})

	OfferTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_transitions_total", Help: "Offer state transitions by target state"},
		[]string{"to"},
	)

	OffersPending   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "offers_pending", Help: "Offers currently pending"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch latency seconds", Buckets: prometheus.DefBuckets})

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_errors_total", Help: "Dispatch failures by reason"},
		[]string{"reason"},
	)

	CandidatesReturned = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidates_returned", Help: "Candidates per selection", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})

	PositionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Position pings by outcome"},
		[]string{"result"},
	)

	PositionsSwept = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "positions_swept_total", Help: "Stale positions garbage collected"})

	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Notifications that failed after retries"},
		[]string{"channel"},
	)

	LedgerErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ledger_errors_total", Help: "Ledger append failures"})

	ChannelSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "channel_sessions", Help: "Open websocket sessions"},
		[]string{"kind"},
	)

	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "audit_events_total", Help: "Ledger events mirrored to kafka by outcome"},
		[]string{"result"},
	)

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Position messages read from kafka by outcome"},
		[]string{"result"},
	)

	PositionsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "positions_published_total", Help: "Position pings mirrored to kafka by outcome"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
