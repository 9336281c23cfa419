package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roadside_dispatch"

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Service requests created"})
	AcceptRacesLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_races_lost_total", Help: "Accept calls that lost to another worker"})
	Settlements     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "settlements_total", Help: "Requests whose earnings were released"})
	RefundFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "refund_failures_total", Help: "Refunds that failed during cancellation"})
	WSConnections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket sessions"})
	WorkersOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "workers_online", Help: "Workers accepting calls as last observed by this process"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "State machine transitions by outcome"},
		[]string{"transition", "result"},
	)
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "withdrawals_total", Help: "Withdrawal operations by outcome"},
		[]string{"result"},
	)
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_sent_total", Help: "Notification deliveries by channel and outcome"},
		[]string{"channel", "result"},
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
