package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sho_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sho_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	HoldsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sho_holds_created_total",
			Help: "Total holds created",
		},
	)

	InsufficientStock = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sho_insufficient_stock_total",
			Help: "Total hold requests rejected for insufficient stock",
		},
	)

	HoldRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sho_hold_retries_total",
			Help: "Total hold creation retries on transient conflicts",
		},
	)

	WebhooksBuffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sho_webhooks_buffered_total",
			Help: "Total webhooks buffered before their order existed",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sho_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sho_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
