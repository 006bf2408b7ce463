package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Payment settlement
	// ============================================
	PaymentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_payments_created_total",
			Help: "Total number of payments submitted to the ledger",
		},
		[]string{"stablecoin", "mode"},
	)

	PaymentStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_payment_status_total",
			Help: "Total number of payment status transitions by resulting status",
		},
		[]string{"status"},
	)

	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_settlement_outcomes_total",
			Help: "Mined settlement outcomes (confirmed, returned_false, reverted, timeout)",
		},
		[]string{"outcome"},
	)

	SubmissionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_submission_attempts_total",
			Help: "Transaction broadcast attempts by result",
		},
		[]string{"result"},
	)

	SubmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backend_submission_duration_seconds",
		Help:    "Time spent broadcasting a transaction including retries",
		Buckets: prometheus.DefBuckets,
	})

	ActiveConfirmationPollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_active_confirmation_pollers",
		Help: "Number of payments currently being polled for confirmations",
	})

	GasPriceFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_gas_price_fallback_total",
		Help: "Number of times the fallback gas price was used",
	})

	PriceOracleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_price_oracle_requests_total",
			Help: "Price oracle lookups by result (hit, refresh, error, stale)",
		},
		[]string{"result"},
	)

	// ============================================
	// Database
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// NATS
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"event_type"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"event_type"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_failed_total",
			Help: "Total number of NATS messages failed to publish or process",
		},
		[]string{"event_type", "error_type"},
	)

	// ============================================
	// Balances and connections
	// ============================================
	PrivateKeyBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_private_key_balance",
			Help: "PrivateKey corresponding address balance",
		},
		[]string{"chain", "address"},
	)

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_websocket_connections",
		Help: "Number of open WebSocket push connections",
	})
)
