package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// RPC endpoint metrics
	// ============================================
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castswap_rpc_requests_total",
			Help: "Total number of RPC attempts per endpoint",
		},
		[]string{"endpoint", "mode", "outcome"},
	)

	RPCFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castswap_rpc_fallbacks_total",
		Help: "Total number of batch reads rejected by the sanity policy and retried sequentially",
	})

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castswap_rpc_duration_seconds",
			Help:    "RPC call duration in seconds, including endpoint fallback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// ============================================
	// Check engine metrics
	// ============================================
	Checks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castswap_checks_total",
			Help: "Total number of preflight checks by outcome",
		},
		[]string{"outcome"},
	)

	// ============================================
	// State machine metrics
	// ============================================
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castswap_transitions_total",
			Help: "Total number of execution state transitions",
		},
		[]string{"from", "to"},
	)

	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castswap_transactions_sent_total",
			Help: "Total number of transactions submitted by action",
		},
		[]string{"action"},
	)

	// ============================================
	// Distribution metrics
	// ============================================
	PublishedOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castswap_published_orders_total",
			Help: "Total number of orders handed to a distribution channel",
		},
		[]string{"channel"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castswap_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	// ============================================
	// Verifying service metrics
	// ============================================
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castswap_websocket_clients",
		Help: "Number of connected live-check websocket clients",
	})
)
