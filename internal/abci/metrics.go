package abci

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"dvpn.mini/dvr/internal/types"
)

// Metrics holds the Prometheus collectors fed by the application. They are
// registered on a private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	txTotal        *prometheus.CounterVec
	height         prometheus.Gauge
	totalNodes     prometheus.Gauge
	activeNodes    prometheus.Gauge
	totalBandwidth prometheus.Gauge
	totalTokens    prometheus.Gauge
	expired        prometheus.Counter
}

// NewMetrics creates and registers the registry collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvr",
			Name:      "transactions_total",
			Help:      "Delivered transactions by type and result code.",
		}, []string{"type", "code"}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "block_height",
			Help:      "Last committed block height.",
		}),
		totalNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "nodes_total",
			Help:      "Registered VPN nodes.",
		}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "nodes_active",
			Help:      "Active VPN nodes.",
		}),
		totalBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "bandwidth_gb_total",
			Help:      "Bandwidth reported across all nodes, in GB.",
		}),
		totalTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dvr",
			Name:      "tokens_distributed_total",
			Help:      "Reward tokens credited across all nodes.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dvr",
			Name:      "storage_expired_blocks_total",
			Help:      "Blocks begun after the registry storage lifetime lapsed.",
		}),
	}
	m.Registry.MustRegister(
		m.txTotal,
		m.height,
		m.totalNodes,
		m.activeNodes,
		m.totalBandwidth,
		m.totalTokens,
		m.expired,
	)
	return m
}

// ObserveTx counts one delivered transaction.
func (m *Metrics) ObserveTx(txType types.TransactionType, code uint32) {
	if m == nil {
		return
	}
	if txType == "" {
		txType = "unknown"
	}
	m.txTotal.WithLabelValues(string(txType), strconv.FormatUint(uint64(code), 10)).Inc()
}

// ObserveCommit records the committed height and aggregate stats.
func (m *Metrics) ObserveCommit(height int64, stats types.NetworkStats) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
	m.totalNodes.Set(float64(stats.TotalNodes))
	m.activeNodes.Set(float64(stats.ActiveNodes))
	m.totalBandwidth.Set(float64(stats.TotalBandwidth))
	m.totalTokens.Set(float64(stats.TotalTokensDistributed))
}

// ObserveExpired counts a block begun past the storage lifetime.
func (m *Metrics) ObserveExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}
