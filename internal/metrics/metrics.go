// Package metrics defines the Prometheus collectors shared by the
// ingestion pipeline and the wallet indexer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector the indexer exports. Callers register
// them once against a prometheus.Registerer at startup.
type Metrics struct {
	BlocksIndexedTotal   prometheus.Counter
	CurrentHeight        prometheus.Gauge
	ReconnectAttempts    prometheus.Counter
	WalletCycleDuration  prometheus.Histogram
	ActiveWalletCount    prometheus.Gauge
	WalletsIndexedTotal  prometheus.Counter
	BlockApplyDuration   prometheus.Histogram
}

// New builds a fresh Metrics set. Each Collector is independent so callers
// can register a subset in tests.
func New() *Metrics {
	return &Metrics{
		BlocksIndexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midnight_indexer_blocks_indexed_total",
			Help: "Number of blocks successfully committed by the Chain Indexer.",
		}),
		CurrentHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midnight_indexer_current_height",
			Help: "Height of the most recently committed block.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midnight_indexer_node_reconnect_attempts_total",
			Help: "Number of reconnection attempts made by the Node Adapter.",
		}),
		WalletCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "midnight_indexer_wallet_cycle_duration_seconds",
			Help: "Duration of one active-wallet emission cycle.",
		}),
		ActiveWalletCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midnight_indexer_active_wallet_count",
			Help: "Number of wallets considered active in the last emission cycle.",
		}),
		WalletsIndexedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midnight_indexer_wallets_indexed_total",
			Help: "Number of per-wallet indexing steps that found relevant transactions.",
		}),
		BlockApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "midnight_indexer_block_apply_duration_seconds",
			Help: "Duration of applying all transactions in one block.",
		}),
	}
}

// Collectors returns every collector for bulk registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BlocksIndexedTotal,
		m.CurrentHeight,
		m.ReconnectAttempts,
		m.WalletCycleDuration,
		m.ActiveWalletCount,
		m.WalletsIndexedTotal,
		m.BlockApplyDuration,
	}
}
