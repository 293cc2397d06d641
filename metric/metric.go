package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceRollup      = "rollup"
	namespaceQueue       = "batchqueue"
	namespaceCoordinator = "coordinator"
	namespaceSync        = "synchronizer"
	namespaceTxSelector  = "txselector"
)

var (
	// LastCommittedBlock last committed rollup block
	LastCommittedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceRollup,
			Name:      "last_committed_block",
			Help:      "",
		})

	// LastVerifiedBlock last verified rollup block
	LastVerifiedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceRollup,
			Name:      "last_verified_block",
			Help:      "",
		})

	// CommitRejected commit attempts rejected, by reason code
	CommitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceRollup,
			Name:      "commit_rejected_total",
			Help:      "",
		}, []string{"reason"})

	// VerifyRejected verification attempts rejected, by reason code
	VerifyRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceRollup,
			Name:      "verify_rejected_total",
			Help:      "",
		}, []string{"reason"})

	// LivenessFaults committed blocks found past their deadline
	LivenessFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceCoordinator,
			Name:      "liveness_faults_total",
			Help:      "",
		})

	// OverdueBlocks committed blocks currently past their deadline
	OverdueBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceCoordinator,
			Name:      "overdue_blocks",
			Help:      "",
		})

	// OpenBatchSize requests in the open batch, per queue kind
	OpenBatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceQueue,
			Name:      "open_batch_size",
			Help:      "",
		}, []string{"kind"})

	// CollectedBatchFees batch fees collected at verification, per queue
	// kind, in native token units
	CollectedBatchFees = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceQueue,
			Name:      "collected_fees_total",
			Help:      "",
		}, []string{"kind"})

	// PoolPending L2 txs waiting to be forged
	PoolPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxSelector,
			Name:      "pool_pending_txs",
			Help:      "",
		})

	// SelectedL2Txs L2 txs selected in the last forged block
	SelectedL2Txs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceTxSelector,
			Name:      "selected_l2_txs",
			Help:      "",
		})

	// RejectedL2Txs L2 txs rejected while forging, by reason code
	RejectedL2Txs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceTxSelector,
			Name:      "rejected_l2_txs_total",
			Help:      "",
		}, []string{"reason"})

	// LastSyncedBlock last verified block replayed by the synchronizer
	LastSyncedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_block_num",
			Help:      "",
		})

	// LastSyncedEvent last base ledger event consumed
	LastSyncedEvent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_event",
			Help:      "",
		})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoordinator,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"block_number", "circuit"})
)

func init() {
	prometheus.MustRegister(LastCommittedBlock)
	prometheus.MustRegister(LastVerifiedBlock)
	prometheus.MustRegister(CommitRejected)
	prometheus.MustRegister(VerifyRejected)
	prometheus.MustRegister(LivenessFaults)
	prometheus.MustRegister(OverdueBlocks)
	prometheus.MustRegister(OpenBatchSize)
	prometheus.MustRegister(CollectedBatchFees)
	prometheus.MustRegister(PoolPending)
	prometheus.MustRegister(SelectedL2Txs)
	prometheus.MustRegister(RejectedL2Txs)
	prometheus.MustRegister(LastSyncedBlock)
	prometheus.MustRegister(LastSyncedEvent)
	prometheus.MustRegister(WaitServerProof)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
