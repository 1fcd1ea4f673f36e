package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// PoolMetrics holds the counters and histograms for a single open pool.
// Each pool gets its own prometheus.Registry rather than registering into
// the process-wide default: metrics are fetched on demand by the caller
// holding the pool handle, not scraped from a shared process endpoint,
// since a library embedding vos may open many unrelated pools in one
// process and has no single "/metrics" surface to publish to.
type PoolMetrics struct {
	registry *prometheus.Registry

	ObjectsOpen      prometheus.Gauge
	HandlesOpen      prometheus.Gauge
	UpdatesTotal     prometheus.Counter
	FetchesTotal     prometheus.Counter
	PunchesTotal     prometheus.Counter
	ConflictsTotal   prometheus.Counter
	DTXCommits       prometheus.Counter
	DTXAborts        prometheus.Counter
	DTXTimeouts      prometheus.Counter
	ArenaBytesInUse  prometheus.Gauge
	ArenaBytesFree   prometheus.Gauge
	BtreeNodeSplits  prometheus.Counter
	BtreeNodeMerges  prometheus.Counter
	BtreeCacheHits   prometheus.Counter
	BtreeCacheMisses prometheus.Counter
	WALBytesWritten  prometheus.Counter
	WALReplays       prometheus.Counter

	UpdateDuration      prometheus.Histogram
	FetchDuration       prometheus.Histogram
	AggregationDuration prometheus.Histogram
	DiscardDuration     prometheus.Histogram
}

// NewPoolMetrics creates a metrics set scoped to one pool, labeled with its
// UUID, and registers it into a private registry owned by the returned
// PoolMetrics rather than the global prometheus default registry.
func NewPoolMetrics(poolUUID string) *PoolMetrics {
	labels := prometheus.Labels{"pool": poolUUID}

	m := &PoolMetrics{
		registry: prometheus.NewRegistry(),

		ObjectsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vos_objects_open", Help: "Open object handles in this pool.", ConstLabels: labels,
		}),
		HandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vos_handles_open", Help: "Open container/object/DTX handles in this pool.", ConstLabels: labels,
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_updates_total", Help: "Total number of obj_update calls.", ConstLabels: labels,
		}),
		FetchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_fetches_total", Help: "Total number of obj_fetch calls.", ConstLabels: labels,
		}),
		PunchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_punches_total", Help: "Total number of obj_punch calls.", ConstLabels: labels,
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_conditional_conflicts_total", Help: "Conditional update/fetch precondition failures.", ConstLabels: labels,
		}),
		DTXCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_dtx_commits_total", Help: "Committed distributed transactions.", ConstLabels: labels,
		}),
		DTXAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_dtx_aborts_total", Help: "Aborted distributed transactions.", ConstLabels: labels,
		}),
		DTXTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_dtx_timeouts_total", Help: "DTXs force-resolved after exceeding their wait bound.", ConstLabels: labels,
		}),
		ArenaBytesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vos_arena_bytes_in_use", Help: "Bytes currently allocated from the persistent memory arena.", ConstLabels: labels,
		}),
		ArenaBytesFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vos_arena_bytes_free", Help: "Bytes free in the persistent memory arena.", ConstLabels: labels,
		}),
		BtreeNodeSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_btree_node_splits_total", Help: "B-tree leaf/internal node splits.", ConstLabels: labels,
		}),
		BtreeNodeMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_btree_node_merges_total", Help: "B-tree node merges/redistributions.", ConstLabels: labels,
		}),
		BtreeCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_btree_cache_hits_total", Help: "B-tree hot-node cache hits.", ConstLabels: labels,
		}),
		BtreeCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_btree_cache_misses_total", Help: "B-tree hot-node cache misses.", ConstLabels: labels,
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_wal_bytes_written_total", Help: "Bytes appended to the write-ahead log.", ConstLabels: labels,
		}),
		WALReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vos_wal_replays_total", Help: "WAL replay passes run during pool open/recovery.", ConstLabels: labels,
		}),

		UpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vos_update_duration_seconds", Help: "obj_update latency.", Buckets: prometheus.DefBuckets, ConstLabels: labels,
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vos_fetch_duration_seconds", Help: "obj_fetch latency.", Buckets: prometheus.DefBuckets, ConstLabels: labels,
		}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vos_aggregation_duration_seconds", Help: "Aggregation pass latency.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60}, ConstLabels: labels,
		}),
		DiscardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "vos_discard_duration_seconds", Help: "Discard pass latency.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60}, ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.ObjectsOpen, m.HandlesOpen, m.UpdatesTotal, m.FetchesTotal, m.PunchesTotal,
		m.ConflictsTotal, m.DTXCommits, m.DTXAborts, m.DTXTimeouts,
		m.ArenaBytesInUse, m.ArenaBytesFree, m.BtreeNodeSplits, m.BtreeNodeMerges,
		m.BtreeCacheHits, m.BtreeCacheMisses, m.WALBytesWritten, m.WALReplays,
		m.UpdateDuration, m.FetchDuration, m.AggregationDuration, m.DiscardDuration,
	)
	return m
}

// Gather returns the current metric families for this pool, suitable for
// an embedding application to format however it likes (its own /metrics
// route, a log line, a test assertion).
func (m *PoolMetrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// Timer is a helper for timing operations: start a clock, observe elapsed
// seconds into a histogram when the operation completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
