package otcore

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the counters/gauges/histograms the persistence core
// exposes, registered against a caller-supplied [prometheus.Registry] —
// never the global default registry, so an embedder can run more than one
// instance of this package in the same process without metric name
// collisions (§9's "no ambient singletons" ambient-stack requirement).
type Metrics struct {
	Allocations      prometheus.Counter
	Retires          prometheus.Counter
	Reclaims         prometheus.Counter
	TableFull        prometheus.Counter
	CheckpointTotal  prometheus.Counter
	CheckpointMillis prometheus.Histogram
	WALBytesWritten  prometheus.Counter
	Rotations        prometheus.Counter
	LogsGCed         prometheus.Counter
	CoordinatorTicks *prometheus.CounterVec
	GroupCommitBatch prometheus.Histogram
}

// NewMetrics constructs and registers a Metrics set on reg. namespace/
// subsystem follow the usual Prometheus naming convention
// ("{namespace}_{subsystem}_{name}"), e.g. namespace="xtree",
// subsystem="otcore".
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "allocations_total",
			Help: "Handles allocated from the Object Table.",
		}),
		Retires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "retires_total",
			Help: "Handles retired.",
		}),
		Reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "reclaims_total",
			Help: "Handles reclaimed and returned to the free pool.",
		}),
		TableFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "table_full_total",
			Help: "Allocate calls that failed because the table reached its configured capacity.",
		}),
		CheckpointTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "checkpoints_total",
			Help: "Checkpoints written.",
		}),
		CheckpointMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "checkpoint_millis",
			Help:    "Wall-clock duration of a checkpoint write.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "wal_bytes_written_total",
			Help: "Bytes appended to delta logs.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "rotations_total",
			Help: "Delta log rotations performed.",
		}),
		LogsGCed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "logs_gced_total",
			Help: "Delta log files deleted by log GC.",
		}),
		CoordinatorTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "coordinator_ticks_total",
			Help: "Coordinator quantum ticks, by decided action.",
		}, []string{"action"}),
		GroupCommitBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "group_commit_batch_size",
			Help:    "Number of callers (the leader plus its waiters) folded into one group-commit sync.",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		}),
	}

	reg.MustRegister(
		m.Allocations, m.Retires, m.Reclaims, m.TableFull,
		m.CheckpointTotal, m.CheckpointMillis, m.WALBytesWritten,
		m.Rotations, m.LogsGCed, m.CoordinatorTicks, m.GroupCommitBatch,
	)

	return m
}
