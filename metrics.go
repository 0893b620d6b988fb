package kvtable

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kvtable"

type metrics struct {
	ops              *prometheus.CounterVec
	indexWrites      *prometheus.CounterVec
	indexDeletes     *prometheus.CounterVec
	backfillRecords  *prometheus.CounterVec
	backfillDuration *prometheus.HistogramVec
	dangling         *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ops_total",
			Help:      "Record operations by table and kind.",
		}, []string{"table", "op"}),
		indexWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "entries_written_total",
			Help:      "Index entries added.",
		}, []string{"table", "field"}),
		indexDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "entries_deleted_total",
			Help:      "Index entries removed.",
		}, []string{"table", "field"}),
		backfillRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "backfill_records_total",
			Help:      "Records scanned by index backfills.",
		}, []string{"table", "field"}),
		backfillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "backfill_duration_seconds",
			Help:      "Wall time of complete index backfills.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 10, 30, 60, 300},
		}, []string{"table", "field"}),
		dangling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "index",
			Name:      "dangling_entries_total",
			Help:      "Index entries seen by lookups that no longer match a record.",
		}, []string{"table", "field"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_total",
			Help:      "Optimistic write attempts retried because the record changed.",
		}, []string{"table"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Decoded record cache lookups.",
		}, []string{"result"}),
	}
	if reg != nil {
		m.ops = registerCollector(reg, m.ops)
		m.indexWrites = registerCollector(reg, m.indexWrites)
		m.indexDeletes = registerCollector(reg, m.indexDeletes)
		m.backfillRecords = registerCollector(reg, m.backfillRecords)
		m.backfillDuration = registerCollector(reg, m.backfillDuration)
		m.dangling = registerCollector(reg, m.dangling)
		m.conflicts = registerCollector(reg, m.conflicts)
		m.cacheRequests = registerCollector(reg, m.cacheRequests)
	}
	return m
}

// registerCollector registers c, or returns the collector already registered
// under the same descriptors so that several databases can share a registry.
func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(err)
}

type countKey struct {
	vec  *prometheus.CounterVec
	a, b string
}

// count records an increment that is applied to vec when tx commits, so that
// rolled back attempts leave the counters untouched.
func (tx *Tx) count(vec *prometheus.CounterVec, a, b string, n int) {
	if n == 0 {
		return
	}
	if tx.counts == nil {
		tx.counts = make(map[countKey]int)
	}
	tx.counts[countKey{vec, a, b}] += n
}
