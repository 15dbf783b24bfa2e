package xp

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the service's Prometheus collectors.
type Metrics struct {
	queueDepth   *prometheus.GaugeVec
	processed    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	requeued     prometheus.Counter
	levelChanges *prometheus.CounterVec
	syncedRows   prometheus.Counter
	syncFailures prometheus.Counter
	syncSeconds  prometheus.Histogram
	ledgers      prometheus.GaugeFunc
	memberLocks  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, residentLedgers, memberLocks func() float64) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "queue_depth",
			Help:      "Items waiting in each XP queue after the last drain.",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "items_processed_total",
			Help:      "Queue items applied by each worker.",
		}, []string{"worker"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "items_dropped_total",
			Help:      "Queue items dropped after a processing error.",
		}, []string{"worker"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "messages_requeued_total",
			Help:      "Message events put back because the member was busy.",
		}),
		levelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "level_changes_total",
			Help:      "Level changes by cause.",
		}, []string{"reason"}),
		syncedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "sync",
			Name:      "rows_written_total",
			Help:      "Member rows flushed to the store.",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "levelbot",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Flushes that failed and were rolled back to dirty.",
		}),
		syncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "levelbot",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Time spent writing dirty rows to the store.",
			Buckets:   prometheus.DefBuckets,
		}),
		ledgers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "resident_ledgers",
			Help:      "Guild ledgers held in memory.",
		}, residentLedgers),
		memberLocks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "levelbot",
			Subsystem: "xp",
			Name:      "member_locks",
			Help:      "Per-member locks created since start.",
		}, memberLocks),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.processed, m.dropped, m.requeued,
			m.levelChanges, m.syncedRows, m.syncFailures, m.syncSeconds,
			m.ledgers, m.memberLocks)
	}
	return m
}
