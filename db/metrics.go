package db

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts transaction outcomes and concurrency-control events.
type Metrics struct {
	Begun                  prometheus.Counter
	Committed              prometheus.Counter
	Aborted                prometheus.Counter
	LockWaits              prometheus.Counter
	Deadlocks              prometheus.Counter
	SerializationConflicts prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "isoharness",
		Subsystem: "txn",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the manager counters and registers them with reg, which
// may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Begun:                  counter("begun_total", "Transactions started."),
		Committed:              counter("committed_total", "Transactions committed."),
		Aborted:                counter("aborted_total", "Transactions rolled back or aborted."),
		LockWaits:              counter("lock_waits_total", "Operations that had to wait for a lock."),
		Deadlocks:              counter("deadlocks_total", "Wait-for cycles broken by aborting a victim."),
		SerializationConflicts: counter("serialization_conflicts_total", "Commits rejected by read-set validation."),
	}
	if reg != nil {
		reg.MustRegister(m.Begun, m.Committed, m.Aborted, m.LockWaits, m.Deadlocks, m.SerializationConflicts)
	}
	return m
}
