// Package db is an in-memory transactional key/value engine. It layers
// transaction ids, snapshots, row locks, deadlock detection and commit-time
// validation over the multi-version store in package mvcc.
//
// Operations never block the calling goroutine. An operation that would have
// to wait for a lock returns isolation.ErrBlocked and must be retried once the
// holder has finished.
package db

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/mvcc"
	"github.com/makalaaneesh/isolation-harness/util/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Options tune the concurrency control of a Manager.
type Options struct {
	// LockingReads makes reads take shared locks at every level except
	// read-uncommitted. Serializable always reads with locks.
	LockingReads bool
	// Registerer receives the manager's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Manager owns every transaction of one in-memory database.
type Manager struct {
	mu sync.Mutex

	opts    Options
	store   *mvcc.Store
	locks   *lockTable
	waits   *waitForGraph
	txns    map[isolation.TxnID]*txn
	lastTxn isolation.TxnID
	// advanced by every commit
	clock isolation.Timestamp

	metrics *Metrics
}

// NewManager creates an empty database.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		store:   mvcc.NewStore(),
		locks:   newLockTable(),
		waits:   newWaitForGraph(),
		txns:    make(map[isolation.TxnID]*txn),
		metrics: NewMetrics(opts.Registerer),
	}
}

// Metrics returns the manager's counters.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// SetOption changes a named option. The only option is "locking-reads".
func (m *Manager) SetOption(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch name {
	case "locking-reads":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "option %s", name)
		}
		m.opts.LockingReads = b
		return nil
	default:
		return errors.Newf("unknown option %q", name)
	}
}

// Seed installs committed initial data.
func (m *Manager) Seed(ctx context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Seed(key, value)
	return nil
}

// BeginTx starts a transaction. Ids start at 1 and increase strictly.
func (m *Manager) BeginTx(ctx context.Context, level isolation.Level) (isolation.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTxn++
	t := newTxn(m.lastTxn, level, m.clock)
	m.txns[t.id] = t
	m.metrics.Begun.Inc()
	log.VEventf(log.WithTag(ctx, "txn", t.id), 2, "begin %s at ts %d", level, t.snapshotTS)
	return t.id, nil
}

// active returns the running transaction id. A deadlock victim that was
// aborted while waiting gets its deadlock error exactly once; every later
// call sees ErrTransactionClosed.
func (m *Manager) active(id isolation.TxnID) (*txn, error) {
	t, ok := m.txns[id]
	if !ok {
		return nil, errors.Newf("unknown transaction %d", id)
	}
	if t.status == Active {
		return t, nil
	}
	if err := t.abortErr; err != nil {
		t.abortErr = nil
		return nil, err
	}
	return nil, errors.Wrapf(isolation.ErrTransactionClosed, "txn %d is %s", id, t.status)
}

func (m *Manager) lockingReads(t *txn) bool {
	switch t.level {
	case isolation.ReadUncommitted:
		return false
	case isolation.Serializable:
		return true
	default:
		return m.opts.LockingReads
	}
}

func (m *Manager) readPolicy(t *txn) mvcc.ReadPolicy {
	p := mvcc.ReadPolicy{Level: t.level, Reader: t.id, AsOf: t.snapshotTS}
	if !t.level.UsesSnapshot() {
		p.AsOf = m.clock
	}
	return p
}

// Get reads key as seen by the transaction.
func (m *Manager) Get(ctx context.Context, id isolation.TxnID, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return 0, err
	}
	ctx = log.WithTag(ctx, "txn", id)

	locked := m.lockingReads(t)
	if locked {
		_, held := m.locks.mode(id, key)
		if err := m.acquire(ctx, t, key, Shared); err != nil {
			return 0, err
		}
		// read-committed drops a statement lock it did not already hold
		if t.level == isolation.ReadCommitted && !held {
			defer m.locks.release(id, key)
		}
	}

	t.readSet[key] = struct{}{}
	v, err := m.store.Read(key, m.readPolicy(t))
	if err != nil {
		return 0, err
	}
	if !v.Committed && v.Writer != id {
		log.VEventf(ctx, 2, "read %q=%d uncommitted by txn %d", key, v.Value, v.Writer)
	} else {
		log.VEventf(ctx, 3, "read %q=%d", key, v.Value)
	}
	return v.Value, nil
}

// Write adds delta to the current value of key and returns the new value.
// Like an SQL UPDATE it fails with ErrNotFound when there is no row.
func (m *Manager) Write(
	ctx context.Context, id isolation.TxnID, key string, delta int64,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return 0, err
	}
	ctx = log.WithTag(ctx, "txn", id)
	if err := m.acquire(ctx, t, key, Exclusive); err != nil {
		return 0, err
	}
	base, err := m.store.Latest(key, id)
	if err != nil {
		return 0, err
	}
	value := base.Value + delta
	m.store.Write(key, value, id)
	t.writeSet[key] = struct{}{}
	log.VEventf(ctx, 3, "write %q=%d", key, value)
	return value, nil
}

// Set writes an absolute value, creating key if needed.
func (m *Manager) Set(ctx context.Context, id isolation.TxnID, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return err
	}
	ctx = log.WithTag(ctx, "txn", id)
	if err := m.acquire(ctx, t, key, Exclusive); err != nil {
		return err
	}
	m.store.Write(key, value, id)
	t.writeSet[key] = struct{}{}
	log.VEventf(ctx, 3, "set %q=%d", key, value)
	return nil
}

// Delete removes key. Deleting a key that does not exist fails with
// ErrNotFound.
func (m *Manager) Delete(ctx context.Context, id isolation.TxnID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return err
	}
	ctx = log.WithTag(ctx, "txn", id)
	if err := m.acquire(ctx, t, key, Exclusive); err != nil {
		return err
	}
	if _, err := m.store.Latest(key, id); err != nil {
		return err
	}
	m.store.Delete(key, id)
	t.writeSet[key] = struct{}{}
	log.VEventf(ctx, 3, "delete %q", key)
	return nil
}

// acquire takes a lock on key for t or reports why it cannot. When waiting
// would close a cycle in the wait-for graph the youngest transaction of the
// cycle is aborted.
func (m *Manager) acquire(ctx context.Context, t *txn, key string, mode LockMode) error {
	for {
		if m.locks.tryAcquire(t.id, key, mode) {
			if t.waitingOn != "" {
				log.VEventf(ctx, 2, "acquired %s lock on %q after waiting", mode, key)
			}
			t.waitingOn = ""
			m.waits.setWaits(t.id, nil)
			return nil
		}

		holders := m.locks.conflicts(t.id, key, mode)
		m.waits.setWaits(t.id, holders)
		if t.waitingOn != key {
			m.metrics.LockWaits.Inc()
			log.VEventf(ctx, 2, "waiting for %s lock on %q held by %v", mode, key, holders)
		}
		t.waitingOn = key

		cycle := m.waits.findCycle(t.id)
		if cycle == nil {
			return errors.Wrapf(isolation.ErrBlocked,
				"txn %d waiting for %s lock on %q held by %v", t.id, mode, key, holders)
		}

		v := m.txns[victim(cycle)]
		m.metrics.Deadlocks.Inc()
		err := errors.WithDetailf(
			errors.Wrapf(isolation.ErrDeadlockDetected, "txn %d aborted", v.id),
			"wait-for cycle %v", cycle)
		log.Infof(ctx, "deadlock: cycle %v, aborting txn %d", cycle, v.id)
		if v == t {
			m.abort(t)
			return err
		}
		m.abort(v)
		v.abortErr = err
		// the victim's locks are gone; try again
	}
}

// Commit validates and commits the transaction. Snapshot transactions that
// wrote something fail with ErrSerializationConflict, and are aborted, when
// a key they read was changed by a transaction that committed after their
// snapshot.
func (m *Manager) Commit(ctx context.Context, id isolation.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return err
	}
	ctx = log.WithTag(ctx, "txn", id)
	if t.waitingOn != "" {
		return errors.Newf("txn %d cannot commit while waiting for a lock on %q", id, t.waitingOn)
	}

	if t.level.UsesSnapshot() && len(t.writeSet) > 0 {
		for _, key := range sortedKeys(t.readSet) {
			if w, ok := m.store.ModifiedSince(key, t.snapshotTS, id); ok {
				m.abort(t)
				m.metrics.SerializationConflicts.Inc()
				log.VEventf(ctx, 2, "validation failed on %q, changed by txn %d", key, w)
				return errors.Wrapf(isolation.ErrSerializationConflict,
					"txn %d read %q which txn %d changed after snapshot %d", id, key, w, t.snapshotTS)
			}
		}
	}

	m.clock++
	if err := m.store.Finalize(id, mvcc.Commit, m.clock); err != nil {
		return err
	}
	m.finish(t, Committed)
	t.commitTS = m.clock
	m.metrics.Committed.Inc()
	log.VEventf(ctx, 2, "committed at ts %d", t.commitTS)
	return nil
}

// Rollback aborts the transaction, discarding its writes.
func (m *Manager) Rollback(ctx context.Context, id isolation.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.active(id)
	if err != nil {
		return err
	}
	m.abort(t)
	log.VEventf(log.WithTag(ctx, "txn", id), 2, "rolled back")
	return nil
}

func (m *Manager) abort(t *txn) {
	// Abort cannot fail: it only drops pending versions.
	_ = m.store.Finalize(t.id, mvcc.Abort, 0)
	m.finish(t, Aborted)
	m.metrics.Aborted.Inc()
}

func (m *Manager) finish(t *txn, s Status) {
	t.status = s
	t.waitingOn = ""
	m.locks.releaseAll(t.id)
	m.waits.remove(t.id)
}

// Status returns the lifecycle state of a transaction.
func (m *Manager) Status(id isolation.TxnID) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return 0, false
	}
	return t.status, true
}

// GC drops versions that no active transaction can read any more and returns
// how many were dropped.
func (m *Manager) GC(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.clock
	for _, t := range m.txns {
		if t.status == Active && t.level.UsesSnapshot() && t.snapshotTS < oldest {
			oldest = t.snapshotTS
		}
	}
	n := m.store.GC(oldest)
	log.VEventf(ctx, 2, "gc below ts %d dropped %d versions", oldest, n)
	return n, nil
}

// DebugString dumps the versions, locks and waits.
func (m *Manager) DebugString() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("versions:\n%slocks:\n%swaits:\n%snext txn: %d, clock: %d\n",
		m.store, m.locks, m.waits, m.lastTxn+1, m.clock)
}

// Close releases nothing; it exists so a Manager can stand in for an
// external database.
func (m *Manager) Close() error {
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
