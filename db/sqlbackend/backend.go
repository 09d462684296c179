// Package sqlbackend drives a real SQL database through the same interface as
// the in-memory engine, so scenarios can be replayed against MySQL or
// PostgreSQL and the traces compared.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/db"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/util/log"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBlockProbe is used when Options.BlockProbe is zero.
const DefaultBlockProbe = 250 * time.Millisecond

type Options struct {
	Dialect Dialect
	DSN     string
	// BlockProbe is how long a statement may run before the call returns
	// isolation.ErrBlocked. The statement keeps running and a retry of the
	// same operation picks up its result.
	BlockProbe   time.Duration
	LockingReads bool
	Registerer   prometheus.Registerer
}

type result struct {
	value int64
	err   error
}

// statement is one operation running on a transaction's connection.
type statement struct {
	label string
	done  chan result
}

type txn struct {
	id      isolation.TxnID
	level   isolation.Level
	conn    *sql.Conn
	tx      *sql.Tx
	closed  bool
	running *statement
}

// Backend implements the harness database interface on top of database/sql.
// Every transaction holds its own connection.
type Backend struct {
	opts    Options
	db      *sql.DB
	metrics *db.Metrics

	// stmtCtx outlives individual calls; statements reported as blocked keep
	// running on it until Close.
	stmtCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	nextID isolation.TxnID
	txns   map[isolation.TxnID]*txn
}

// Open connects to the database, creates the accounts table if needed and
// empties it.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.BlockProbe == 0 {
		opts.BlockProbe = DefaultBlockProbe
	}
	sqlDB, err := sql.Open(opts.Dialect.Driver, opts.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", opts.Dialect.Name)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrapf(translate(err), "connecting to %s", opts.Dialect.Name)
	}
	for _, stmt := range []string{opts.Dialect.CreateTable, opts.Dialect.Truncate} {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Wrapf(translate(err), "preparing accounts table")
		}
	}
	stmtCtx, cancel := context.WithCancel(context.Background())
	log.Infof(ctx, "connected to %s", opts.Dialect.Name)
	return &Backend{
		opts:    opts,
		db:      sqlDB,
		metrics: db.NewMetrics(opts.Registerer),
		stmtCtx: stmtCtx,
		cancel:  cancel,
		txns:    map[isolation.TxnID]*txn{},
	}, nil
}

// Metrics returns the backend's counters.
func (b *Backend) Metrics() *db.Metrics {
	return b.metrics
}

// SetOption changes a named option. The only option is "locking-reads".
func (b *Backend) SetOption(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch name {
	case "locking-reads":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "option %s", name)
		}
		b.opts.LockingReads = v
		return nil
	default:
		return errors.Newf("unknown option %q", name)
	}
}

// Seed upserts a committed balance outside any harness transaction.
func (b *Backend) Seed(ctx context.Context, key string, value int64) error {
	_, err := b.db.ExecContext(ctx, b.opts.Dialect.Upsert, key, value)
	return errors.Wrapf(translate(err), "seeding %s", key)
}

func txOptions(level isolation.Level) *sql.TxOptions {
	switch level {
	case isolation.ReadUncommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadUncommitted}
	case isolation.ReadCommitted:
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	case isolation.RepeatableRead:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	default:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
}

func (b *Backend) BeginTx(ctx context.Context, level isolation.Level) (isolation.TxnID, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return 0, errors.Wrap(translate(err), "acquiring connection")
	}
	tx, err := conn.BeginTx(ctx, txOptions(level))
	if err != nil {
		_ = conn.Close()
		return 0, errors.Wrapf(translate(err), "begin %s", level)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	t := &txn{id: b.nextID, level: level, conn: conn, tx: tx}
	b.txns[t.id] = t
	b.metrics.Begun.Inc()
	log.VEventf(ctx, 2, "txn %d began at %s", t.id, level)
	return t.id, nil
}

func (b *Backend) lookup(id isolation.TxnID) (*txn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.txns[id]
	if !ok || t.closed {
		return nil, errors.Wrapf(isolation.ErrTransactionClosed, "txn %d", id)
	}
	return t, nil
}

// run starts fn on the transaction's connection, or resumes waiting for the
// statement already running under the same label.
func (b *Backend) run(
	ctx context.Context, id isolation.TxnID, label string, fn func(ctx context.Context, tx *sql.Tx) (int64, error),
) (int64, error) {
	t, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	if t.running == nil {
		s := &statement{label: label, done: make(chan result, 1)}
		t.running = s
		go func() {
			v, err := fn(b.stmtCtx, t.tx)
			s.done <- result{value: v, err: err}
		}()
	} else if t.running.label != label {
		return 0, errors.AssertionFailedf("txn %d: %s issued while %s is still running", id, label, t.running.label)
	}

	timer := time.NewTimer(b.opts.BlockProbe)
	defer timer.Stop()
	select {
	case r := <-t.running.done:
		t.running = nil
		return r.value, b.settle(ctx, t, label, r.err)
	case <-timer.C:
		b.metrics.LockWaits.Inc()
		log.VEventf(ctx, 2, "txn %d: %s still running after %s", id, label, b.opts.BlockProbe)
		return 0, errors.Wrapf(isolation.ErrBlocked, "txn %d: %s", id, label)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// settle translates a statement error and closes the transaction if the
// database aborted it.
func (b *Backend) settle(ctx context.Context, t *txn, label string, err error) error {
	err = translate(err)
	if err == nil || !aborts(err) {
		return errors.Wrapf(err, "txn %d: %s", t.id, label)
	}
	switch {
	case errors.Is(err, isolation.ErrDeadlockDetected):
		b.metrics.Deadlocks.Inc()
	case errors.Is(err, isolation.ErrSerializationConflict):
		b.metrics.SerializationConflicts.Inc()
	}
	log.Infof(ctx, "txn %d aborted by %s: %v", t.id, b.opts.Dialect.Name, err)
	_ = t.tx.Rollback()
	b.close(t)
	b.metrics.Aborted.Inc()
	return errors.Wrapf(err, "txn %d: %s", t.id, label)
}

func (b *Backend) close(t *txn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.closed = true
	_ = t.conn.Close()
}

func (b *Backend) selectStmt(t *txn) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opts.LockingReads && t.level != isolation.ReadUncommitted {
		return b.opts.Dialect.SelectShared
	}
	return b.opts.Dialect.Select
}

func (b *Backend) Get(ctx context.Context, id isolation.TxnID, key string) (int64, error) {
	t, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	q := b.selectStmt(t)
	return b.run(ctx, id, "read "+key, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		var v int64
		err := tx.QueryRowContext(ctx, q, key).Scan(&v)
		return v, err
	})
}

// Write adds delta in place and reads the new balance back. A missing row
// reads back as sql.ErrNoRows, which becomes ErrNotFound.
func (b *Backend) Write(ctx context.Context, id isolation.TxnID, key string, delta int64) (int64, error) {
	d := b.opts.Dialect
	return b.run(ctx, id, fmt.Sprintf("write %s %+d", key, delta), func(ctx context.Context, tx *sql.Tx) (int64, error) {
		if _, err := tx.ExecContext(ctx, d.AddDelta, delta, key); err != nil {
			return 0, err
		}
		var v int64
		err := tx.QueryRowContext(ctx, d.Select, key).Scan(&v)
		return v, err
	})
}

func (b *Backend) Set(ctx context.Context, id isolation.TxnID, key string, value int64) error {
	q := b.opts.Dialect.Upsert
	_, err := b.run(ctx, id, fmt.Sprintf("set %s %d", key, value), func(ctx context.Context, tx *sql.Tx) (int64, error) {
		_, err := tx.ExecContext(ctx, q, key, value)
		return 0, err
	})
	return err
}

func (b *Backend) Delete(ctx context.Context, id isolation.TxnID, key string) error {
	q := b.opts.Dialect.Delete
	_, err := b.run(ctx, id, "delete "+key, func(ctx context.Context, tx *sql.Tx) (int64, error) {
		res, err := tx.ExecContext(ctx, q, key)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, sql.ErrNoRows
		}
		return n, nil
	})
	return err
}

func (b *Backend) Commit(ctx context.Context, id isolation.TxnID) error {
	_, err := b.run(ctx, id, "commit", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		return 0, tx.Commit()
	})
	return b.finish(id, err, b.metrics.Committed)
}

func (b *Backend) Rollback(ctx context.Context, id isolation.TxnID) error {
	_, err := b.run(ctx, id, "rollback", func(ctx context.Context, tx *sql.Tx) (int64, error) {
		return 0, tx.Rollback()
	})
	return b.finish(id, err, b.metrics.Aborted)
}

// finish releases the connection of a transaction that committed or rolled
// back and counts the outcome in c. Blocked and already-closed transactions
// are left alone.
func (b *Backend) finish(id isolation.TxnID, err error, c prometheus.Counter) error {
	if errors.Is(err, isolation.ErrBlocked) || errors.Is(err, isolation.ErrTransactionClosed) {
		return err
	}
	b.mu.Lock()
	t := b.txns[id]
	b.mu.Unlock()
	if t == nil || t.running != nil {
		return err
	}
	if aborts(err) {
		return err
	}
	b.close(t)
	if err == nil {
		c.Inc()
	} else {
		// a failed commit or rollback still ends the transaction
		b.metrics.Aborted.Inc()
	}
	return err
}

// DebugString lists committed balances and the open transactions.
func (b *Backend) DebugString() string {
	var sb strings.Builder
	sb.WriteString("accounts:\n")
	rows, err := b.db.QueryContext(b.stmtCtx, "SELECT name, balance FROM accounts ORDER BY name")
	if err != nil {
		fmt.Fprintf(&sb, "  error: %v\n", err)
	} else {
		for rows.Next() {
			var name string
			var balance int64
			if err := rows.Scan(&name, &balance); err != nil {
				fmt.Fprintf(&sb, "  error: %v\n", err)
				break
			}
			fmt.Fprintf(&sb, "  %s: %d\n", name, balance)
		}
		_ = rows.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]isolation.TxnID, 0, len(b.txns))
	for id, t := range b.txns {
		if !t.closed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sb.WriteString("open:\n")
	for _, id := range ids {
		t := b.txns[id]
		fmt.Fprintf(&sb, "  txn %d %s", id, t.level)
		if t.running != nil {
			fmt.Fprintf(&sb, " running %q", t.running.label)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Close rolls back open transactions, cancels running statements and closes
// the pool.
func (b *Backend) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, t := range b.txns {
		if !t.closed {
			if t.running == nil {
				_ = t.tx.Rollback()
			}
			t.closed = true
			_ = t.conn.Close()
		}
	}
	b.mu.Unlock()
	return b.db.Close()
}
