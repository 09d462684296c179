package executor

import (
	"context"

	"github.com/makalaaneesh/isolation-harness/isolation"
)

// Database is the transactional engine a scenario drives. Calls never wait
// for locks: an operation that would wait returns isolation.ErrBlocked and is
// retried by the executor later.
type Database interface {
	BeginTx(ctx context.Context, level isolation.Level) (isolation.TxnID, error)
	// Get returns the value of key visible to the transaction.
	Get(ctx context.Context, txn isolation.TxnID, key string) (int64, error)
	// Write adds delta to key and returns the new value.
	Write(ctx context.Context, txn isolation.TxnID, key string, delta int64) (int64, error)
	Set(ctx context.Context, txn isolation.TxnID, key string, value int64) error
	Delete(ctx context.Context, txn isolation.TxnID, key string) error
	Commit(ctx context.Context, txn isolation.TxnID) error
	Rollback(ctx context.Context, txn isolation.TxnID) error
	// Seed installs committed data before the scenario runs.
	Seed(ctx context.Context, key string, value int64) error
	Close() error
}

// Configurable engines accept scenario options.
type Configurable interface {
	SetOption(name, value string) error
}

// Collector engines can reclaim old versions on request.
type Collector interface {
	GC(ctx context.Context) (int, error)
}

// Debugger engines can dump their internal state.
type Debugger interface {
	DebugString() string
}
