package db

import (
	"github.com/makalaaneesh/isolation-harness/isolation"
)

// Status is the lifecycle state of a transaction.
type Status int

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	default:
		return "aborted"
	}
}

// SafeValue implements redact.SafeValue.
func (Status) SafeValue() {}

// txn is the manager's record of one transaction.
type txn struct {
	id         isolation.TxnID
	level      isolation.Level
	status     Status
	snapshotTS isolation.Timestamp
	commitTS   isolation.Timestamp
	readSet    map[string]struct{}
	writeSet   map[string]struct{}
	// key of the lock the txn is blocked on, empty when running
	waitingOn string
	// deadlock error for a victim that was aborted while waiting, returned
	// by its next call
	abortErr error
}

func newTxn(id isolation.TxnID, level isolation.Level, snapshot isolation.Timestamp) *txn {
	return &txn{
		id:         id,
		level:      level,
		snapshotTS: snapshot,
		readSet:    make(map[string]struct{}),
		writeSet:   make(map[string]struct{}),
	}
}
