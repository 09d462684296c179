package mvcc

import (
	"github.com/cockroachdb/redact"
	"github.com/makalaaneesh/isolation-harness/isolation"
)

// Version is one immutable write of a key. BeginTS is the writer's commit
// timestamp and stays zero while the writer is pending. EndTS is zero while
// no later committed version supersedes this one.
type Version struct {
	Key       string
	Value     int64
	Tombstone bool
	Writer    isolation.TxnID
	BeginTS   isolation.Timestamp
	EndTS     isolation.Timestamp
	Committed bool
}

// VisibleAt reports whether a committed version is the live one at ts.
func (v *Version) VisibleAt(ts isolation.Timestamp) bool {
	return v.Committed && v.BeginTS <= ts && (v.EndTS == 0 || ts < v.EndTS)
}

// SafeFormat implements redact.SafeFormatter. Keys and values are user data.
func (v Version) SafeFormat(w redact.SafePrinter, _ rune) {
	if v.Tombstone {
		w.Printf("%s=<deleted>", v.Key)
	} else {
		w.Printf("%s=%d", v.Key, v.Value)
	}
	w.Printf(" by txn %d", v.Writer)
	if !v.Committed {
		w.SafeString(" (pending)")
		return
	}
	if v.EndTS == 0 {
		w.Printf(" [%d,∞)", v.BeginTS)
	} else {
		w.Printf(" [%d,%d)", v.BeginTS, v.EndTS)
	}
}

func (v Version) String() string {
	return redact.StringWithoutMarkers(v)
}

// VersionHandle names the pending version a write produced.
type VersionHandle struct {
	Key    string
	Writer isolation.TxnID
}

// ReadPolicy carries the reader's visibility rules into the store.
type ReadPolicy struct {
	Level  isolation.Level
	Reader isolation.TxnID
	// AsOf is the snapshot timestamp for snapshot levels and the current
	// clock for read-committed. Read-uncommitted ignores it.
	AsOf isolation.Timestamp
}

// Outcome is how a writer finished.
type Outcome int

const (
	Commit Outcome = iota
	Abort
)

// record holds the version chain of one key: committed versions ordered by
// BeginTS, followed by pending versions in write order.
type record struct {
	key      string
	versions []*Version
}

func (r *record) committedLen() int {
	n := 0
	for n < len(r.versions) && r.versions[n].Committed {
		n++
	}
	return n
}

func (r *record) pendingOf(txn isolation.TxnID) (int, *Version) {
	for i := r.committedLen(); i < len(r.versions); i++ {
		if r.versions[i].Writer == txn {
			return i, r.versions[i]
		}
	}
	return -1, nil
}

func (r *record) latestCommitted() *Version {
	if n := r.committedLen(); n > 0 {
		return r.versions[n-1]
	}
	return nil
}
