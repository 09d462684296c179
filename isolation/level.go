// Package isolation holds the vocabulary shared by every transactional engine
// the harness can drive: isolation levels, transaction ids, logical timestamps
// and the error taxonomy.
package isolation

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Level is a transaction isolation level, loosest first.
type Level int

const (
	ReadUncommitted Level = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// DefaultLevel is the level a script starts with. It matches MySQL's default.
const DefaultLevel = RepeatableRead

var levelNames = [...]string{
	ReadUncommitted: "read-uncommitted",
	ReadCommitted:   "read-committed",
	RepeatableRead:  "repeatable-read",
	Serializable:    "serializable",
}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return "unknown"
	}
	return levelNames[l]
}

// SafeValue implements redact.SafeValue.
func (Level) SafeValue() {}

// SQL returns the level as written in SET TRANSACTION ISOLATION LEVEL.
func (l Level) SQL() string {
	return strings.ToUpper(strings.ReplaceAll(l.String(), "-", " "))
}

// UsesSnapshot reports whether reads see a snapshot fixed at begin.
func (l Level) UsesSnapshot() bool {
	return l >= RepeatableRead
}

// ParseLevel accepts "read-uncommitted", "READ UNCOMMITTED", "read_uncommitted",
// "ru" and friends.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "-", "_", "-").Replace(norm)
	switch norm {
	case "read-uncommitted", "ru":
		return ReadUncommitted, nil
	case "read-committed", "rc":
		return ReadCommitted, nil
	case "repeatable-read", "rr", "snapshot":
		return RepeatableRead, nil
	case "serializable", "ser":
		return Serializable, nil
	}
	return 0, errors.Newf("unknown isolation level %q", s)
}

// TxnID identifies a transaction. Ids are allocated in strictly increasing
// order, so a higher id always means a younger transaction.
type TxnID int64

// SafeValue implements redact.SafeValue.
func (TxnID) SafeValue() {}

// Timestamp is a logical commit clock reading.
type Timestamp uint64

// SafeValue implements redact.SafeValue.
func (Timestamp) SafeValue() {}
