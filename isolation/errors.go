package isolation

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransactionClosed is returned for any operation on a transaction that
	// already committed or aborted.
	ErrTransactionClosed = errors.New("transaction closed")
	// ErrDeadlockDetected is returned to the victim of a wait-for cycle. The
	// victim is aborted before the error is returned.
	ErrDeadlockDetected = errors.New("deadlock detected")
	// ErrSerializationConflict is returned by commit when validation fails.
	// The transaction is aborted.
	ErrSerializationConflict = errors.New("serialization conflict")
	// ErrNotFound is returned when no visible version of a key exists.
	ErrNotFound = errors.New("key not found")
	// ErrBackendUnavailable is returned when an external store cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrBlocked is not a failure: the operation is waiting on a lock and must
	// be retried once the holder finishes.
	ErrBlocked = errors.New("blocked on lock")
)

// Kind names an error class as it appears in traces and scenario files.
type Kind string

const (
	KindNone                  Kind = ""
	KindTransactionClosed     Kind = "TransactionClosed"
	KindDeadlockDetected      Kind = "DeadlockDetected"
	KindSerializationConflict Kind = "SerializationConflict"
	KindNotFound              Kind = "NotFound"
	KindBackendUnavailable    Kind = "BackendUnavailable"
	KindBlocked               Kind = "Blocked"
	KindOther                 Kind = "Error"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrTransactionClosed, KindTransactionClosed},
	{ErrDeadlockDetected, KindDeadlockDetected},
	{ErrSerializationConflict, KindSerializationConflict},
	{ErrNotFound, KindNotFound},
	{ErrBackendUnavailable, KindBackendUnavailable},
	{ErrBlocked, KindBlocked},
}

// KindOf classifies err. Errors outside the taxonomy map to KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindOther
}

// ParseKind resolves a kind name written in a scenario file. Matching is
// case-insensitive.
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if strings.EqualFold(string(k.kind), s) {
			return k.kind, nil
		}
	}
	if strings.EqualFold(string(KindOther), s) {
		return KindOther, nil
	}
	return KindNone, errors.Newf("unknown error kind %q", s)
}
