package isolation

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"read-uncommitted": ReadUncommitted,
		"READ UNCOMMITTED": ReadUncommitted,
		"read_committed":   ReadCommitted,
		"rr":               RepeatableRead,
		"Serializable":     Serializable,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("chaos")
	require.Error(t, err)
}

func TestLevelSQL(t *testing.T) {
	assert.Equal(t, "READ UNCOMMITTED", ReadUncommitted.SQL())
	assert.Equal(t, "REPEATABLE READ", RepeatableRead.SQL())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindDeadlockDetected, KindOf(errors.Wrapf(ErrDeadlockDetected, "txn %d", TxnID(2))))
	assert.Equal(t, KindBlocked, KindOf(ErrBlocked))
	assert.Equal(t, KindOther, KindOf(errors.New("boom")))

	marked := errors.Mark(errors.New("driver: 40001"), ErrSerializationConflict)
	assert.Equal(t, KindSerializationConflict, KindOf(marked))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("deadlockdetected")
	require.NoError(t, err)
	assert.Equal(t, KindDeadlockDetected, k)

	_, err = ParseKind("Nope")
	require.Error(t, err)
}
