package mvcc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func committedAt(ts isolation.Timestamp) ReadPolicy {
	return ReadPolicy{Level: isolation.RepeatableRead, AsOf: ts}
}

func TestReadMissingKey(t *testing.T) {
	s := NewStore()
	_, err := s.Read("Alice", committedAt(10))
	require.True(t, errors.Is(err, isolation.ErrNotFound))
}

func TestUncommittedVisibility(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 1000)
	s.Write("Alice", 1100, 1)

	// read-uncommitted sees the pending version
	v, err := s.Read("Alice", ReadPolicy{Level: isolation.ReadUncommitted, Reader: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1100), v.Value)
	assert.False(t, v.Committed)

	// every other level does not
	for _, lvl := range []isolation.Level{isolation.ReadCommitted, isolation.RepeatableRead, isolation.Serializable} {
		v, err := s.Read("Alice", ReadPolicy{Level: lvl, Reader: 2, AsOf: 100})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), v.Value, lvl.String())
	}

	// the writer reads its own write
	v, err = s.Read("Alice", ReadPolicy{Level: isolation.ReadCommitted, Reader: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1100), v.Value)
}

func TestCommitAndAbort(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 1000)

	s.Write("Alice", 1100, 1)
	require.NoError(t, s.Finalize(1, Abort, 0))
	v, err := s.Read("Alice", ReadPolicy{Level: isolation.ReadUncommitted})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v.Value)
	assert.Len(t, s.Versions("Alice"), 1)

	s.Write("Alice", 970, 2)
	require.NoError(t, s.Finalize(2, Commit, 1))

	vs := s.Versions("Alice")
	require.Len(t, vs, 2)
	assert.Equal(t, isolation.Timestamp(1), vs[0].EndTS)
	assert.Equal(t, isolation.Timestamp(1), vs[1].BeginTS)
	assert.Equal(t, isolation.Timestamp(0), vs[1].EndTS)
	require.NoError(t, s.Verify())

	// a snapshot taken before the commit still sees the seed
	v, err = s.Read("Alice", committedAt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v.Value)
	v, err = s.Read("Alice", committedAt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(970), v.Value)
}

func TestAbortOfNewKeyRemovesRecord(t *testing.T) {
	s := NewStore()
	s.Write("Carol", 5, 1)
	assert.Equal(t, []string{"Carol"}, s.Keys())
	require.NoError(t, s.Finalize(1, Abort, 0))
	assert.Empty(t, s.Keys())
}

func TestRewriteReplacesOwnPendingVersion(t *testing.T) {
	s := NewStore()
	s.Seed("Bob", 500)
	s.Write("Bob", 550, 3)
	s.Write("Bob", 600, 3)
	assert.Len(t, s.Versions("Bob"), 2)

	v, err := s.Latest("Bob", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(600), v.Value)

	v, err = s.Latest("Bob", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(500), v.Value)
}

func TestDeleteIsATombstone(t *testing.T) {
	s := NewStore()
	s.Seed("Bob", 500)
	s.Delete("Bob", 1)

	_, err := s.Read("Bob", ReadPolicy{Level: isolation.ReadCommitted, Reader: 1, AsOf: 5})
	require.True(t, errors.Is(err, isolation.ErrNotFound))
	require.NoError(t, s.Finalize(1, Commit, 1))

	_, err = s.Read("Bob", committedAt(1))
	require.True(t, errors.Is(err, isolation.ErrNotFound))
	v, err := s.Read("Bob", committedAt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(500), v.Value)
}

// Once a younger committed version exists, a reader whose snapshot is at or
// after its commit never sees the older one again.
func TestNoResurrectionOfStaleVersions(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 0)
	for i := 1; i <= 20; i++ {
		txn := isolation.TxnID(i)
		s.Write("Alice", int64(i), txn)
		require.NoError(t, s.Finalize(txn, Commit, isolation.Timestamp(i)))

		for ts := isolation.Timestamp(i); ts <= isolation.Timestamp(i)+3; ts++ {
			for _, lvl := range []isolation.Level{isolation.ReadCommitted, isolation.RepeatableRead} {
				v, err := s.Read("Alice", ReadPolicy{Level: lvl, Reader: 100, AsOf: ts})
				require.NoError(t, err)
				require.Equal(t, int64(i), v.Value, "ts=%d level=%s", ts, lvl)
			}
		}
	}
	require.NoError(t, s.Verify())
}

func TestModifiedSince(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 1000)
	_, ok := s.ModifiedSince("Alice", 0, 9)
	assert.False(t, ok)

	s.Write("Alice", 970, 2)
	require.NoError(t, s.Finalize(2, Commit, 3))

	w, ok := s.ModifiedSince("Alice", 2, 9)
	assert.True(t, ok)
	assert.Equal(t, isolation.TxnID(2), w)

	_, ok = s.ModifiedSince("Alice", 3, 9)
	assert.False(t, ok)
	_, ok = s.ModifiedSince("Nobody", 0, 9)
	assert.False(t, ok)
}

func TestFinalizeRejectsNonMonotonicCommit(t *testing.T) {
	s := NewStore()
	s.Write("Alice", 1, 1)
	require.NoError(t, s.Finalize(1, Commit, 5))
	s.Write("Alice", 2, 2)
	err := s.Finalize(2, Commit, 5)
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestGC(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 1)
	for i := 1; i <= 3; i++ {
		s.Write("Alice", int64(i+1), isolation.TxnID(i))
		require.NoError(t, s.Finalize(isolation.TxnID(i), Commit, isolation.Timestamp(i)))
	}
	require.Len(t, s.Versions("Alice"), 4)

	// a snapshot at 2 still needs the version that began at 2
	assert.Equal(t, 2, s.GC(2))
	vs := s.Versions("Alice")
	require.Len(t, vs, 2)
	assert.Equal(t, int64(3), vs[0].Value)

	assert.Equal(t, 1, s.GC(10))
	vs = s.Versions("Alice")
	require.Len(t, vs, 1)
	assert.Equal(t, int64(4), vs[0].Value)
	require.NoError(t, s.Verify())
}

func TestStoreString(t *testing.T) {
	s := NewStore()
	s.Seed("Alice", 1000)
	s.Seed("Bob", 500)
	s.Write("Alice", 1100, 1)
	s.Delete("Bob", 2)
	assert.Equal(t, "Alice: 1000@0 1100@txn1?\nBob: 500@0 <deleted>@txn2?\n", s.String())
}

func TestVersionFormat(t *testing.T) {
	v := Version{Key: "Alice", Value: 5, Writer: 3, BeginTS: 2, EndTS: 4, Committed: true}
	assert.Equal(t, "Alice=5 by txn 3 [2,4)", v.String())
	v = Version{Key: "Alice", Tombstone: true, Writer: 4}
	assert.Equal(t, "Alice=<deleted> by txn 4 (pending)", v.String())
}
