// Package mvcc is an in-memory multi-version key/value store. It knows about
// visibility but not about locks: callers serialise conflicting writers.
package mvcc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/tidwall/btree"
)

// Store holds every version of every key.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*record]
	// keys with a pending version, per writer
	pending map[isolation.TxnID]map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tree: btree.NewBTreeG(func(a, b *record) bool {
			return a.key < b.key
		}),
		pending: make(map[isolation.TxnID]map[string]struct{}),
	}
}

func (s *Store) get(key string) *record {
	r, _ := s.tree.Get(&record{key: key})
	return r
}

func (s *Store) getOrCreate(key string) *record {
	if r := s.get(key); r != nil {
		return r
	}
	r := &record{key: key}
	s.tree.Set(r)
	return r
}

// Seed installs committed data at timestamp zero, superseding nothing. It is
// meant for loading initial state before any transaction runs.
func (s *Store) Seed(key string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.getOrCreate(key)
	r.versions = append(r.versions[:0], &Version{Key: key, Value: value, Committed: true})
}

// Read returns the version of key visible under p.
func (s *Store) Read(key string, p ReadPolicy) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.get(key)
	if r == nil || len(r.versions) == 0 {
		return Version{}, notFound(key)
	}
	var v *Version
	if p.Level == isolation.ReadUncommitted {
		v = r.versions[len(r.versions)-1]
	} else if _, own := r.pendingOf(p.Reader); own != nil {
		v = own
	} else {
		for i := r.committedLen() - 1; i >= 0; i-- {
			if r.versions[i].BeginTS <= p.AsOf {
				v = r.versions[i]
				break
			}
		}
	}
	if v == nil || v.Tombstone {
		return Version{}, notFound(key)
	}
	return *v, nil
}

// Latest returns the current value of key for txn: its own pending version if
// it has one, else the newest committed version. Writes that apply a delta use
// it as their base.
func (s *Store) Latest(key string, txn isolation.TxnID) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.get(key)
	if r == nil {
		return Version{}, notFound(key)
	}
	v := r.latestCommitted()
	if _, own := r.pendingOf(txn); own != nil {
		v = own
	}
	if v == nil || v.Tombstone {
		return Version{}, notFound(key)
	}
	return *v, nil
}

// Write appends a pending version of key written by txn. A second write by
// the same txn replaces its earlier pending version.
func (s *Store) Write(key string, value int64, txn isolation.TxnID) VersionHandle {
	return s.put(&Version{Key: key, Value: value, Writer: txn})
}

// Delete appends a pending tombstone of key written by txn.
func (s *Store) Delete(key string, txn isolation.TxnID) VersionHandle {
	return s.put(&Version{Key: key, Tombstone: true, Writer: txn})
}

func (s *Store) put(v *Version) VersionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreate(v.Key)
	if i, _ := r.pendingOf(v.Writer); i >= 0 {
		r.versions = append(r.versions[:i], r.versions[i+1:]...)
	}
	r.versions = append(r.versions, v)

	keys, ok := s.pending[v.Writer]
	if !ok {
		keys = make(map[string]struct{})
		s.pending[v.Writer] = keys
	}
	keys[v.Key] = struct{}{}
	return VersionHandle{Key: v.Key, Writer: v.Writer}
}

// Finalize settles every pending version written by txn. On Commit they
// become visible at ts and supersede the previous committed versions; on
// Abort they are discarded. ts is ignored on Abort.
func (s *Store) Finalize(txn isolation.TxnID, outcome Outcome, ts isolation.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.pending[txn]
	delete(s.pending, txn)
	for _, key := range sortedKeys(keys) {
		r := s.get(key)
		i, v := r.pendingOf(txn)
		if v == nil {
			return errors.AssertionFailedf("txn %d has no pending version of %q", txn, key)
		}
		r.versions = append(r.versions[:i], r.versions[i+1:]...)
		if outcome == Abort {
			if len(r.versions) == 0 {
				s.tree.Delete(r)
			}
			continue
		}
		n := r.committedLen()
		if prev := r.latestCommitted(); prev != nil {
			if ts <= prev.BeginTS {
				return errors.AssertionFailedf(
					"commit ts %d of txn %d does not follow %d on %q", ts, txn, prev.BeginTS, key)
			}
			prev.EndTS = ts
		}
		v.BeginTS = ts
		v.Committed = true
		r.versions = append(r.versions, nil)
		copy(r.versions[n+1:], r.versions[n:])
		r.versions[n] = v
	}
	return nil
}

// ModifiedSince returns the writer of a version of key committed after ts by
// a transaction other than txn, if any.
func (s *Store) ModifiedSince(
	key string, ts isolation.Timestamp, txn isolation.TxnID,
) (isolation.TxnID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.get(key)
	if r == nil {
		return 0, false
	}
	for i := r.committedLen() - 1; i >= 0; i-- {
		v := r.versions[i]
		if v.BeginTS <= ts {
			break
		}
		if v.Writer != txn {
			return v.Writer, true
		}
	}
	return 0, false
}

// GC drops committed versions that ended at or before oldest, i.e. that no
// reader with a snapshot at or after oldest can see. The newest committed
// version of a key is always kept. It returns the number of versions dropped.
func (s *Store) GC(oldest isolation.Timestamp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	s.tree.Scan(func(r *record) bool {
		n := 0
		for n < len(r.versions) && r.versions[n].Committed &&
			r.versions[n].EndTS != 0 && r.versions[n].EndTS <= oldest {
			n++
		}
		if n > 0 {
			r.versions = append(r.versions[:0], r.versions[n:]...)
			dropped += n
		}
		return true
	})
	return dropped
}

// Versions returns a copy of the version chain of key.
func (s *Store) Versions(key string) []Version {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.get(key)
	if r == nil {
		return nil
	}
	out := make([]Version, len(r.versions))
	for i, v := range r.versions {
		out[i] = *v
	}
	return out
}

// Keys returns every key that has at least one version, in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	s.tree.Scan(func(r *record) bool {
		keys = append(keys, r.key)
		return true
	})
	return keys
}

// Verify checks the ordering and non-overlap invariants of every chain.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var err error
	s.tree.Scan(func(r *record) bool {
		n := r.committedLen()
		for i := 1; i < n; i++ {
			prev, cur := r.versions[i-1], r.versions[i]
			if cur.BeginTS <= prev.BeginTS {
				err = errors.AssertionFailedf("%q: version %d begins at %d, not after %d",
					r.key, i, cur.BeginTS, prev.BeginTS)
				return false
			}
			if prev.EndTS != cur.BeginTS {
				err = errors.AssertionFailedf("%q: version %d ends at %d, successor begins at %d",
					r.key, i-1, prev.EndTS, cur.BeginTS)
				return false
			}
		}
		if n > 0 && r.versions[n-1].EndTS != 0 {
			err = errors.AssertionFailedf("%q: newest committed version is closed", r.key)
			return false
		}
		for _, v := range r.versions[n:] {
			if v.Committed {
				err = errors.AssertionFailedf("%q: committed version after a pending one", r.key)
				return false
			}
		}
		return true
	})
	return err
}

// String renders every chain, one key per line.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	s.tree.Scan(func(r *record) bool {
		fmt.Fprintf(&b, "%s:", r.key)
		for _, v := range r.versions {
			b.WriteString(" ")
			if v.Tombstone {
				b.WriteString("<deleted>")
			} else {
				fmt.Fprintf(&b, "%d", v.Value)
			}
			if v.Committed {
				fmt.Fprintf(&b, "@%d", v.BeginTS)
			} else {
				fmt.Fprintf(&b, "@txn%d?", v.Writer)
			}
		}
		b.WriteString("\n")
		return true
	})
	return b.String()
}

func notFound(key string) error {
	return errors.Wrapf(isolation.ErrNotFound, "%q", key)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
