package db

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/btree"
	"github.com/makalaaneesh/isolation-harness/isolation"
)

// LockMode is the strength of a row lock.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "X"
	}
	return "S"
}

// compatible reports whether a lock in mode a can coexist with another
// transaction's lock in mode b.
func compatible(a, b LockMode) bool {
	return a == Shared && b == Shared
}

// lockState is the set of holders of one key.
type lockState struct {
	key     string
	holders map[isolation.TxnID]LockMode
}

var _ btree.Item = (*lockState)(nil)

func (l *lockState) Less(than btree.Item) bool {
	return l.key < than.(*lockState).key
}

// lockTable maps keys to their holders. Locks are held until the owning
// transaction finishes, except read-committed shared locks which are dropped
// at the end of the statement.
type lockTable struct {
	tree *btree.BTree
	// txn -> keys it holds any lock on
	held map[isolation.TxnID]map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		tree: btree.New(8),
		held: make(map[isolation.TxnID]map[string]struct{}),
	}
}

func (lt *lockTable) get(key string) *lockState {
	item := lt.tree.Get(&lockState{key: key})
	if item == nil {
		return nil
	}
	return item.(*lockState)
}

// conflicts returns, in ascending order, the other transactions whose locks
// on key prevent txn from taking it in mode.
func (lt *lockTable) conflicts(
	txn isolation.TxnID, key string, mode LockMode,
) []isolation.TxnID {
	ls := lt.get(key)
	if ls == nil {
		return nil
	}
	var out []isolation.TxnID
	for holder, held := range ls.holders {
		if holder != txn && !compatible(mode, held) {
			out = append(out, holder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tryAcquire grants txn a lock on key in mode if nothing conflicts. A held
// lock is only ever strengthened, never weakened.
func (lt *lockTable) tryAcquire(txn isolation.TxnID, key string, mode LockMode) bool {
	if len(lt.conflicts(txn, key, mode)) > 0 {
		return false
	}
	ls := lt.get(key)
	if ls == nil {
		ls = &lockState{key: key, holders: make(map[isolation.TxnID]LockMode)}
		lt.tree.ReplaceOrInsert(ls)
	}
	if cur, ok := ls.holders[txn]; !ok || cur < mode {
		ls.holders[txn] = mode
	}
	keys, ok := lt.held[txn]
	if !ok {
		keys = make(map[string]struct{})
		lt.held[txn] = keys
	}
	keys[key] = struct{}{}
	return true
}

// mode returns the lock txn holds on key, if any.
func (lt *lockTable) mode(txn isolation.TxnID, key string) (LockMode, bool) {
	ls := lt.get(key)
	if ls == nil {
		return 0, false
	}
	m, ok := ls.holders[txn]
	return m, ok
}

// release drops txn's lock on key.
func (lt *lockTable) release(txn isolation.TxnID, key string) {
	if ls := lt.get(key); ls != nil {
		delete(ls.holders, txn)
		if len(ls.holders) == 0 {
			lt.tree.Delete(ls)
		}
	}
	if keys, ok := lt.held[txn]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(lt.held, txn)
		}
	}
}

// releaseAll drops every lock txn holds.
func (lt *lockTable) releaseAll(txn isolation.TxnID) {
	for key := range lt.held[txn] {
		lt.release(txn, key)
	}
}

// String renders the table in key order, holders by txn id, e.g.
//
//	Alice: txn 1 X
//	Bob: txn 2 S, txn 3 S
func (lt *lockTable) String() string {
	var b strings.Builder
	lt.tree.Ascend(func(item btree.Item) bool {
		ls := item.(*lockState)
		ids := make([]isolation.TxnID, 0, len(ls.holders))
		for id := range ls.holders {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("txn %d %s", id, ls.holders[id])
		}
		fmt.Fprintf(&b, "%s: %s\n", ls.key, strings.Join(parts, ", "))
		return true
	})
	return b.String()
}
