// Package anomalytest checks traces for isolation anomalies. Predicates are
// pure functions of a trace, so the same checks apply to every engine.
package anomalytest

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/scenario"
)

// Result is the verdict of one check. Step is the step index the verdict
// points at, or -1.
type Result struct {
	Name   string
	Pass   bool
	Step   int
	Detail string
}

func (r Result) String() string {
	verdict := "PASS"
	if !r.Pass {
		verdict = "FAIL"
	}
	if r.Step >= 0 {
		return fmt.Sprintf("%s %s at step #%d: %s", verdict, r.Name, r.Step, r.Detail)
	}
	return fmt.Sprintf("%s %s: %s", verdict, r.Name, r.Detail)
}

// filter narrows a predicate to one key and/or one session.
type filter struct {
	key     string
	session string
}

func (f filter) match(e executor.Event) bool {
	return (f.key == "" || e.Key == "" || e.Key == f.key) &&
		(f.session == "" || e.Session == f.session)
}

// finding is what a predicate looks for. found reports whether it occurred,
// at which step, and describes it either way.
type finding func(t *executor.Trace, f filter) (found bool, step int, detail string)

type predicate struct {
	find finding
	// the predicate passes when the finding is absent
	absent bool
}

var predicates = map[string]predicate{
	"dirty_read_observed":             {find: dirtyRead},
	"non_repeatable_read_observed":    {find: nonRepeatableRead},
	"lost_update_prevented":           {find: lostUpdate, absent: true},
	"deadlock_detected":               {find: failedWith(isolation.KindDeadlockDetected)},
	"serialization_conflict_detected": {find: failedWith(isolation.KindSerializationConflict)},
}

// Predicates lists the predicate names Expect accepts.
func Predicates() []string {
	names := make([]string, 0, len(predicates))
	for n := range predicates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Expect evaluates a named predicate over trace. args may narrow it with
// key= and session=, and want=false asserts that the predicate does not hold.
func Expect(trace *executor.Trace, name string, args map[string]string) (Result, error) {
	p, ok := predicates[name]
	if !ok {
		return Result{}, errors.Newf("unknown predicate %q", name)
	}
	want := true
	var f filter
	for k, v := range args {
		switch k {
		case "key":
			f.key = v
		case "session":
			f.session = v
		case "want":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Result{}, errors.Wrapf(err, "%s want=%s", name, v)
			}
			want = b
		default:
			return Result{}, errors.Newf("%s: unknown argument %q", name, k)
		}
	}

	found, step, detail := p.find(trace, f)
	holds := found != p.absent
	return Result{
		Name:   scenario.Expectation{Predicate: name, Args: args}.String(),
		Pass:   holds == want,
		Step:   step,
		Detail: detail,
	}, nil
}

// committedState replays commits and aborts of a trace so predicates can ask
// which values were committed or pending at any event.
type committedState struct {
	committed map[string]int64
	// txn -> key -> pending value; deletes are not tracked
	pending map[isolation.TxnID]map[string]int64
}

func newCommittedState(t *executor.Trace) *committedState {
	s := &committedState{
		committed: make(map[string]int64),
		pending:   make(map[isolation.TxnID]map[string]int64),
	}
	for _, seed := range t.Seeds {
		s.committed[seed.Key] = seed.Value
	}
	return s
}

func (s *committedState) apply(e executor.Event) {
	if e.Status != executor.StatusDone && e.Status != executor.StatusFailed {
		return
	}
	if e.Status == executor.StatusFailed {
		switch e.ErrKind {
		case isolation.KindDeadlockDetected, isolation.KindSerializationConflict:
			delete(s.pending, e.TxnID)
		}
		return
	}
	switch e.Op {
	case scenario.OpWrite, scenario.OpSet:
		v := e.Value
		if e.Op == scenario.OpSet {
			v = e.Arg
		}
		if s.pending[e.TxnID] == nil {
			s.pending[e.TxnID] = make(map[string]int64)
		}
		s.pending[e.TxnID][e.Key] = v
	case scenario.OpDelete:
		delete(s.pending[e.TxnID], e.Key)
	case scenario.OpCommit:
		for k, v := range s.pending[e.TxnID] {
			s.committed[k] = v
		}
		delete(s.pending, e.TxnID)
	case scenario.OpRollback:
		delete(s.pending, e.TxnID)
	}
}

// writerOf returns an uncommitted writer other than reader whose pending value
// of key is v.
func (s *committedState) writerOf(key string, v int64, reader isolation.TxnID) (isolation.TxnID, bool) {
	var ids []isolation.TxnID
	for id, kv := range s.pending {
		if pv, ok := kv[key]; ok && pv == v && id != reader {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], true
}

func isRead(e executor.Event) bool {
	return e.Op == scenario.OpRead && e.Status == executor.StatusDone && e.HasValue
}

// dirtyRead looks for a read returning a value that another transaction had
// written but not committed, and that differs from the committed value.
func dirtyRead(t *executor.Trace, f filter) (bool, int, string) {
	s := newCommittedState(t)
	for _, e := range t.Events {
		if isRead(e) && f.match(e) {
			if c, ok := s.committed[e.Key]; !ok || c != e.Value {
				if w, ok := s.writerOf(e.Key, e.Value, e.TxnID); ok {
					return true, e.Step, fmt.Sprintf("%s read %s=%d written by uncommitted txn %d",
						e.Session, e.Key, e.Value, w)
				}
			}
		}
		s.apply(e)
	}
	return false, -1, "no read observed an uncommitted value"
}

// nonRepeatableRead looks for a transaction that read a key twice, without
// writing it in between, and got different values.
func nonRepeatableRead(t *executor.Trace, f filter) (bool, int, string) {
	type readKey struct {
		txn isolation.TxnID
		key string
	}
	last := make(map[readKey]int64)
	for _, e := range t.Events {
		if e.Status != executor.StatusDone {
			continue
		}
		k := readKey{e.TxnID, e.Key}
		switch e.Op {
		case scenario.OpWrite, scenario.OpSet, scenario.OpDelete:
			delete(last, k)
		case scenario.OpRead:
			if !e.HasValue {
				continue
			}
			if prev, ok := last[k]; ok && prev != e.Value && f.match(e) {
				return true, e.Step, fmt.Sprintf("%s read %s=%d, then %d in txn %d",
					e.Session, e.Key, prev, e.Value, e.TxnID)
			}
			last[k] = e.Value
		}
	}
	return false, -1, "every repeated read returned the same value"
}

// lostUpdate looks for committed transactions T1 and T2 with the history
// r1[x] ... w2[x] ... c2 ... w1[x] ... c1, where w1 is an absolute write. A
// delta write applies to the current value and cannot lose an update.
func lostUpdate(t *executor.Trace, f filter) (bool, int, string) {
	type txnInfo struct {
		session  string
		reads    map[string]int // key -> seq of first read
		writes   map[string][]int
		blind    map[string][]int // absolute writes only
		commitAt int
	}
	txns := make(map[isolation.TxnID]*txnInfo)
	var order []isolation.TxnID
	info := func(e executor.Event) *txnInfo {
		ti, ok := txns[e.TxnID]
		if !ok {
			ti = &txnInfo{
				session:  e.Session,
				reads:    make(map[string]int),
				writes:   make(map[string][]int),
				blind:    make(map[string][]int),
				commitAt: -1,
			}
			txns[e.TxnID] = ti
			order = append(order, e.TxnID)
		}
		return ti
	}
	steps := make(map[int]int) // seq -> step
	for _, e := range t.Events {
		if e.Status != executor.StatusDone || e.TxnID == 0 {
			continue
		}
		steps[e.Seq] = e.Step
		ti := info(e)
		switch e.Op {
		case scenario.OpRead:
			if _, ok := ti.reads[e.Key]; !ok {
				ti.reads[e.Key] = e.Seq
			}
		case scenario.OpWrite:
			ti.writes[e.Key] = append(ti.writes[e.Key], e.Seq)
		case scenario.OpSet, scenario.OpDelete:
			ti.writes[e.Key] = append(ti.writes[e.Key], e.Seq)
			ti.blind[e.Key] = append(ti.blind[e.Key], e.Seq)
		case scenario.OpCommit:
			ti.commitAt = e.Seq
		}
	}

	for _, id1 := range order {
		t1 := txns[id1]
		if t1.commitAt < 0 {
			continue
		}
		for _, key := range sortedKeys(t1.reads) {
			r1 := t1.reads[key]
			if f.key != "" && key != f.key {
				continue
			}
			if f.session != "" && t1.session != f.session {
				continue
			}
			for _, id2 := range order {
				t2 := txns[id2]
				if id2 == id1 || t2.commitAt < 0 {
					continue
				}
				if !anyBetween(t2.writes[key], r1, t2.commitAt) {
					continue
				}
				for _, w1 := range t1.blind[key] {
					if w1 > t2.commitAt && w1 < t1.commitAt {
						return true, steps[t1.commitAt], fmt.Sprintf(
							"txn %d overwrote %s after txn %d committed its update, based on a read from before it",
							id1, key, id2)
					}
				}
			}
		}
	}
	return false, -1, "no committed transaction overwrote an update it had not seen"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyBetween(seqs []int, lo, hi int) bool {
	for _, s := range seqs {
		if s > lo && s < hi {
			return true
		}
	}
	return false
}

func failedWith(kind isolation.Kind) finding {
	return func(t *executor.Trace, f filter) (bool, int, string) {
		for _, e := range t.Events {
			if e.Failed() && e.ErrKind == kind && f.match(e) {
				return true, e.Step, fmt.Sprintf("%s %s failed: %s", e.Session, e.Op, e.ErrMsg)
			}
		}
		return false, -1, fmt.Sprintf("no step failed with %s", kind)
	}
}
