package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/scenario"
)

// Status is the result of executing a step once.
type Status string

const (
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusUnfinished Status = "unfinished"
)

// Event records one execution of a step. A step that blocks has a blocked
// event followed, once it can proceed, by a resumed done or failed event.
type Event struct {
	Seq     int
	Step    int
	Session string
	Op      scenario.Op
	Key     string
	Arg     int64
	Level   isolation.Level
	TxnID   isolation.TxnID
	Status  Status
	// Value is set for completed reads and writes.
	Value    int64
	HasValue bool
	ErrKind  isolation.Kind
	ErrMsg   string
	// Resumed is set when the step ran later than its place in the script.
	Resumed bool
	Time    time.Time
}

// Failed reports whether the event ended in an error.
func (e Event) Failed() bool {
	return e.Status == StatusFailed
}

// String renders the event without its time, e.g.
//
//	#3 T2 read Alice txn=2 -> 1100
//	#6 T1 write Bob +100 txn=1 -> 600 (resumed)
func (e Event) String() string {
	s := scenario.Step{Session: e.Session, Op: e.Op, Key: e.Key, Arg: e.Arg}
	if e.Op == scenario.OpBegin {
		s.Level, s.HasLevel = e.Level, true
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", e.Step, s)
	if e.TxnID != 0 {
		fmt.Fprintf(&b, " txn=%d", e.TxnID)
	}
	b.WriteString(" -> ")
	switch e.Status {
	case StatusDone:
		if e.HasValue {
			fmt.Fprintf(&b, "%d", e.Value)
		} else {
			b.WriteString("ok")
		}
	case StatusFailed:
		fmt.Fprintf(&b, "error %s", e.ErrKind)
	default:
		b.WriteString(string(e.Status))
	}
	if e.Resumed {
		b.WriteString(" (resumed)")
	}
	return b.String()
}

// Trace is everything observed while running a scenario.
type Trace struct {
	Scenario string
	Seeds    []scenario.Seed
	Steps    []scenario.Step
	Events   []Event
}

// Outcome returns the last event of step i, skipping the implicit begin a
// session's first statement records.
func (t *Trace) Outcome(i int) (Event, bool) {
	var out Event
	found := false
	for _, e := range t.Events {
		if e.Step == i && e.Op == t.Steps[i].Op {
			out, found = e, true
		}
	}
	return out, found
}

// Blocked reports whether step i had to wait when first issued.
func (t *Trace) Blocked(i int) bool {
	for _, e := range t.Events {
		if e.Step == i && e.Status == StatusBlocked {
			return true
		}
	}
	return false
}

func (t *Trace) String() string {
	var b strings.Builder
	for _, e := range t.Events {
		b.WriteString(e.String())
		b.WriteString("\n")
	}
	return b.String()
}

var ignoreTime = cmpopts.IgnoreFields(Event{}, "Time")

// traceFields has Trace's fields but not its Equal method, which cmp would
// otherwise call back into.
type traceFields Trace

// Equal reports whether two traces match in everything but event times.
func (t *Trace) Equal(o *Trace) bool {
	return cmp.Equal((*traceFields)(t), (*traceFields)(o), ignoreTime)
}

// Diff describes how o differs from t, ignoring event times.
func (t *Trace) Diff(o *Trace) string {
	return cmp.Diff((*traceFields)(t), (*traceFields)(o), ignoreTime)
}
