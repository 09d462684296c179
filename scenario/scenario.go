// Package scenario defines scripted interleavings of transactional sessions
// and reads them from text or YAML files.
package scenario

import (
	"fmt"
	"strings"

	"github.com/makalaaneesh/isolation-harness/isolation"
)

// Op is the operation of a step.
type Op string

const (
	OpBegin    Op = "begin"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpYield    Op = "yield"
	OpGC       Op = "gc"
)

// NeedsTxn reports whether the op runs inside the session's transaction.
func (o Op) NeedsTxn() bool {
	switch o {
	case OpBegin, OpYield, OpGC:
		return false
	}
	return true
}

// Step is one scripted operation of a session.
type Step struct {
	Session string
	Op      Op
	Key     string
	// Arg is the delta of a write or the value of a set.
	Arg int64
	// Level is the isolation level named by a begin, if any.
	Level    isolation.Level
	HasLevel bool
	// Expect is the outcome the script asserts for this step, if any.
	Expect *Outcome
	// Line is the 1-based source line, zero when built in code.
	Line int
}

// String renders the step in the line format, without its expectation.
func (s Step) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Session, s.Op)
	switch s.Op {
	case OpBegin:
		if s.HasLevel {
			fmt.Fprintf(&b, " %s", s.Level)
		}
	case OpRead, OpDelete:
		fmt.Fprintf(&b, " %s", s.Key)
	case OpWrite:
		fmt.Fprintf(&b, " %s %+d", s.Key, s.Arg)
	case OpSet:
		fmt.Fprintf(&b, " %s %d", s.Key, s.Arg)
	}
	return b.String()
}

// OutcomeKind says what an expected outcome checks.
type OutcomeKind int

const (
	// ExpectValue: the step completed and returned Value.
	ExpectValue OutcomeKind = iota
	// ExpectOK: the step completed.
	ExpectOK
	// ExpectBlocked: the step had to wait for a lock when first issued.
	ExpectBlocked
	// ExpectError: the step failed with Err.
	ExpectError
)

// Outcome is the expected result of a step.
type Outcome struct {
	Kind  OutcomeKind
	Value int64
	Err   isolation.Kind
}

func (o Outcome) String() string {
	switch o.Kind {
	case ExpectValue:
		return fmt.Sprint(o.Value)
	case ExpectOK:
		return "ok"
	case ExpectBlocked:
		return "blocked"
	default:
		if o.Err == isolation.KindNotFound {
			return "notfound"
		}
		return "error " + string(o.Err)
	}
}

// Seed is an initial committed key/value.
type Seed struct {
	Key   string
	Value int64
}

// Option is an engine setting, e.g. locking-reads=true.
type Option struct {
	Name  string
	Value string
}

// Expectation is a predicate call asserted over the whole trace.
type Expectation struct {
	Predicate string
	Args      map[string]string
	Line      int
}

func (e Expectation) String() string {
	var b strings.Builder
	b.WriteString(e.Predicate)
	for _, k := range []string{"key", "session", "want"} {
		if v, ok := e.Args[k]; ok {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
	}
	return b.String()
}

// Scenario is a complete script.
type Scenario struct {
	Name         string
	Seeds        []Seed
	Options      []Option
	Steps        []Step
	Expectations []Expectation
}
