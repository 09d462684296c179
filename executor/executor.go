// Package executor runs scenarios: it interleaves the steps of several
// sessions against a Database in script order and records what each step
// observed.
package executor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"github.com/makalaaneesh/isolation-harness/util/log"
)

// session is one named actor of a scenario.
type session struct {
	name  string
	txn   isolation.TxnID
	begun bool
	// the transaction is still running
	open bool
	// index of the step waiting for a lock, or -1
	blocked int
	// steps issued while blocked, in script order
	queue []int
}

// TxnsExecutor drives the sessions of a scenario against one database.
type TxnsExecutor struct {
	db  Database
	now func() time.Time
	// Debug, when set, is called with the engine state after every step.
	Debug func(step int, state string)

	sc       *scenario.Scenario
	trace    *Trace
	sessions map[string]*session
	order    []*session
	// level used by a begin that names none
	level isolation.Level
}

// NewTxnsExecutor creates an executor for db.
func NewTxnsExecutor(db Database) *TxnsExecutor {
	return &TxnsExecutor{db: db, now: time.Now}
}

// Run seeds the database, applies the scenario's options and executes its
// steps strictly in order. A blocked step holds back the later steps of its
// session; after every step the executor retries blocked sessions in the
// order they first appeared. Step errors are recorded in the trace. The
// returned error reports problems preparing the database or a cancelled
// context.
func (e *TxnsExecutor) Run(ctx context.Context, sc *scenario.Scenario) (*Trace, error) {
	e.sc = sc
	e.trace = &Trace{Scenario: sc.Name, Seeds: sc.Seeds, Steps: sc.Steps}
	e.sessions = make(map[string]*session)
	e.order = nil
	e.level = isolation.DefaultLevel
	ctx = log.WithTag(ctx, "scenario", sc.Name)

	if len(sc.Options) > 0 {
		c, ok := e.db.(Configurable)
		if !ok {
			return nil, errors.Newf("engine does not accept options")
		}
		for _, o := range sc.Options {
			if err := c.SetOption(o.Name, o.Value); err != nil {
				return nil, err
			}
		}
	}
	for _, s := range sc.Seeds {
		if err := e.db.Seed(ctx, s.Key, s.Value); err != nil {
			return nil, errors.Wrapf(err, "seeding %s", s.Key)
		}
	}

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return e.trace, err
		}
		s := e.session(step.Session)
		if s.blocked >= 0 || len(s.queue) > 0 {
			s.queue = append(s.queue, i)
			log.VEventf(ctx, 2, "step %d queued behind blocked step %d of %s", i, s.blocked, s.name)
		} else {
			e.exec(ctx, s, i, false)
		}
		e.retryBlocked(ctx)
		if e.Debug != nil {
			if d, ok := e.db.(Debugger); ok {
				e.Debug(i, d.DebugString())
			}
		}
	}

	for _, s := range e.order {
		if s.blocked < 0 {
			continue
		}
		for _, i := range append([]int{s.blocked}, s.queue...) {
			e.record(s, i, StatusUnfinished, nil, false)
		}
		log.Warningf(ctx, "session %s still blocked at step %d when the script ended", s.name, s.blocked)
	}
	return e.trace, nil
}

func (e *TxnsExecutor) session(name string) *session {
	if s, ok := e.sessions[name]; ok {
		return s
	}
	s := &session{name: name, blocked: -1}
	e.sessions[name] = s
	e.order = append(e.order, s)
	return s
}

// retryBlocked advances blocked sessions until none can make progress.
func (e *TxnsExecutor) retryBlocked(ctx context.Context) {
	for progress := true; progress; {
		progress = false
		for _, s := range e.order {
			if s.blocked < 0 || !e.exec(ctx, s, s.blocked, true) {
				continue
			}
			progress = true
			for s.blocked < 0 && len(s.queue) > 0 {
				i := s.queue[0]
				s.queue = s.queue[1:]
				e.exec(ctx, s, i, true)
			}
		}
	}
}

// exec runs step i for s and reports whether it finished, i.e. did not
// block. Retrying the step s is blocked on records nothing until it
// finishes. resumed marks steps running later than their place in the script.
func (e *TxnsExecutor) exec(ctx context.Context, s *session, i int, resumed bool) bool {
	step := e.sc.Steps[i]
	ctx = log.WithTag(ctx, "session", s.name)

	switch step.Op {
	case scenario.OpBegin:
		if step.HasLevel {
			e.level = step.Level
		}
		if s.open {
			e.record(s, i, StatusFailed,
				errors.Newf("session %s already has transaction %d open", s.name, s.txn), resumed)
			return true
		}
		e.begin(ctx, s, i, resumed)
		return true
	case scenario.OpYield:
		log.VEventf(ctx, 2, "yield")
		e.record(s, i, StatusDone, nil, resumed)
		return true
	case scenario.OpGC:
		c, ok := e.db.(Collector)
		if !ok {
			e.record(s, i, StatusDone, nil, resumed)
			return true
		}
		n, err := c.GC(ctx)
		e.recordValue(s, i, int64(n), err, resumed)
		return true
	}

	if !s.begun {
		// the first statement of a session opens its transaction
		if !e.begin(ctx, s, i, resumed) {
			return true
		}
	}
	ctx = log.WithTag(ctx, "txn", s.txn)

	var (
		value    int64
		hasValue bool
		err      error
	)
	switch step.Op {
	case scenario.OpRead:
		value, err = e.db.Get(ctx, s.txn, step.Key)
		hasValue = true
	case scenario.OpWrite:
		value, err = e.db.Write(ctx, s.txn, step.Key, step.Arg)
		hasValue = true
	case scenario.OpSet:
		err = e.db.Set(ctx, s.txn, step.Key, step.Arg)
	case scenario.OpDelete:
		err = e.db.Delete(ctx, s.txn, step.Key)
	case scenario.OpCommit:
		err = e.db.Commit(ctx, s.txn)
	case scenario.OpRollback:
		err = e.db.Rollback(ctx, s.txn)
	default:
		err = errors.AssertionFailedf("unknown op %q", step.Op)
	}

	if errors.Is(err, isolation.ErrBlocked) {
		if s.blocked != i {
			s.blocked = i
			e.record(s, i, StatusBlocked, nil, resumed)
			log.VEventf(ctx, 2, "step %d blocked: %v", i, err)
		}
		return false
	}
	s.blocked = -1

	switch {
	case step.Op == scenario.OpCommit || step.Op == scenario.OpRollback:
		s.open = false
	case errors.Is(err, isolation.ErrDeadlockDetected),
		errors.Is(err, isolation.ErrSerializationConflict),
		errors.Is(err, isolation.ErrTransactionClosed):
		s.open = false
	}
	if hasValue && err == nil {
		e.recordValue(s, i, value, nil, resumed)
	} else {
		e.record(s, i, statusOf(err), err, resumed)
	}
	return true
}

// begin opens a transaction for s at the current default level on behalf of
// step i, which is either a begin or the session's first statement.
func (e *TxnsExecutor) begin(ctx context.Context, s *session, i int, resumed bool) bool {
	level := e.level
	id, err := e.db.BeginTx(ctx, level)
	ev := e.newEvent(s, i, statusOf(err), err, resumed)
	ev.Op = scenario.OpBegin
	ev.Key, ev.Arg = "", 0
	ev.Level = level
	ev.TxnID = 0
	if err != nil {
		e.append(ev)
		return false
	}
	s.txn, s.begun, s.open = id, true, true
	ev.TxnID = id
	e.append(ev)
	log.VEventf(log.WithTag(ctx, "txn", id), 2, "begin %s", level)
	return true
}

func statusOf(err error) Status {
	if err != nil {
		return StatusFailed
	}
	return StatusDone
}

func (e *TxnsExecutor) newEvent(s *session, i int, st Status, err error, resumed bool) Event {
	step := e.sc.Steps[i]
	ev := Event{
		Step:    i,
		Session: s.name,
		Op:      step.Op,
		Key:     step.Key,
		Arg:     step.Arg,
		TxnID:   s.txn,
		Status:  st,
		Resumed: resumed,
		Time:    e.now(),
	}
	switch step.Op {
	case scenario.OpBegin:
		ev.Level = e.level
	case scenario.OpYield, scenario.OpGC:
		ev.TxnID = 0
	}
	if err != nil {
		ev.ErrKind = isolation.KindOf(err)
		ev.ErrMsg = err.Error()
	}
	return ev
}

func (e *TxnsExecutor) record(s *session, i int, st Status, err error, resumed bool) {
	e.append(e.newEvent(s, i, st, err, resumed))
}

func (e *TxnsExecutor) recordValue(s *session, i int, v int64, err error, resumed bool) {
	ev := e.newEvent(s, i, statusOf(err), err, resumed)
	if err == nil {
		ev.Value, ev.HasValue = v, true
	}
	e.append(ev)
}

func (e *TxnsExecutor) append(ev Event) {
	ev.Seq = len(e.trace.Events)
	e.trace.Events = append(e.trace.Events, ev)
}
