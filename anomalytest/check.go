package anomalytest

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/scenario"
)

// CheckSteps compares every step with the outcome the script expects of it.
// A step without an expectation must not fail or be left unfinished. Only
// mismatches are returned.
func CheckSteps(trace *executor.Trace) []Result {
	var out []Result
	for i, step := range trace.Steps {
		if r, ok := checkStep(trace, i, step); !ok {
			out = append(out, r)
		}
	}
	return out
}

func checkStep(trace *executor.Trace, i int, step scenario.Step) (Result, bool) {
	r := Result{Name: step.String(), Step: i}
	ev, ok := trace.Outcome(i)
	if !ok {
		r.Detail = "step never ran"
		return r, false
	}
	exp := step.Expect
	if exp == nil {
		switch ev.Status {
		case executor.StatusFailed:
			r.Detail = fmt.Sprintf("unexpected error: %s", ev.ErrMsg)
			return r, false
		case executor.StatusUnfinished:
			r.Detail = "still waiting for a lock when the script ended"
			return r, false
		}
		return r, true
	}

	switch exp.Kind {
	case scenario.ExpectBlocked:
		if trace.Blocked(i) {
			return r, true
		}
	case scenario.ExpectOK:
		if ev.Status == executor.StatusDone {
			return r, true
		}
	case scenario.ExpectValue:
		if ev.Status == executor.StatusDone && ev.HasValue && ev.Value == exp.Value {
			return r, true
		}
	case scenario.ExpectError:
		if ev.Status == executor.StatusFailed && ev.ErrKind == exp.Err {
			return r, true
		}
	}
	r.Detail = fmt.Sprintf("expected %s, got %s", exp, observed(ev))
	return r, false
}

func observed(ev executor.Event) string {
	switch ev.Status {
	case executor.StatusDone:
		if ev.HasValue {
			return fmt.Sprint(ev.Value)
		}
		return "ok"
	case executor.StatusFailed:
		return fmt.Sprintf("error %s (%s)", ev.ErrKind, ev.ErrMsg)
	default:
		return string(ev.Status)
	}
}

// Report is the verdict on one scenario run.
type Report struct {
	Scenario string
	// Steps holds the step mismatches.
	Steps []Result
	// Expectations holds one result per expect line, in script order.
	Expectations []Result
}

// Pass reports whether every step and expectation held.
func (r *Report) Pass() bool {
	if len(r.Steps) > 0 {
		return false
	}
	for _, e := range r.Expectations {
		if !e.Pass {
			return false
		}
	}
	return true
}

// Evaluate checks a trace against the step outcomes and expectations of sc.
func Evaluate(trace *executor.Trace, sc *scenario.Scenario) (*Report, error) {
	rep := &Report{Scenario: sc.Name, Steps: CheckSteps(trace)}
	for _, e := range sc.Expectations {
		res, err := Expect(trace, e.Predicate, e.Args)
		if err != nil {
			if e.Line > 0 {
				return nil, errors.Wrapf(err, "line %d", e.Line)
			}
			return nil, err
		}
		rep.Expectations = append(rep.Expectations, res)
	}
	return rep, nil
}
