package anomalytest_test

import (
	"context"
	"strings"
	"testing"

	"github.com/makalaaneesh/isolation-harness/anomalytest"
	"github.com/makalaaneesh/isolation-harness/db"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, script string) (*executor.Trace, *scenario.Scenario) {
	sc, err := scenario.Parse(strings.NewReader(script))
	require.NoError(t, err)
	trace, err := executor.NewTxnsExecutor(db.NewManager(db.Options{})).Run(context.Background(), sc)
	require.NoError(t, err)
	return trace, sc
}

func expect(t *testing.T, trace *executor.Trace, name string, args ...string) anomalytest.Result {
	m := map[string]string{}
	for _, a := range args {
		k, v, _ := strings.Cut(a, "=")
		m[k] = v
	}
	r, err := anomalytest.Expect(trace, name, m)
	require.NoError(t, err)
	return r
}

const dirtyRead = `
seed Alice=1000 Bob=500
T1 begin %s
T1 write Alice +100
T2 begin
T2 read Alice
T1 rollback
T2 read Alice
`

func TestDirtyReadObserved(t *testing.T) {
	trace, _ := run(t, strings.Replace(dirtyRead, "%s", "read-uncommitted", 1))
	r := expect(t, trace, "dirty_read_observed", "key=Alice")
	assert.True(t, r.Pass, r.String())
	assert.Equal(t, 3, r.Step)
	assert.Contains(t, r.Detail, "T2 read Alice=1100 written by uncommitted txn 1")

	r = expect(t, trace, "dirty_read_observed", "key=Bob")
	assert.False(t, r.Pass)
	assert.Equal(t, -1, r.Step)
	r = expect(t, trace, "dirty_read_observed", "session=T1")
	assert.False(t, r.Pass)

	trace, _ = run(t, strings.Replace(dirtyRead, "%s", "read-committed", 1))
	r = expect(t, trace, "dirty_read_observed", "key=Alice")
	assert.False(t, r.Pass, r.String())
	r = expect(t, trace, "dirty_read_observed", "key=Alice", "want=false")
	assert.True(t, r.Pass)
	assert.Equal(t, "dirty_read_observed key=Alice want=false", r.Name)
}

const nonRepeatable = `
seed Alice=1000
T1 begin %s
T1 read Alice
T2 begin
T2 write Alice -30
T2 commit
T1 read Alice
T1 write Alice +1
T1 read Alice
`

func TestNonRepeatableReadObserved(t *testing.T) {
	trace, _ := run(t, strings.Replace(nonRepeatable, "%s", "read-committed", 1))
	r := expect(t, trace, "non_repeatable_read_observed")
	assert.True(t, r.Pass, r.String())
	assert.Equal(t, 5, r.Step)
	assert.Contains(t, r.Detail, "T1 read Alice=1000, then 970")

	trace, _ = run(t, strings.Replace(nonRepeatable, "%s", "repeatable-read", 1))
	// the read after T1's own write differs but is not a non-repeatable read
	r = expect(t, trace, "non_repeatable_read_observed")
	assert.False(t, r.Pass, r.String())
}

const lostUpdate = `
seed counter=0
T1 begin %s
T1 read counter -> 0
T2 begin
T2 read counter -> 0
T2 %[2]s
T2 commit
T1 %[2]s
T1 commit
`

func lostUpdateScript(level, write string) string {
	s := strings.Replace(lostUpdate, "%s", level, 1)
	return strings.ReplaceAll(s, "%[2]s", write)
}

func TestLostUpdatePrevented(t *testing.T) {
	// read-committed lets T1 overwrite T2's committed increment
	trace, _ := run(t, lostUpdateScript("read-committed", "set counter 1"))
	r := expect(t, trace, "lost_update_prevented", "key=counter")
	assert.False(t, r.Pass, r.String())
	assert.Equal(t, 7, r.Step)
	assert.Contains(t, r.Detail, "txn 1 overwrote counter after txn 2 committed")

	// a delta write builds on the committed value
	trace, _ = run(t, lostUpdateScript("read-committed", "write counter +1"))
	r = expect(t, trace, "lost_update_prevented", "key=counter")
	assert.True(t, r.Pass, r.String())

	// repeatable-read aborts T1 at commit
	trace, _ = run(t, lostUpdateScript("repeatable-read", "set counter 1"))
	r = expect(t, trace, "lost_update_prevented", "key=counter")
	assert.True(t, r.Pass, r.String())
	r = expect(t, trace, "serialization_conflict_detected", "session=T1")
	assert.True(t, r.Pass, r.String())
	assert.Equal(t, 7, r.Step)
}

func TestDeadlockDetected(t *testing.T) {
	trace, _ := run(t, `
seed Alice=1000 Bob=500
T1 begin
T2 begin
T1 write Alice -100
T2 write Bob -50
T1 write Bob +100
T2 write Alice +50
`)
	r := expect(t, trace, "deadlock_detected")
	assert.True(t, r.Pass, r.String())
	assert.Equal(t, 5, r.Step)
	assert.True(t, expect(t, trace, "deadlock_detected", "session=T2").Pass)
	assert.False(t, expect(t, trace, "deadlock_detected", "session=T1").Pass)
	assert.False(t, expect(t, trace, "serialization_conflict_detected").Pass)
}

func TestExpectErrors(t *testing.T) {
	trace, _ := run(t, "T1 begin\n")
	_, err := anomalytest.Expect(trace, "phantom_observed", nil)
	require.Error(t, err)
	_, err = anomalytest.Expect(trace, "deadlock_detected", map[string]string{"txn": "1"})
	require.Error(t, err)
	_, err = anomalytest.Expect(trace, "deadlock_detected", map[string]string{"want": "perhaps"})
	require.Error(t, err)
	assert.Len(t, anomalytest.Predicates(), 5)
}

func TestCheckSteps(t *testing.T) {
	trace, sc := run(t, `
seed Alice=1000
T1 begin read-committed
T1 write Alice +1 -> 1001
T2 read Alice -> 5
T2 write Alice +1 -> blocked
T3 read Carol
T1 commit -> error SerializationConflict
expect dirty_read_observed want=false
`)
	mismatches := anomalytest.CheckSteps(trace)
	var details []string
	for _, m := range mismatches {
		details = append(details, m.String())
	}
	require.Len(t, mismatches, 3, "%v", details)
	assert.Equal(t, `FAIL T2 read Alice at step #2: expected 5, got 1000`, details[0])
	assert.Contains(t, details[1], "T3 read Carol at step #4: unexpected error")
	assert.Equal(t, "FAIL T1 commit at step #5: expected error SerializationConflict, got ok", details[2])

	rep, err := anomalytest.Evaluate(trace, sc)
	require.NoError(t, err)
	assert.False(t, rep.Pass())
	require.Len(t, rep.Expectations, 1)
	assert.True(t, rep.Expectations[0].Pass)
}

func TestCheckStepsUnfinished(t *testing.T) {
	trace, sc := run(t, `
seed Alice=1000
T1 write Alice +1
T2 write Alice +1
`)
	mismatches := anomalytest.CheckSteps(trace)
	require.Len(t, mismatches, 1)
	assert.Equal(t, 1, mismatches[0].Step)
	assert.Contains(t, mismatches[0].Detail, "still waiting")

	sc.Steps[1].Expect = &scenario.Outcome{Kind: scenario.ExpectBlocked}
	rep, err := anomalytest.Evaluate(trace, sc)
	require.NoError(t, err)
	assert.True(t, rep.Pass())
}
