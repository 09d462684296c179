package anomalytest

import (
	"testing"

	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/stretchr/testify/assert"
)

// TestLostUpdateIncrement has two transactions read a counter and write back
// the value plus one. With proper isolation both increments land (0 -> 1 -> 2);
// with a lost update the second write overwrites the first (0 -> 1 -> 1).
// Serializable reads lock the counter, so the second writer deadlocks, is
// aborted and retries.
func TestLostUpdateIncrement(t *testing.T, db executor.Database) {
	trace := RunScript(t, db, `
seed counter=0
T1 begin serializable
T1 read counter -> 0
T2 begin
T2 read counter -> 0
T1 set counter 1 -> blocked
T2 set counter 1 -> error DeadlockDetected
T1 commit
T2 begin
T2 read counter -> 1
T2 set counter 2
T2 commit
T3 begin
T3 read counter -> 2
expect lost_update_prevented key=counter
expect deadlock_detected session=T2
`)
	final, ok := trace.Outcome(len(trace.Steps) - 1)
	assert.True(t, ok)
	assert.Equal(t, int64(2), final.Value,
		"final value should be 2 (both increments applied), got %d (lost update!)", final.Value)
}
