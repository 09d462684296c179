package anomalytest

import (
	"testing"

	"github.com/makalaaneesh/isolation-harness/executor"
)

// TestDirtyReadAbort checks that a read-committed reader never sees a write
// that is later rolled back (G1a).
func TestDirtyReadAbort(t *testing.T, db executor.Database) {
	RunScript(t, db, `
seed Alice=1000
T1 begin read-committed
T1 write Alice +100 -> 1100
T2 begin read-committed
T2 read Alice -> 1000
T1 rollback
T2 read Alice -> 1000
T2 commit
expect dirty_read_observed want=false
`)
}

// TestDirtyReadCommit checks that a read-committed reader sees a write only
// once it commits (G1b).
func TestDirtyReadCommit(t *testing.T, db executor.Database) {
	RunScript(t, db, `
seed Alice=1000
T1 begin read-committed
T2 begin read-committed
T2 read Alice -> 1000
T1 write Alice +100 -> 1100
T2 read Alice -> 1000
T1 commit
T2 read Alice -> 1100
T2 commit
expect dirty_read_observed want=false
expect non_repeatable_read_observed session=T2
`)
}

// TestRepeatableRead checks that a snapshot reader sees the same value twice
// even when another transaction commits in between.
func TestRepeatableRead(t *testing.T, db executor.Database) {
	RunScript(t, db, `
seed Alice=1000
T1 begin repeatable-read
T1 read Alice -> 1000
T2 begin
T2 write Alice -30 -> 970
T2 commit
T1 read Alice -> 1000
T1 commit
expect non_repeatable_read_observed want=false
`)
}
