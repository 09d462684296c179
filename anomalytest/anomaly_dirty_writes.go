package anomalytest

import (
	"testing"

	"github.com/makalaaneesh/isolation-harness/executor"
)

// TestDirtyWrite checks that two transactions cannot overwrite each other's
// uncommitted writes (G0). T1 puts racer 100 first and racer 200 second, T2
// swaps them; whichever order wins, the places must come from one
// transaction.
// https://github.com/ept/hermitage/blob/master/postgres.md#read-committed-basic-requirements-g0-g1a-g1b-g1c
func TestDirtyWrite(t *testing.T, db executor.Database) {
	RunScript(t, db, `
seed first=0 second=0
T1 begin read-committed
T2 begin
T1 set first 100
T2 set first 200 -> blocked
T2 set second 100
T1 set second 200
T1 commit
T2 commit
T3 begin
T3 read first -> 200
T3 read second -> 100
`)
}
