package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioPath(name string) string {
	return filepath.Join("..", "testdata", "scenarios", name)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"run"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRunPasses(t *testing.T) {
	out, err := runCLI(t, scenarioPath("deadlock.txt"), scenarioPath("dirty_read.txt"), "--metrics")
	require.NoError(t, err, out)
	assert.Contains(t, out, "=== deadlock (memory)\n")
	assert.Contains(t, out, "#4 T1 write Bob +100 txn=1 -> blocked\n")
	assert.Contains(t, out, "#5 T2 write Alice +50 txn=2 -> error DeadlockDetected\n")
	assert.Contains(t, out, "#4 T1 write Bob +100 txn=1 -> 600 (resumed)\n")
	assert.Contains(t, out, "PASS deadlock_detected session=T2 at step #5")
	assert.Contains(t, out, "PASS deadlock\n")
	assert.Contains(t, out, "PASS dirty-read\n")
	assert.Contains(t, out, `isoharness_txn_deadlocks_total{run="1"} 1`)
	assert.Contains(t, out, `isoharness_txn_begun_total{run="2"} 2`)
}

func TestRunFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrong.txt")
	require.NoError(t, os.WriteFile(path, []byte(`
seed Alice=1000
T1 begin read-committed
T1 write Alice +100
T2 begin
T2 read Alice -> 1100
expect dirty_read_observed
`), 0o644))

	out, err := runCLI(t, path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScenarioFailed))
	assert.Contains(t, out, "FAIL T2 read Alice at step #3: expected 1100, got 1000")
	assert.Contains(t, out, "FAIL dirty_read_observed")
	assert.Contains(t, out, "FAIL wrong\n")
}

func TestRunTableFormat(t *testing.T) {
	out, err := runCLI(t, scenarioPath("lost_update_snapshot.txt"), "--format", "table")
	require.NoError(t, err, out)
	assert.Contains(t, out, "session")
	assert.Contains(t, out, "error SerializationConflict")
}

func TestRunRepeat(t *testing.T) {
	out, err := runCLI(t, scenarioPath("repeatable_read.yaml"), "--repeat", "3")
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASS repeatable-read\n")
	assert.NotContains(t, out, "differs")
}

func TestRunDebugState(t *testing.T) {
	out, err := runCLI(t, scenarioPath("dirty_read_committed.txt"), "--debug-state")
	require.NoError(t, err, out)
	assert.Contains(t, out, "--- state after #0\n")
	assert.Contains(t, out, "versions:\n")
}

func TestRunBadInput(t *testing.T) {
	_, err := runCLI(t, scenarioPath("deadlock.txt"), "--backend", "oracle")
	require.ErrorContains(t, err, "unknown backend")

	_, err = runCLI(t, scenarioPath("deadlock.txt"), "--backend", "mysql", "--dsn", "root@/bank", "--repeat", "2")
	require.ErrorContains(t, err, "cannot repeat")

	_, err = runCLI(t, filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)

	_, err = runCLI(t)
	require.Error(t, err)
}

func TestEventRow(t *testing.T) {
	e := executor.Event{
		Step: 4, Session: "T1", Op: scenario.OpWrite, Key: "Bob", Arg: 100,
		TxnID: 1, Status: executor.StatusDone, Value: 600, HasValue: true, Resumed: true,
	}
	assert.Equal(t, []string{"4", "T1", "write Bob +100", "1", "600 (resumed)"}, eventRow(e))

	e = executor.Event{Step: 2, Session: "T3", Op: scenario.OpGC, Status: executor.StatusDone}
	assert.Equal(t, []string{"2", "T3", "gc", "", "ok"}, eventRow(e))

	e = executor.Event{
		Step: 0, Session: "T2", Op: scenario.OpBegin, Level: isolation.Serializable,
		TxnID: 2, Status: executor.StatusDone,
	}
	assert.Equal(t, []string{"0", "T2", "begin serializable", "2", "ok"}, eventRow(e))
}

func TestConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("ISOHARNESS_BACKEND", "mysql")
	t.Setenv("ISOHARNESS_FORMAT", "table")

	rc := &runContext{}
	f := pflag.NewFlagSet("run", pflag.ContinueOnError)
	rc.addConfigFlags(f)
	require.NoError(t, f.Parse([]string{"--dsn", "root@tcp(db:3306)/bank", "--block-probe", "1s", "--format", "text"}))

	cfg, err := rc.config(f)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Backend)
	assert.Equal(t, "root@tcp(db:3306)/bank", cfg.DSN)
	assert.Equal(t, time.Second, cfg.BlockProbe)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 1, cfg.Repeat)

	// without the flag the env backend still needs a dsn
	rc = &runContext{}
	f = pflag.NewFlagSet("run", pflag.ContinueOnError)
	rc.addConfigFlags(f)
	require.NoError(t, f.Parse(nil))
	_, err = rc.config(f)
	require.ErrorContains(t, err, "requires a dsn")
}
