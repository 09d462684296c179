package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/makalaaneesh/isolation-harness/isolation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dirtyRead = `
# T2 sees T1's uncommitted write
name dirty-read
seed Alice=1000 Bob=500
option locking-reads=false

T1 begin read-uncommitted
T1 write Alice +100 -> 1100
T2 begin
T2 read Alice -> 1100
T1 rollback
T2 read Alice -> 1000   # back to the committed value
T2 set Bob 7
T2 delete Bob -> ok
T1 write Bob -30 -> blocked
T3 read Carol -> notfound
T3 commit -> error TransactionClosed
T2 yield
T2 gc

expect dirty_read_observed key=Alice session=T2
expect deadlock_detected want=false
`

func TestParse(t *testing.T) {
	sc, err := Parse(strings.NewReader(dirtyRead))
	require.NoError(t, err)

	assert.Equal(t, "dirty-read", sc.Name)
	assert.Equal(t, []Seed{{"Alice", 1000}, {"Bob", 500}}, sc.Seeds)
	assert.Equal(t, []Option{{"locking-reads", "false"}}, sc.Options)
	require.Len(t, sc.Steps, 13)

	s := sc.Steps[0]
	assert.Equal(t, Step{Session: "T1", Op: OpBegin, Level: isolation.ReadUncommitted, HasLevel: true, Line: 7}, s)
	assert.False(t, sc.Steps[2].HasLevel)

	s = sc.Steps[1]
	assert.Equal(t, OpWrite, s.Op)
	assert.Equal(t, "Alice", s.Key)
	assert.Equal(t, int64(100), s.Arg)
	assert.Equal(t, &Outcome{Kind: ExpectValue, Value: 1100}, s.Expect)

	assert.Equal(t, &Outcome{Kind: ExpectValue, Value: 1000}, sc.Steps[5].Expect)
	assert.Nil(t, sc.Steps[6].Expect)
	assert.Equal(t, int64(7), sc.Steps[6].Arg)
	assert.Equal(t, &Outcome{Kind: ExpectOK}, sc.Steps[7].Expect)
	assert.Equal(t, int64(-30), sc.Steps[8].Arg)
	assert.Equal(t, &Outcome{Kind: ExpectBlocked}, sc.Steps[8].Expect)
	assert.Equal(t, &Outcome{Kind: ExpectError, Err: isolation.KindNotFound}, sc.Steps[9].Expect)
	assert.Equal(t, &Outcome{Kind: ExpectError, Err: isolation.KindTransactionClosed}, sc.Steps[10].Expect)
	assert.Equal(t, OpYield, sc.Steps[11].Op)
	assert.Equal(t, OpGC, sc.Steps[12].Op)

	require.Len(t, sc.Expectations, 2)
	assert.Equal(t, "dirty_read_observed", sc.Expectations[0].Predicate)
	assert.Equal(t, map[string]string{"key": "Alice", "session": "T2"}, sc.Expectations[0].Args)
	assert.Equal(t, "deadlock_detected want=false", sc.Expectations[1].String())
}

func TestStepString(t *testing.T) {
	for _, line := range []string{
		"T1 begin read-committed",
		"T1 begin",
		"T1 write Alice +100",
		"T1 write Alice -30",
		"T2 set Bob 5",
		"T2 read Bob",
		"T2 delete Bob",
		"T2 commit",
		"T2 yield",
	} {
		s, err := ParseStep(strings.Fields(line))
		require.NoError(t, err)
		assert.Equal(t, line, s.String())
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		input string
		err   string
	}{
		{"T1 fly", `line 1: unknown op "fly"`},
		{"T1 read", "line 1: usage: T1 read <key>"},
		{"T1 write Alice lots", "line 1: write Alice"},
		{"T1 begin sometimes", "line 1: unknown isolation level"},
		{"T1 commit -> maybe", `line 1: unknown outcome "maybe"`},
		{"T1 commit -> error Oops", `line 1: unknown error kind "Oops"`},
		{"seed Alice", `line 1: seed "Alice": want key=value`},
		{"expect deadlock_detected txn=1", `line 1: unknown argument "txn"`},
		{"name x", "scenario has no steps"},
	} {
		_, err := Parse(strings.NewReader(tc.input))
		require.Error(t, err, tc.input)
		assert.Contains(t, err.Error(), tc.err, tc.input)
	}
}

const lostUpdate = `
name: lost-update
seed:
  counter: 0
options:
  locking-reads: "true"
steps:
  - T1 begin repeatable-read
  - T1 read counter -> 0
  - T2 begin
  - T2 read counter -> 0
  - T1 write counter +1 -> blocked
expect:
  - lost_update_prevented key=counter
`

func TestParseYAML(t *testing.T) {
	sc, err := ParseYAML([]byte(lostUpdate))
	require.NoError(t, err)
	assert.Equal(t, "lost-update", sc.Name)
	assert.Equal(t, []Seed{{"counter", 0}}, sc.Seeds)
	assert.Equal(t, []Option{{"locking-reads", "true"}}, sc.Options)
	require.Len(t, sc.Steps, 5)
	assert.Equal(t, "T1 write counter +1", sc.Steps[4].String())
	assert.Equal(t, &Outcome{Kind: ExpectBlocked}, sc.Steps[4].Expect)
	require.Len(t, sc.Expectations, 1)
	assert.Equal(t, "counter", sc.Expectations[0].Args["key"])

	_, err = ParseYAML([]byte("name: x\nsteps: [T1 commit]\nbogus: 1\n"))
	require.Error(t, err)
}

func TestLoadPicksFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "dirty.txt")
	require.NoError(t, os.WriteFile(txt, []byte("T1 begin\nT1 commit\n"), 0o644))
	yml := filepath.Join(dir, "lost.yaml")
	require.NoError(t, os.WriteFile(yml, []byte(lostUpdate), 0o644))

	sc, err := Load(txt)
	require.NoError(t, err)
	assert.Equal(t, "dirty", sc.Name)
	assert.Len(t, sc.Steps, 2)

	sc, err = Load(yml)
	require.NoError(t, err)
	assert.Equal(t, "lost-update", sc.Name)

	_, err = Load(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}
