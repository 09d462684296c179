package anomalytest

import (
	"context"
	"strings"
	"testing"

	"github.com/kr/pretty"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"github.com/stretchr/testify/require"
)

// RunScript runs a scenario in the line format against db and fails the test
// unless every step outcome and expectation holds.
func RunScript(t *testing.T, db executor.Database, script string) *executor.Trace {
	t.Helper()
	sc, err := scenario.Parse(strings.NewReader(script))
	require.NoError(t, err)
	trace, err := executor.NewTxnsExecutor(db).Run(context.Background(), sc)
	require.NoError(t, err)

	rep, err := Evaluate(trace, sc)
	require.NoError(t, err)
	if !rep.Pass() {
		t.Logf("trace:\n%s", trace)
		t.Fatalf("scenario failed:\n%s", pretty.Sprint(rep))
	}
	return trace
}
