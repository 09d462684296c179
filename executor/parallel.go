package executor

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"golang.org/x/sync/errgroup"
)

// RunParallel runs n copies of sc at the same time, each against its own
// database from newDB, and reports whether every copy produced the same
// trace. Engines that share state across instances will not be identical.
func RunParallel(
	ctx context.Context, sc *scenario.Scenario, n int, newDB func() (Database, error),
) ([]*Trace, bool, error) {
	if n < 1 {
		return nil, false, errors.Newf("cannot run %d copies", n)
	}
	traces := make([]*Trace, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			db, err := newDB()
			if err != nil {
				return err
			}
			defer db.Close()
			t, err := NewTxnsExecutor(db).Run(ctx, sc)
			if err != nil {
				return errors.Wrapf(err, "copy %d", i)
			}
			traces[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	for _, t := range traces[1:] {
		if !traces[0].Equal(t) {
			return traces, false, nil
		}
	}
	return traces, true, nil
}
