// Package cli implements the isoharness command line.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/makalaaneesh/isolation-harness/anomalytest"
	"github.com/makalaaneesh/isolation-harness/config"
	"github.com/makalaaneesh/isolation-harness/db"
	"github.com/makalaaneesh/isolation-harness/db/sqlbackend"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/makalaaneesh/isolation-harness/scenario"
	"github.com/makalaaneesh/isolation-harness/util/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ErrScenarioFailed is returned by the run command when any step outcome or
// expectation does not hold.
var ErrScenarioFailed = errors.New("scenario failed")

// runContext holds the values of the run command's flags.
type runContext struct {
	configPath string
	flags      config.Config
	metrics    bool
	debugState bool
}

// NewRootCmd builds the isoharness command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "isoharness",
		Short:         "replay interleaved transaction scripts and check isolation anomalies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// glog registers -v, -logtostderr and friends on the standard flag set.
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	rc := &runContext{}
	cmd := &cobra.Command{
		Use:   "run <scenario-file>...",
		Short: "run scenario files and report their traces and verdicts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rc.config(cmd.Flags())
			if err != nil {
				return err
			}
			if err := log.Setup(verbosity(cmd.Flags(), cfg)); err != nil {
				return err
			}
			defer log.Flush()
			return rc.run(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&rc.configPath, "config", "", "TOML configuration file")
	rc.addConfigFlags(f)
	f.BoolVar(&rc.metrics, "metrics", false, "print transaction metrics after the run")
	f.BoolVar(&rc.debugState, "debug-state", false, "print the engine state after every step")
	return cmd
}

// addConfigFlags defines one flag per configuration field, named after the
// field's environment variable.
func (rc *runContext) addConfigFlags(f *pflag.FlagSet) {
	v := reflect.ValueOf(&rc.flags).Elem()
	for _, fld := range config.Fields() {
		usage := fmt.Sprintf("%s (env %s_%s)", fld.Description, config.EnvPrefix, fld.Env)
		switch p := v.FieldByName(fld.Name).Addr().Interface().(type) {
		case *string:
			f.StringVar(p, fld.Flag, "", usage)
		case *int:
			f.IntVar(p, fld.Flag, 0, usage)
		case *time.Duration:
			f.DurationVar(p, fld.Flag, 0, usage)
		default:
			panic(errors.AssertionFailedf("config field %s has no flag type", fld.Name))
		}
	}
}

// config loads the file and environment configuration, applies the flags
// that were set explicitly on top and validates the result.
func (rc *runContext) config(f *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(config.EnvPrefix, rc.configPath)
	if err != nil {
		return nil, err
	}
	dst := reflect.ValueOf(cfg).Elem()
	src := reflect.ValueOf(&rc.flags).Elem()
	for _, fld := range config.Fields() {
		if f.Changed(fld.Flag) {
			dst.FieldByName(fld.Name).Set(src.FieldByName(fld.Name))
		}
	}
	return cfg, cfg.Validate()
}

// verbosity prefers glog's own -v flag when it was given.
func verbosity(f *pflag.FlagSet, cfg *config.Config) int {
	if v := f.Lookup("v"); v != nil && v.Changed {
		if n, err := strconv.Atoi(v.Value.String()); err == nil {
			return n
		}
	}
	return cfg.Verbosity
}

// runner opens one database per scenario run and labels its metrics with the
// run number, so every run keeps its own counters.
type runner struct {
	cfg *config.Config
	reg *prometheus.Registry

	mu   sync.Mutex
	runs int
}

func (r *runner) open(ctx context.Context) (executor.Database, error) {
	r.mu.Lock()
	r.runs++
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"run": strconv.Itoa(r.runs)}, r.reg)
	r.mu.Unlock()

	if r.cfg.Backend == "memory" {
		return db.NewManager(db.Options{Registerer: reg}), nil
	}
	d, err := sqlbackend.DialectFor(r.cfg.Backend)
	if err != nil {
		return nil, err
	}
	return sqlbackend.Open(ctx, sqlbackend.Options{
		Dialect:    d,
		DSN:        r.cfg.DSN,
		BlockProbe: r.cfg.BlockProbe,
		Registerer: reg,
	})
}

func (rc *runContext) run(ctx context.Context, w io.Writer, cfg *config.Config, paths []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &runner{cfg: cfg, reg: prometheus.NewRegistry()}
	failed := 0
	for _, path := range paths {
		sc, err := scenario.Load(path)
		if err != nil {
			return err
		}
		ctx := log.WithTag(ctx, "scenario", sc.Name)
		pass, err := rc.runScenario(ctx, w, r, sc)
		if err != nil {
			return errors.Wrapf(err, "%s", path)
		}
		if !pass {
			failed++
		}
	}
	if rc.metrics {
		if err := printMetrics(w, r.reg); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errors.Wrapf(ErrScenarioFailed, "%d of %d", failed, len(paths))
	}
	return nil
}

func (rc *runContext) runScenario(
	ctx context.Context, w io.Writer, r *runner, sc *scenario.Scenario,
) (bool, error) {
	fmt.Fprintf(w, "=== %s (%s)\n", sc.Name, r.cfg.Backend)
	var trace *executor.Trace
	consistent := true
	if r.cfg.Repeat > 1 {
		traces, same, err := executor.RunParallel(ctx, sc, r.cfg.Repeat, func() (executor.Database, error) {
			return r.open(ctx)
		})
		if err != nil {
			return false, err
		}
		trace, consistent = traces[0], same
		if !same {
			for i, t := range traces[1:] {
				if d := trace.Diff(t); d != "" {
					fmt.Fprintf(w, "run %d differs from run 1:\n%s", i+2, d)
					break
				}
			}
		}
	} else {
		database, err := r.open(ctx)
		if err != nil {
			return false, err
		}
		defer database.Close()
		ex := executor.NewTxnsExecutor(database)
		if rc.debugState {
			ex.Debug = func(step int, state string) {
				fmt.Fprintf(w, "--- state after #%d\n%s", step, state)
			}
		}
		if trace, err = ex.Run(ctx, sc); err != nil {
			return false, err
		}
	}

	rep, err := anomalytest.Evaluate(trace, sc)
	if err != nil {
		return false, err
	}
	printTrace(w, trace, r.cfg.Format)
	printReport(w, rep, consistent)
	if !rep.Pass() || !consistent {
		log.Warningf(ctx, "scenario failed")
	}
	return rep.Pass() && consistent, nil
}

// Execute runs the command line against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
