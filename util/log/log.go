// Package log is a thin context-aware layer over glog. Every message is
// prefixed with the log tags carried by the context, e.g.
//
//	I1018 12:00:00.000000 4242 log.go:40] [session=T2,txn=4] lock wait on "Alice"
package log

import (
	"context"
	"flag"
	"fmt"

	"github.com/cockroachdb/logtags"
	"github.com/golang/glog"
)

// WithTag returns a context whose log messages carry key=value.
func WithTag(ctx context.Context, key string, value interface{}) context.Context {
	return logtags.AddTag(ctx, key, value)
}

func format(ctx context.Context, f string, args []interface{}) string {
	msg := fmt.Sprintf(f, args...)
	if buf := logtags.FromContext(ctx); buf != nil {
		return "[" + buf.String() + "] " + msg
	}
	return msg
}

// Infof logs at INFO severity.
func Infof(ctx context.Context, f string, args ...interface{}) {
	glog.InfoDepth(1, format(ctx, f, args))
}

// Warningf logs at WARNING severity.
func Warningf(ctx context.Context, f string, args ...interface{}) {
	glog.WarningDepth(1, format(ctx, f, args))
}

// Errorf logs at ERROR severity.
func Errorf(ctx context.Context, f string, args ...interface{}) {
	glog.ErrorDepth(1, format(ctx, f, args))
}

// V reports whether verbosity level is enabled.
func V(level int) bool {
	return bool(glog.V(glog.Level(level)))
}

// VEventf logs at INFO severity when the verbosity level is enabled.
func VEventf(ctx context.Context, level int, f string, args ...interface{}) {
	if V(level) {
		glog.InfoDepth(1, format(ctx, f, args))
	}
}

// Setup routes glog to stderr at the given verbosity. glog registers its
// flags on the standard flag set; the CLI calls this instead of flag.Parse.
func Setup(verbosity int) error {
	if err := flag.Set("logtostderr", "true"); err != nil {
		return err
	}
	return flag.Set("v", fmt.Sprint(verbosity))
}

// Flush writes any buffered log entries.
func Flush() {
	glog.Flush()
}
