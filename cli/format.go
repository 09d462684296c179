package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/makalaaneesh/isolation-harness/anomalytest"
	"github.com/makalaaneesh/isolation-harness/executor"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

var traceColumns = []string{"#", "session", "op", "txn", "result"}

// printTrace writes the trace one event per line, or as a table.
func printTrace(w io.Writer, trace *executor.Trace, format string) {
	if format != "table" {
		fmt.Fprint(w, trace)
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader(traceColumns)
	for _, e := range trace.Events {
		table.Append(eventRow(e))
	}
	table.Render()
}

// eventRow splits the text rendering of an event into table cells.
func eventRow(e executor.Event) []string {
	s := e.String()
	head, result, _ := strings.Cut(s, " -> ")
	fields := strings.Fields(head)
	txn := ""
	if last := fields[len(fields)-1]; strings.HasPrefix(last, "txn=") {
		txn = strings.TrimPrefix(last, "txn=")
		fields = fields[:len(fields)-1]
	}
	op := strings.Join(fields[2:], " ")
	return []string{fields[0][1:], fields[1], op, txn, result}
}

// printReport writes one line per mismatched step and per expectation, with
// the verdict colored, and a closing line for the scenario.
func printReport(w io.Writer, rep *anomalytest.Report, consistent bool) {
	for _, r := range rep.Steps {
		fmt.Fprintln(w, verdict(r))
	}
	for _, r := range rep.Expectations {
		fmt.Fprintln(w, verdict(r))
	}
	switch {
	case !consistent:
		fmt.Fprintf(w, "%s %s: repeated runs produced different traces\n", failColor.Sprint("FAIL"), rep.Scenario)
	case rep.Pass():
		fmt.Fprintf(w, "%s %s\n", passColor.Sprint("PASS"), rep.Scenario)
	default:
		fmt.Fprintf(w, "%s %s\n", failColor.Sprint("FAIL"), rep.Scenario)
	}
}

func verdict(r anomalytest.Result) string {
	s := r.String()
	if r.Pass {
		return passColor.Sprint("PASS") + strings.TrimPrefix(s, "PASS")
	}
	return failColor.Sprint("FAIL") + strings.TrimPrefix(s, "FAIL")
}

// printMetrics writes every metric family in the Prometheus text format.
func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}
	return nil
}
