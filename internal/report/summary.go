package report

import (
	"io"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/scheduler"
)

var printer = message.NewPrinter(language.English)

// WriteJoinSummary prints the counts of one join with grouped digits.
func WriteJoinSummary(w io.Writer, p *bench.Prepared, out *scheduler.Outcome) error {
	sum, err := out.Totals.Sum()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	printer.Fprintf(tw, "dataset\t%s (%s)\n", p.Name, p.Label)
	printer.Fprintf(tw, "strategy\t%s x%d\n", out.Strategy, out.Threads)
	printer.Fprintf(tw, "zctas indexed\t%d\n", p.Index.Len())
	printer.Fprintf(tw, "zctas with population\t%d\n", len(out.Totals))
	printer.Fprintf(tw, "centroids assigned\t%d\n", out.Assigned)
	printer.Fprintf(tw, "centroids unassigned\t%d (population %d)\n", out.Unassigned, out.DroppedPopulation)
	printer.Fprintf(tw, "records skipped\t%d\n", p.Diagnostics.SkippedTotal())
	printer.Fprintf(tw, "population joined\t%d of %d\n", sum, p.Population)
	if out.Strategy == scheduler.WorkStealing {
		printer.Fprintf(tw, "steals\t%d (%d items)\n", out.Steals, out.Stolen)
	}
	return tw.Flush()
}

// WriteBenchmarkTable prints records followed by the speedup table.
func WriteBenchmarkTable(w io.Writer, records []bench.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	printer.Fprintf(tw, "DATASET\tSIZE\tFUNCTION\tTHREADS\tSECONDS\tASSIGNED\n")
	for _, r := range records {
		printer.Fprintf(tw, "%s\t%s\t%s\t%d\t%.4f\t%d\n",
			r.Dataset, r.Label, r.Strategy, r.Threads, r.Seconds, r.Assigned)
	}
	if sp := Speedups(records); len(sp) > 0 {
		printer.Fprintf(tw, "\nDATASET\tSIZE\tFUNCTION\tTHREADS\tSPEEDUP\t\n")
		for _, s := range sp {
			printer.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2fx\t\n", s.Dataset, s.Label, s.Strategy, s.Threads, s.Speedup)
		}
	}
	return tw.Flush()
}
