package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/report"
	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/source"
)

type aggregateOptions struct {
	Dataset        string
	Strategy       string
	Threads        int
	Out            string
	ExportPostgres bool
}

var aggregateFlags aggregateOptions

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Join one dataset and write ZIP code populations to CSV",
	Long:  "Assigns every tract of a dataset to the ZCTA containing its centroid and writes ZIPCode,P1_001N rows sorted by code.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = runAggregate(ctx, env, aggregateFlags, os.Stdout)
		return err
	},
}

func init() {
	f := aggregateCmd.Flags()
	f.StringVar(&aggregateFlags.Dataset, "dataset", "delaware", "configured dataset name")
	f.StringVarP(&aggregateFlags.Strategy, "strategy", "m", "ps", "join strategy (s, pb, ps or full name)")
	f.IntVarP(&aggregateFlags.Threads, "threads", "t", 4, "worker count for parallel strategies")
	f.StringVarP(&aggregateFlags.Out, "out", "o", "zipcode_population.csv", "output CSV path")
	f.BoolVar(&aggregateFlags.ExportPostgres, "export-postgres", false, "also upsert totals into geo.zcta_population")
	rootCmd.AddCommand(aggregateCmd)
}

// runAggregate joins one dataset, writes the CSV and prints a summary to w.
// Nothing is written when the join fails.
func runAggregate(ctx context.Context, env *runEnv, opts aggregateOptions, w io.Writer) (out *scheduler.Outcome, err error) {
	strategy, err := scheduler.ParseStrategy(opts.Strategy)
	if err != nil {
		return nil, err
	}
	if opts.ExportPostgres && env.Pool == nil {
		return nil, eris.New("aggregate: --export-postgres needs postgres.database_url")
	}

	var rec bench.Record
	if env.Store != nil {
		sess, serr := env.Store.CreateSession(ctx, "aggregate", []string{opts.Dataset})
		if serr != nil {
			return nil, serr
		}
		defer func() {
			if err == nil {
				err = env.Store.AddRecords(ctx, sess.ID, []bench.Record{rec})
			}
			if ferr := env.Store.FinishSession(context.WithoutCancel(ctx), sess.ID, err); ferr != nil {
				zap.L().Warn("finish session", zap.String("session", sess.ID), zap.Error(ferr))
			}
		}()
	}

	p, err := env.Catalog.Get(ctx, opts.Dataset)
	if err != nil {
		return nil, err
	}
	out, err = p.Engine.Run(ctx, strategy, opts.Threads, p.Centroids)
	if err != nil {
		return nil, err
	}
	rec, err = bench.NewRecord(p, out, 0)
	if err != nil {
		return nil, err
	}

	if err := report.WriteFileAtomic(opts.Out, func(fw io.Writer) error {
		return report.WriteTotalsCSV(fw, out.Totals)
	}); err != nil {
		return nil, err
	}

	if opts.ExportPostgres {
		n, err := source.ExportTotals(ctx, env.Pool, p.Name, out.Totals, time.Now())
		if err != nil {
			return nil, err
		}
		zap.L().Info("totals exported", zap.String("dataset", p.Name), zap.Int64("rows", n))
	}

	if err := report.WriteJoinSummary(w, p, out); err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(w, "Elapsed: %.2f seconds\n", out.Elapsed.Seconds())
	_, _ = fmt.Fprintf(w, "Wrote %s\n", opts.Out)
	return out, nil
}
