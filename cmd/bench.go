package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/report"
)

type benchOptions struct {
	Grid     string
	Datasets []string
	Out      string
	XLSX     string
	NoStore  bool
}

var benchFlags benchOptions

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time every strategy and thread count over the configured datasets",
	Long:  "Runs the benchmark grid, writes function,file_size,nthreads,time rows to CSV and optionally a workbook with a speedup sheet.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, !benchFlags.NoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = runBench(ctx, env, benchFlags, os.Stdout)
		return err
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&benchFlags.Grid, "grid", "", "YAML grid file (default from the bench config section)")
	f.StringSliceVar(&benchFlags.Datasets, "datasets", nil, "datasets to run (default: the grid's, else every configured one)")
	f.StringVarP(&benchFlags.Out, "out", "o", "", "benchmark CSV path (default bench.csv_out)")
	f.StringVar(&benchFlags.XLSX, "xlsx", "", "also write an XLSX workbook (default bench.xlsx_out)")
	f.BoolVar(&benchFlags.NoStore, "no-store", false, "do not record the session in the history database")
	rootCmd.AddCommand(benchCmd)
}

// runBench runs the grid and writes its outputs. Records gathered before a
// failure are still stored with the failed session, but no file is written.
func runBench(ctx context.Context, env *runEnv, opts benchOptions, w io.Writer) ([]bench.Record, error) {
	grid, err := loadBenchGrid(opts.Grid)
	if err != nil {
		return nil, err
	}
	names := opts.Datasets
	if len(names) == 0 {
		names = grid.Datasets
	}
	if len(names) == 0 {
		names = env.Catalog.Names()
	}

	out := opts.Out
	if out == "" {
		out = cfg.Bench.CSVOut
	}
	if out == "" {
		return nil, eris.New("bench: no output path (set --out or bench.csv_out)")
	}
	xlsxOut := opts.XLSX
	if xlsxOut == "" {
		xlsxOut = cfg.Bench.XLSXOut
	}

	datasets, err := prepareDatasets(ctx, env.Catalog, names)
	if err != nil {
		return nil, err
	}

	var sessionID string
	if env.Store != nil {
		sess, err := env.Store.CreateSession(ctx, "bench", names)
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	}

	records, runErr := bench.NewHarness().Run(ctx, grid, datasets)
	if env.Store != nil {
		if err := env.Store.AddRecords(context.WithoutCancel(ctx), sessionID, records); err != nil {
			zap.L().Warn("store records", zap.String("session", sessionID), zap.Error(err))
		}
		if err := env.Store.FinishSession(context.WithoutCancel(ctx), sessionID, runErr); err != nil {
			zap.L().Warn("finish session", zap.String("session", sessionID), zap.Error(err))
		}
	}
	if runErr != nil {
		return records, runErr
	}

	if err := report.WriteFileAtomic(out, func(fw io.Writer) error {
		return report.WriteBenchmarkCSV(fw, records)
	}); err != nil {
		return records, err
	}
	if xlsxOut != "" {
		if err := report.WriteFileAtomic(xlsxOut, func(fw io.Writer) error {
			return report.WriteBenchmarkXLSX(fw, records)
		}); err != nil {
			return records, err
		}
	}

	if err := report.WriteBenchmarkTable(w, records); err != nil {
		return records, err
	}
	zap.L().Info("benchmark written",
		zap.String("csv", out),
		zap.String("xlsx", xlsxOut),
		zap.String("session", sessionID),
	)
	return records, nil
}

func loadBenchGrid(path string) (bench.Grid, error) {
	if path != "" {
		return bench.LoadGrid(path)
	}
	return benchGrid(cfg)
}
