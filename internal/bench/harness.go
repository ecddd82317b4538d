package bench

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tractjoin/internal/scheduler"
)

// ErrDigestMismatch is returned when a verified run disagrees with the
// dataset's baseline totals.
var ErrDigestMismatch = eris.New("bench: totals differ from baseline")

// Record is one timed run.
type Record struct {
	Strategy          scheduler.Strategy `json:"function"`
	Dataset           string             `json:"dataset"`
	Label             string             `json:"file_size"`
	Threads           int                `json:"nthreads"`
	Repeat            int                `json:"repeat"`
	Elapsed           time.Duration      `json:"-"`
	Seconds           float64            `json:"time"`
	Assigned          int                `json:"assigned"`
	Unassigned        int                `json:"unassigned"`
	Rejected          int                `json:"rejected"`
	DroppedPopulation uint64             `json:"dropped_population"`
	Total             uint64             `json:"total_population"`
	Steals            int                `json:"steals"`
	Digest            uint64             `json:"digest"`
}

// NewRecord describes one finished run of p. It fails only when the
// grand total overflows.
func NewRecord(p *Prepared, out *scheduler.Outcome, repeat int) (Record, error) {
	sum, err := out.Totals.Sum()
	if err != nil {
		return Record{}, err
	}
	return Record{
		Strategy:          out.Strategy,
		Dataset:           p.Name,
		Label:             p.Label,
		Threads:           out.Threads,
		Repeat:            repeat,
		Elapsed:           out.Elapsed,
		Seconds:           out.Elapsed.Seconds(),
		Assigned:          out.Assigned,
		Unassigned:        out.Unassigned,
		Rejected:          out.Rejected,
		DroppedPopulation: out.DroppedPopulation,
		Total:             sum,
		Steals:            out.Steals,
		Digest:            out.Totals.Digest(),
	}, nil
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithRecordHook calls fn after each timed run, in grid order.
func WithRecordHook(fn func(Record)) HarnessOption {
	return func(h *Harness) { h.onRecord = fn }
}

// WithProgressInterval sets how often progress is logged.
func WithProgressInterval(d time.Duration) HarnessOption {
	return func(h *Harness) { h.progress = rate.Sometimes{First: 1, Interval: d} }
}

// Harness times engine runs over a grid.
type Harness struct {
	log      *zap.Logger
	progress rate.Sometimes
	onRecord func(Record)
}

// NewHarness returns a harness that logs progress at most every 5 seconds.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{
		log:      zap.L().With(zap.String("component", "bench")),
		progress: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, fn := range opts {
		fn(h)
	}
	return h
}

// Run executes grid against every dataset, in dataset order and then plan
// order, and returns one record per timed run in that order. Index builds
// are not timed. On error the records gathered so far are returned with it.
func (h *Harness) Run(ctx context.Context, grid Grid, datasets []*Prepared) ([]Record, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	plan := grid.Plan()
	total := len(plan) * len(datasets) * grid.Repeats

	records := make([]Record, 0, total)
	for _, ds := range datasets {
		var (
			baseline uint64
			haveBase bool
		)
		for _, run := range plan {
			if err := ctx.Err(); err != nil {
				return records, err
			}
			for i := 0; i < grid.Warmup; i++ {
				if _, err := ds.Engine.Run(ctx, run.Strategy, run.Threads, ds.Centroids); err != nil {
					return records, err
				}
			}

			for rep := 0; rep < grid.Repeats; rep++ {
				out, err := ds.Engine.Run(ctx, run.Strategy, run.Threads, ds.Centroids)
				if err != nil {
					h.log.Error("run failed",
						zap.String("dataset", ds.Name),
						zap.String("strategy", run.Strategy.String()),
						zap.Int("threads", run.Threads),
						zap.Error(err),
					)
					return records, err
				}

				rec, err := NewRecord(ds, out, rep)
				if err != nil {
					return records, err
				}

				if grid.Verify {
					if !haveBase {
						baseline, haveBase = rec.Digest, true
					} else if rec.Digest != baseline {
						return records, eris.Wrapf(ErrDigestMismatch, "%s %s threads=%d: digest %016x, baseline %016x",
							ds.Name, run.Strategy, run.Threads, rec.Digest, baseline)
					}
				}

				records = append(records, rec)
				if h.onRecord != nil {
					h.onRecord(rec)
				}
				h.progress.Do(func() {
					h.log.Info("benchmark progress",
						zap.Int("done", len(records)),
						zap.Int("total", total),
						zap.String("dataset", ds.Name),
						zap.String("strategy", run.Strategy.String()),
						zap.Int("threads", run.Threads),
						zap.Float64("seconds", rec.Seconds),
					)
				})
			}
		}
	}
	h.log.Info("benchmark complete", zap.Int("records", len(records)))
	return records, nil
}
