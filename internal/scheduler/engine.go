// Package scheduler routes tract centroids through a spatial index into
// per-ZCTA population totals using one of three execution strategies.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/spatial"
)

// MaxThreads bounds the worker pool size of a single run.
const MaxThreads = 4096

// cancelCheckEvery is how many items a worker processes between checks for
// a peer's fatal error.
const cancelCheckEvery = 256

// Outcome is the result of one run.
type Outcome struct {
	Strategy   Strategy
	Threads    int
	Totals     accum.Totals
	Assigned   int
	Unassigned int
	Rejected   int
	// DroppedPopulation is the population of unassigned centroids.
	DroppedPopulation uint64
	// Processed holds the number of centroids each worker handled.
	Processed []int
	// Steals and Stolen count successful steals and the items they moved.
	Steals  int
	Stolen  int
	Elapsed time.Duration
}

// Total returns the number of centroids handled across all workers.
func (o *Outcome) Total() int {
	n := 0
	for _, p := range o.Processed {
		n += p
	}
	return n
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	stealBatch int
	victims    VictimPolicy
	hook       func(worker, item int)
	seed       uint64
}

// WithStealBatch caps the number of items taken by one steal. Zero or less
// leaves only the half-of-remaining rule.
func WithStealBatch(n int) Option {
	return func(o *options) { o.stealBatch = n }
}

// WithVictimPolicy sets the order in which idle workers probe peers.
func WithVictimPolicy(p VictimPolicy) Option {
	return func(o *options) { o.victims = p }
}

// WithItemHook registers fn to be called for every centroid a worker takes,
// before lookup. fn is called concurrently from all workers.
func WithItemHook(fn func(worker, item int)) Option {
	return func(o *options) { o.hook = fn }
}

// WithSeed seeds the random victim policy.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// Engine runs joins against one index. It holds no per-run state and may
// run several joins concurrently.
type Engine struct {
	loc  spatial.Locator
	srid int
	opts options
	log  *zap.Logger
}

// New returns an engine querying loc.
func New(loc spatial.Locator, opts ...Option) *Engine {
	o := options{victims: RoundRobin, seed: 1}
	for _, fn := range opts {
		fn(&o)
	}
	e := &Engine{
		loc:  loc,
		srid: -1,
		opts: o,
		log:  zap.L().With(zap.String("component", "scheduler")),
	}
	if s, ok := loc.(interface{ SRID() int }); ok && loc.Len() > 0 {
		e.srid = s.SRID()
	}
	return e
}

// Run routes every centroid through the index with the given strategy and
// returns the merged totals. Sequential always runs on one thread.
//
// ctx is only consulted before dispatch: once workers start, the run
// completes even if ctx is cancelled. An overflow in any worker aborts the
// run and is returned as is.
func (e *Engine) Run(ctx context.Context, strategy Strategy, threads int, centroids []census.Centroid) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if threads < 1 || threads > MaxThreads {
		return nil, census.PoolError(fmt.Sprintf("thread count %d outside [1, %d]", threads, MaxThreads))
	}
	if strategy == Sequential {
		threads = 1
	}

	run := context.WithoutCancel(ctx)
	start := time.Now()

	var (
		accs []*accum.Accumulator
		out  = &Outcome{Strategy: strategy, Threads: threads}
		err  error
	)
	switch strategy {
	case Sequential:
		accs, err = e.runSequential(centroids)
	case ParallelBasic:
		accs, err = e.runStatic(run, threads, centroids)
	case WorkStealing:
		accs, err = e.runStealing(run, threads, centroids, out)
	default:
		return nil, census.PoolError(fmt.Sprintf("unknown strategy %q", strategy))
	}
	if err != nil {
		e.log.Error("join aborted",
			zap.String("strategy", strategy.String()),
			zap.Int("threads", threads),
			zap.Error(err),
		)
		return nil, err
	}

	parts := make([]accum.Totals, len(accs))
	out.Processed = make([]int, len(accs))
	for i, a := range accs {
		parts[i] = a.Totals()
		out.Processed[i] = a.Processed()
		out.Assigned += a.Assigned()
		out.Unassigned += a.Unassigned()
		out.Rejected += a.Rejected()
		out.DroppedPopulation += a.DroppedPopulation()
	}
	out.Totals, err = accum.Merge(parts...)
	if err != nil {
		return nil, err
	}
	out.Elapsed = time.Since(start)

	e.log.Debug("join complete",
		zap.String("strategy", strategy.String()),
		zap.Int("threads", threads),
		zap.Int("centroids", len(centroids)),
		zap.Int("assigned", out.Assigned),
		zap.Int("unassigned", out.Unassigned),
		zap.Int("steals", out.Steals),
		zap.Duration("elapsed", out.Elapsed),
	)
	return out, nil
}

// process looks up one centroid and credits its population.
func (e *Engine) process(acc *accum.Accumulator, worker, item int, centroids []census.Centroid) error {
	if e.opts.hook != nil {
		e.opts.hook(worker, item)
	}
	c := &centroids[item]
	if e.srid >= 0 && c.SRID != e.srid {
		acc.Reject()
		return nil
	}
	code, ok := e.loc.Locate(c.Point)
	if !ok {
		acc.Drop(c.Population)
		return nil
	}
	return acc.Add(code, c.Population)
}

func (e *Engine) runSequential(centroids []census.Centroid) ([]*accum.Accumulator, error) {
	acc := accum.New()
	for i := range centroids {
		if err := e.process(acc, 0, i, centroids); err != nil {
			return nil, err
		}
	}
	return []*accum.Accumulator{acc}, nil
}

// runStatic gives each worker one contiguous span. Skewed lookup cost within
// a span is not rebalanced.
func (e *Engine) runStatic(ctx context.Context, threads int, centroids []census.Centroid) ([]*accum.Accumulator, error) {
	spans := Partition(len(centroids), threads)
	accs := make([]*accum.Accumulator, threads)

	g, gctx := errgroup.WithContext(ctx)
	for w, span := range spans {
		acc := accum.New()
		accs[w] = acc
		g.Go(func() error {
			for i := span.Start; i < span.End; i++ {
				if (i-span.Start)%cancelCheckEvery == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				if err := e.process(acc, w, i, centroids); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return accs, nil
}
