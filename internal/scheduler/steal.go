package scheduler

import (
	"context"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/census"
)

const (
	spinAttempts = 4
	idleSleep    = 20 * time.Microsecond
)

type stealRun struct {
	e         *Engine
	centroids []census.Centroid
	deques    []*deque
	barrier   *TerminationBarrier
}

type thief struct {
	id     int
	acc    *accum.Accumulator
	rng    *rand.Rand
	cursor int
	steals int
	stolen int
}

// runStealing seeds every worker's deque with the same spans as the static
// strategy, then lets idle workers take batches from busy peers until the
// termination barrier reports every worker idle.
func (e *Engine) runStealing(ctx context.Context, threads int, centroids []census.Centroid, out *Outcome) ([]*accum.Accumulator, error) {
	r := &stealRun{
		e:         e,
		centroids: centroids,
		deques:    make([]*deque, threads),
		barrier:   NewTerminationBarrier(threads),
	}
	for w, span := range Partition(len(centroids), threads) {
		r.deques[w] = newDeque(span)
	}

	thieves := make([]*thief, threads)
	for w := range thieves {
		thieves[w] = &thief{
			id:     w,
			acc:    accum.New(),
			rng:    rand.New(rand.NewPCG(e.opts.seed, uint64(w))),
			cursor: w + 1,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range thieves {
		g.Go(func() error { return r.work(gctx, t) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	accs := make([]*accum.Accumulator, threads)
	for w, t := range thieves {
		accs[w] = t.acc
		out.Steals += t.steals
		out.Stolen += t.stolen
	}
	return accs, nil
}

func (r *stealRun) work(ctx context.Context, t *thief) error {
	own := r.deques[t.id]
	n := 0
	for {
		for {
			item, ok := own.popHead()
			if !ok {
				break
			}
			if n%cancelCheckEvery == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			n++
			if err := r.e.process(t.acc, t.id, item, r.centroids); err != nil {
				return err
			}
		}

		r.barrier.SetActive(false)
		if !r.steal(ctx, t) {
			return ctx.Err()
		}
	}
}

// steal blocks until t has pushed a stolen batch into its own deque, or
// returns false once the pool has terminated or ctx is done. t is inactive
// on entry and active after a successful steal.
func (r *stealRun) steal(ctx context.Context, t *thief) bool {
	own := r.deques[t.id]
	for attempt := 0; ; attempt++ {
		if r.barrier.Terminated() || ctx.Err() != nil {
			return false
		}
		for _, v := range r.victims(t) {
			victim := r.deques[v]
			if victim.size() == 0 {
				continue
			}
			r.barrier.SetActive(true)
			batch := victim.stealTail(r.e.opts.stealBatch)
			if len(batch) == 0 {
				r.barrier.SetActive(false)
				continue
			}
			own.pushBatch(batch)
			t.steals++
			t.stolen += len(batch)
			t.cursor = v + 1
			return true
		}
		if attempt < spinAttempts {
			runtime.Gosched()
		} else {
			time.Sleep(idleSleep)
		}
	}
}

// victims returns the peers of t in probe order.
func (r *stealRun) victims(t *thief) []int {
	k := len(r.deques)
	if k < 2 {
		return nil
	}
	out := make([]int, 0, k-1)
	switch r.e.opts.victims {
	case Random:
		for _, p := range t.rng.Perm(k - 1) {
			// Map [0, k-1) onto peers, skipping t itself.
			if p >= t.id {
				p++
			}
			out = append(out, p)
		}
	default:
		for i := 0; i < k; i++ {
			v := (t.cursor + i) % k
			if v != t.id {
				out = append(out, v)
			}
		}
	}
	return out
}
