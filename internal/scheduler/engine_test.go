package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/census/censustest"
	"github.com/sells-group/tractjoin/internal/spatial"
)

// fixedLocator assigns every point to the same zone.
type fixedLocator string

func (f fixedLocator) Locate(geom.Coord) (string, bool) { return string(f), true }
func (f fixedLocator) Len() int                         { return 1 }

// slowLocator delays lookups of points left of slowX to skew per-item cost.
type slowLocator struct {
	spatial.Locator
	slowX float64
	delay time.Duration
}

func (s slowLocator) Locate(p geom.Coord) (string, bool) {
	if p.X() < s.slowX {
		time.Sleep(s.delay)
	}
	return s.Locator.Locate(p)
}

func twoZones(t *testing.T) *spatial.Index {
	t.Helper()
	idx, rejected := spatial.Build([]census.ZCTA{
		censustest.ZCTA("Z1", censustest.Rect(0, 0, 10, 10)),
		censustest.ZCTA("Z2", censustest.Rect(10, 0, 20, 10)),
	})
	require.Empty(t, rejected)
	return idx
}

func allCombos() []struct {
	strategy Strategy
	threads  int
} {
	var out []struct {
		strategy Strategy
		threads  int
	}
	for _, s := range Strategies() {
		for _, n := range []int{1, 2, 4} {
			out = append(out, struct {
				strategy Strategy
				threads  int
			}{s, n})
		}
	}
	return out
}

func TestRun_ThreeCentroidScenario(t *testing.T) {
	idx := twoZones(t)
	centroids := []census.Centroid{
		censustest.Centroid("C1", 100, 2, 2),
		censustest.Centroid("C2", 50, 5, 5),
		censustest.Centroid("C3", 30, 15, 5),
	}
	eng := New(idx)

	for _, c := range allCombos() {
		out, err := eng.Run(context.Background(), c.strategy, c.threads, centroids)
		require.NoError(t, err, "%s/%d", c.strategy, c.threads)
		assert.Equal(t, accum.Totals{"Z1": 150, "Z2": 30}, out.Totals, "%s/%d", c.strategy, c.threads)
		assert.Equal(t, 3, out.Assigned)
		assert.Zero(t, out.Unassigned)
		assert.Equal(t, 3, out.Total())
	}
}

func TestRun_SharedBoundaryIsUnassigned(t *testing.T) {
	idx := twoZones(t)
	centroids := []census.Centroid{
		censustest.Centroid("ON_EDGE", 500, 10, 5),
		censustest.Centroid("INSIDE", 7, 12, 5),
	}
	eng := New(idx)

	for _, c := range allCombos() {
		out, err := eng.Run(context.Background(), c.strategy, c.threads, centroids)
		require.NoError(t, err)
		assert.Equal(t, accum.Totals{"Z2": 7}, out.Totals, "%s/%d", c.strategy, c.threads)
		assert.Equal(t, 1, out.Unassigned)
		assert.Equal(t, uint64(500), out.DroppedPopulation)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	eng := New(twoZones(t))
	for _, c := range allCombos() {
		out, err := eng.Run(context.Background(), c.strategy, c.threads, nil)
		require.NoError(t, err)
		assert.Empty(t, out.Totals)
		assert.Zero(t, out.Total())
	}
}

func TestRun_SinglePair(t *testing.T) {
	idx, _ := spatial.Build([]census.ZCTA{censustest.ZCTA("19901", censustest.Rect(0, 0, 1, 1))})
	tract := censustest.TractAt("10001040100", 4215, 0.5, 0.5)
	c, err := census.Extract(tract, idx.SRID())
	require.NoError(t, err)

	for _, s := range Strategies() {
		out, err := New(idx).Run(context.Background(), s, 2, []census.Centroid{c})
		require.NoError(t, err)
		assert.Equal(t, accum.Totals{"19901": 4215}, out.Totals)
	}
}

func TestRun_ParallelMatchesSequential(t *testing.T) {
	idx, _ := spatial.Build(censustest.Grid(8, 8, 1))
	r := rand.New(rand.NewPCG(42, 1))
	centroids := censustest.RandomCentroids(r, 3000, -1, -1, 9, 9)

	var population uint64
	for _, c := range centroids {
		population += c.Population
	}

	eng := New(idx)
	oracle, err := eng.Run(context.Background(), Sequential, 1, centroids)
	require.NoError(t, err)

	for _, s := range []Strategy{ParallelBasic, WorkStealing} {
		for _, n := range []int{1, 2, 4, 8} {
			out, err := eng.Run(context.Background(), s, n, centroids)
			require.NoError(t, err)
			assert.True(t, oracle.Totals.Equal(out.Totals), "%s/%d", s, n)
			assert.Equal(t, oracle.Totals.Digest(), out.Totals.Digest())
			assert.Equal(t, oracle.Unassigned, out.Unassigned)
			assert.Len(t, out.Processed, n)

			sum, err := out.Totals.Sum()
			require.NoError(t, err)
			assert.LessOrEqual(t, sum, population)
			assert.Equal(t, population, sum+out.DroppedPopulation)
			if out.Unassigned == 0 {
				assert.Equal(t, population, sum)
			}
		}
	}
	assert.Positive(t, oracle.Unassigned, "fixture places some centroids outside the grid")
}

func TestRun_Idempotent(t *testing.T) {
	idx, _ := spatial.Build(censustest.Grid(5, 5, 2))
	centroids := censustest.RandomCentroids(rand.New(rand.NewPCG(3, 3)), 800, 0, 0, 10, 10)
	eng := New(idx, WithVictimPolicy(Random))

	for _, s := range Strategies() {
		a, err := eng.Run(context.Background(), s, 4, centroids)
		require.NoError(t, err)
		b, err := eng.Run(context.Background(), s, 4, centroids)
		require.NoError(t, err)
		assert.Equal(t, a.Totals.Rows(), b.Totals.Rows())
		assert.Equal(t, a.Totals.Digest(), b.Totals.Digest())
	}
}

func TestRun_BeyondInt32(t *testing.T) {
	idx := twoZones(t)
	const big = uint64(1) << 31
	centroids := []census.Centroid{
		censustest.Centroid("A", big, 1, 1),
		censustest.Centroid("B", big, 2, 2),
		censustest.Centroid("C", big+5, 3, 3),
	}
	for _, c := range allCombos() {
		out, err := New(idx).Run(context.Background(), c.strategy, c.threads, centroids)
		require.NoError(t, err)
		assert.Equal(t, 3*big+5, out.Totals["Z1"])
	}
}

func TestRun_OverflowIsFatal(t *testing.T) {
	half := uint64(math.MaxUint64/2 + 1)
	centroids := []census.Centroid{
		censustest.Centroid("A", half, 0, 0),
		censustest.Centroid("B", half, 0, 0),
	}
	eng := New(fixedLocator("Z"))
	for _, c := range allCombos() {
		out, err := eng.Run(context.Background(), c.strategy, c.threads, centroids)
		require.Error(t, err, "%s/%d", c.strategy, c.threads)
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, census.ErrOverflow))
	}
}

func TestRun_PoolErrors(t *testing.T) {
	eng := New(twoZones(t))

	_, err := eng.Run(context.Background(), ParallelBasic, 0, nil)
	assert.True(t, errors.Is(err, census.ErrPool))

	_, err = eng.Run(context.Background(), WorkStealing, MaxThreads+1, nil)
	assert.True(t, errors.Is(err, census.ErrPool))

	_, err = eng.Run(context.Background(), Strategy("bogus"), 2, nil)
	assert.True(t, errors.Is(err, census.ErrPool))
}

func TestRun_SequentialIgnoresThreadCount(t *testing.T) {
	out, err := New(twoZones(t)).Run(context.Background(), Sequential, 8,
		[]census.Centroid{censustest.Centroid("C", 1, 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Threads)
	assert.Len(t, out.Processed, 1)
}

func TestRun_CancelledBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(twoZones(t)).Run(ctx, WorkStealing, 2, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CancelAfterDispatchCompletes(t *testing.T) {
	centroids := censustest.RandomCentroids(rand.New(rand.NewPCG(9, 9)), 2000, 0, 0, 20, 10)
	idx := twoZones(t)

	want, err := New(idx).Run(context.Background(), Sequential, 1, centroids)
	require.NoError(t, err)

	for _, s := range Strategies() {
		ctx, cancel := context.WithCancel(context.Background())
		var once atomic.Bool
		eng := New(idx, WithItemHook(func(_, _ int) {
			if once.CompareAndSwap(false, true) {
				cancel()
			}
		}))
		out, err := eng.Run(ctx, s, 4, centroids)
		require.NoError(t, err, "%s", s)
		assert.True(t, want.Totals.Equal(out.Totals), "%s", s)
		assert.Equal(t, len(centroids), out.Total())
		cancel()
	}
}

func TestRun_RejectsForeignProjection(t *testing.T) {
	foreign := censustest.Centroid("F", 99, 1, 1)
	foreign.SRID = 4326
	centroids := []census.Centroid{foreign, censustest.Centroid("OK", 1, 1, 1)}

	for _, c := range allCombos() {
		out, err := New(twoZones(t)).Run(context.Background(), c.strategy, c.threads, centroids)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Rejected)
		assert.Equal(t, accum.Totals{"Z1": 1}, out.Totals)
		assert.Equal(t, 2, out.Total())
	}
}

func TestWorkStealing_EveryItemExactlyOnce(t *testing.T) {
	idx, _ := spatial.Build(censustest.Grid(6, 6, 1))
	centroids := censustest.RandomCentroids(rand.New(rand.NewPCG(5, 8)), 1500, 0, 0, 6, 6)
	cases := []struct {
		name string
		opts []Option
	}{
		{"round-robin", []Option{WithVictimPolicy(RoundRobin)}},
		{"random", []Option{WithVictimPolicy(Random), WithSeed(77)}},
		{"single-item batches", []Option{WithStealBatch(1)}},
		{"capped batches random", []Option{WithStealBatch(16), WithVictimPolicy(Random)}},
	}

	for _, tc := range cases {
		for _, n := range []int{1, 2, 3, 4, 8} {
			counts := make([]atomic.Int32, len(centroids))
			opts := append([]Option{WithItemHook(func(_, item int) { counts[item].Add(1) })}, tc.opts...)
			loc := slowLocator{Locator: idx, slowX: 1, delay: 20 * time.Microsecond}

			out, err := New(loc, opts...).Run(context.Background(), WorkStealing, n, centroids)
			require.NoError(t, err, "%s/%d", tc.name, n)

			for i := range counts {
				require.Equal(t, int32(1), counts[i].Load(), "%s/%d item %d", tc.name, n, i)
			}
			assert.Equal(t, len(centroids), out.Total())
		}
	}
}

func TestWorkStealing_SkewTriggersSteals(t *testing.T) {
	idx := twoZones(t)
	// Sorted by x, so the slow points all start in worker 0's span.
	centroids := make([]census.Centroid, 400)
	for i := range centroids {
		x := float64(i) / 20
		centroids[i] = censustest.Centroid("T", 1, x+0.01, 5)
	}
	loc := slowLocator{Locator: idx, slowX: 5, delay: 100 * time.Microsecond}

	var perWorker [4]atomic.Int32
	eng := New(loc, WithItemHook(func(w, _ int) { perWorker[w].Add(1) }))
	out, err := eng.Run(context.Background(), WorkStealing, 4, centroids)
	require.NoError(t, err)

	assert.Positive(t, out.Steals)
	assert.Positive(t, out.Stolen)
	assert.Equal(t, 400, out.Total())
	for w := range perWorker {
		assert.Equal(t, int(perWorker[w].Load()), out.Processed[w])
	}
}
