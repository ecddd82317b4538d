package bench

import (
	"fmt"
	"os"
	"slices"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/scheduler"
)

// Grid is the set of runs the harness performs for every dataset.
type Grid struct {
	Strategies []scheduler.Strategy
	Threads    []int
	// Repeats is the number of timed runs per combination.
	Repeats int
	// Warmup is the number of untimed runs before the timed ones.
	Warmup int
	// Verify aborts the harness when a run's totals differ from the first
	// run of the same dataset.
	Verify bool
	// Datasets optionally restricts the datasets a grid file applies to.
	Datasets []string
}

// DefaultGrid runs every strategy at 1, 2, 4 and 8 threads once.
func DefaultGrid() Grid {
	return Grid{
		Strategies: scheduler.Strategies(),
		Threads:    []int{1, 2, 4, 8},
		Repeats:    1,
		Verify:     true,
	}
}

type gridFile struct {
	Strategies []string `yaml:"strategies"`
	Threads    []int    `yaml:"threads"`
	Repeats    *int     `yaml:"repeats"`
	Warmup     *int     `yaml:"warmup"`
	Verify     *bool    `yaml:"verify"`
	Datasets   []string `yaml:"datasets"`
}

// ParseGrid decodes a YAML grid. Omitted keys keep DefaultGrid values.
func ParseGrid(data []byte) (Grid, error) {
	var f gridFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Grid{}, eris.Wrap(err, "bench: parse grid")
	}

	g := DefaultGrid()
	if len(f.Strategies) > 0 {
		g.Strategies = nil
		for _, name := range f.Strategies {
			s, err := scheduler.ParseStrategy(name)
			if err != nil {
				return Grid{}, err
			}
			g.Strategies = append(g.Strategies, s)
		}
	}
	if len(f.Threads) > 0 {
		g.Threads = f.Threads
	}
	if f.Repeats != nil {
		g.Repeats = *f.Repeats
	}
	if f.Warmup != nil {
		g.Warmup = *f.Warmup
	}
	if f.Verify != nil {
		g.Verify = *f.Verify
	}
	g.Datasets = f.Datasets
	return g, g.Validate()
}

// LoadGrid reads a YAML grid file.
func LoadGrid(path string) (Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Grid{}, eris.Wrapf(err, "bench: read grid %s", path)
	}
	return ParseGrid(data)
}

// Validate rejects grids that cannot be run.
func (g Grid) Validate() error {
	if len(g.Strategies) == 0 {
		return census.PoolError("grid has no strategies")
	}
	for _, t := range g.Threads {
		if t < 1 || t > scheduler.MaxThreads {
			return census.PoolError(fmt.Sprintf("thread count %d outside [1, %d]", t, scheduler.MaxThreads))
		}
	}
	if len(g.Threads) == 0 {
		for _, s := range g.Strategies {
			if s.Parallel() {
				return census.PoolError("grid has parallel strategies but no thread counts")
			}
		}
	}
	if g.Repeats < 1 {
		return eris.Errorf("bench: repeats must be at least 1, got %d", g.Repeats)
	}
	if g.Warmup < 0 {
		return eris.Errorf("bench: warmup must not be negative, got %d", g.Warmup)
	}
	return nil
}

// Run is one (strategy, thread count) combination.
type Run struct {
	Strategy scheduler.Strategy
	Threads  int
}

// Plan lists the runs for one dataset in execution order: the sequential
// baseline once with one thread, then each parallel strategy at each
// thread count, in the order configured.
func (g Grid) Plan() []Run {
	var runs []Run
	for _, s := range g.Strategies {
		if s == scheduler.Sequential {
			runs = append(runs, Run{Strategy: s, Threads: 1})
			break
		}
	}
	seen := make(map[Run]bool)
	for _, s := range g.Strategies {
		if !s.Parallel() {
			continue
		}
		for _, t := range g.Threads {
			r := Run{Strategy: s, Threads: t}
			if seen[r] {
				continue
			}
			seen[r] = true
			runs = append(runs, r)
		}
	}
	return runs
}

// Includes reports whether the grid applies to the named dataset.
func (g Grid) Includes(name string) bool {
	return len(g.Datasets) == 0 || slices.Contains(g.Datasets, name)
}
