package scheduler

import (
	"fmt"
	"strings"

	"github.com/sells-group/tractjoin/internal/census"
)

// Strategy names one way of routing centroids through the index.
type Strategy string

// Strategies, labelled as they appear in benchmark tables.
const (
	Sequential    Strategy = "sequential"
	ParallelBasic Strategy = "parallel-basic"
	WorkStealing  Strategy = "parallel-work-stealing"
)

// Strategies returns every strategy in benchmark order.
func Strategies() []Strategy {
	return []Strategy{Sequential, ParallelBasic, WorkStealing}
}

// ParseStrategy accepts a strategy label or its short alias (s, pb, ps).
// Unknown names are pool errors: no run can be started with them.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "s", "seq":
		return Sequential, nil
	case "parallel-basic", "pb", "basic", "static":
		return ParallelBasic, nil
	case "parallel-work-stealing", "ps", "steal", "work-stealing":
		return WorkStealing, nil
	}
	return "", census.PoolError(fmt.Sprintf("unknown strategy %q", s))
}

// UnmarshalText lets config and grid files name strategies by alias.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Strategy) String() string { return string(s) }

// Parallel reports whether the strategy honours a thread count above one.
func (s Strategy) Parallel() bool { return s == ParallelBasic || s == WorkStealing }

// VictimPolicy selects the order in which an idle worker probes its peers.
type VictimPolicy string

// Victim policies. RoundRobin starts after the last successful victim (at
// first, the worker's right-hand neighbour) and wraps. Random probes peers
// in a fresh pseudo-random permutation on every pass, drawn from a
// generator seeded per worker.
const (
	RoundRobin VictimPolicy = "round-robin"
	Random     VictimPolicy = "random"
)

// ParseVictimPolicy accepts "round-robin" or "random"; empty means round-robin.
func ParseVictimPolicy(s string) (VictimPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "roundrobin", "rr":
		return RoundRobin, nil
	case "random", "rand":
		return Random, nil
	}
	return "", census.PoolError(fmt.Sprintf("unknown victim policy %q", s))
}
