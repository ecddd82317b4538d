package main

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/config"
	"github.com/sells-group/tractjoin/internal/db"
	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/source"
	"github.com/sells-group/tractjoin/internal/spatial"
	"github.com/sells-group/tractjoin/internal/store"
)

// runEnv holds the resources shared by the subcommands.
type runEnv struct {
	Catalog *bench.Catalog
	Pool    *pgxpool.Pool
	Store   store.Store
}

// Close releases the pool and the store.
func (e *runEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv builds the dataset catalog from c. A PostGIS pool is opened only
// when a database URL is configured; the history store only when withStore
// is set and the store is not disabled.
func initEnv(ctx context.Context, c *config.Config, withStore bool) (*runEnv, error) {
	opts, err := prepareOptions(c)
	if err != nil {
		return nil, err
	}

	env := &runEnv{}
	if c.Postgres.DatabaseURL != "" {
		pool, err := db.Connect(ctx, c.Postgres.DatabaseURL, db.PoolConfig{
			MaxConns: c.Postgres.MaxConns,
			Retry:    db.RetryPolicy{Attempts: c.Postgres.ConnectAttempts},
		})
		if err != nil {
			return nil, err
		}
		env.Pool = pool
	}

	var pool db.Pool
	if env.Pool != nil {
		pool = env.Pool
	}
	env.Catalog = bench.NewCatalog(datasetSpecs(c), func(ctx context.Context, spec source.Spec) (*bench.Prepared, error) {
		return bench.Load(ctx, spec, pool, opts)
	})

	if withStore && !c.Store.Disabled {
		st, err := initStore(ctx, c)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Store = st
	}
	return env, nil
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	path := c.Store.Path
	if path == "" {
		path = "tractjoin.db"
	}
	st, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// prepareOptions maps the engine section onto index and scheduler options.
func prepareOptions(c *config.Config) (bench.PrepareOptions, error) {
	policy, err := scheduler.ParseVictimPolicy(c.Engine.VictimPolicy)
	if err != nil {
		return bench.PrepareOptions{}, eris.Wrap(err, "engine.victim_policy")
	}
	opts := bench.PrepareOptions{
		Index: []spatial.Option{
			spatial.WithNodeCapacity(c.Engine.NodeCapacity),
			spatial.WithLinearThreshold(c.Engine.LinearThreshold),
		},
		Engine: []scheduler.Option{
			scheduler.WithStealBatch(c.Engine.StealBatch),
			scheduler.WithVictimPolicy(policy),
		},
		StrictGeometry: c.Engine.StrictGeometry,
	}
	if c.Data.CacheDir != "" {
		opts.Cache = source.NewCentroidCache(c.Data.CacheDir)
	}
	return opts, nil
}

// datasetSpecs converts the configured datasets, sorted by name. Relative
// file paths resolve against data.dir.
func datasetSpecs(c *config.Config) []source.Spec {
	specs := make([]source.Spec, 0, len(c.Data.Datasets))
	for name, d := range c.Data.Datasets {
		props := d.Properties
		if props.GEOID == "" {
			props.GEOID = c.Data.Properties.GEOID
		}
		if props.Population == "" {
			props.Population = c.Data.Properties.Population
		}
		if props.ZCTA == "" {
			props.ZCTA = c.Data.Properties.ZCTA
		}
		specs = append(specs, source.Spec{
			Name:       name,
			Label:      d.Label,
			Format:     source.Format(strings.ToLower(d.Format)),
			Dir:        c.Data.Dir,
			Tracts:     dataPath(c.Data.Dir, d.Tracts),
			ZCTAs:      dataPath(c.Data.Dir, d.ZCTAs),
			Population: dataPath(c.Data.Dir, d.Population),
			SRID:       d.SRID,
			StateFIPS:  d.StateFIPS,
			Year:       d.Year,
			Properties: source.Properties{
				GEOID:      props.GEOID,
				Population: props.Population,
				ZCTA:       props.ZCTA,
			},
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func dataPath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// benchGrid builds the default grid from the bench section.
func benchGrid(c *config.Config) (bench.Grid, error) {
	g := bench.DefaultGrid()
	if len(c.Bench.Strategies) > 0 {
		g.Strategies = nil
		for _, s := range c.Bench.Strategies {
			st, err := scheduler.ParseStrategy(s)
			if err != nil {
				return bench.Grid{}, eris.Wrap(err, "bench.strategies")
			}
			g.Strategies = append(g.Strategies, st)
		}
	}
	if len(c.Bench.Threads) > 0 {
		g.Threads = c.Bench.Threads
	}
	g.Repeats = c.Bench.Repeats
	g.Warmup = c.Bench.Warmup
	g.Verify = c.Bench.Verify
	return g, g.Validate()
}

// prepareDatasets loads names in order through the catalog.
func prepareDatasets(ctx context.Context, cat *bench.Catalog, names []string) ([]*bench.Prepared, error) {
	out := make([]*bench.Prepared, 0, len(names))
	for _, name := range names {
		p, err := cat.Get(ctx, name)
		if err != nil {
			return nil, eris.Wrapf(err, "prepare %s", name)
		}
		out = append(out, p)
	}
	return out, nil
}
