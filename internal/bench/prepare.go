// Package bench prepares datasets for joining and drives the join engine
// over a grid of strategies and thread counts, timing each run.
package bench

import (
	"context"
	"math"
	"math/bits"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/db"
	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/source"
	"github.com/sells-group/tractjoin/internal/spatial"
)

// Prepared is a dataset ready to be joined: its ZCTA index is built and its
// tract centroids extracted. It is shared read-only by every run.
type Prepared struct {
	Name      string
	Label     string
	Index     *spatial.Index
	Engine    *scheduler.Engine
	Centroids []census.Centroid
	// Population is the summed population of all extracted centroids,
	// saturating at the largest uint64.
	Population  uint64
	Diagnostics census.Diagnostics
	BuildTime   time.Duration
	CacheHit    bool
}

// PrepareOptions tunes index construction and the engine.
type PrepareOptions struct {
	Index  []spatial.Option
	Engine []scheduler.Option
	Cache  *source.CentroidCache
	// StrictGeometry aborts preparation when any ZCTA is rejected.
	StrictGeometry bool
}

// Prepare builds the ZCTA index and extracts tract centroids in the index's
// projection. Rejected records are counted, not fatal, except that a
// dataset whose every ZCTA is rejected cannot be joined.
func Prepare(ds *source.Dataset, opts PrepareOptions) (*Prepared, error) {
	log := zap.L().With(zap.String("component", "bench.prepare"), zap.String("dataset", ds.Name))

	start := time.Now()
	idx, rejected := spatial.Build(ds.ZCTAs, opts.Index...)
	build := time.Since(start)

	if len(rejected) > 0 {
		if idx.Len() == 0 {
			return nil, eris.Wrapf(rejected[0], "bench: every zcta of %s was rejected", ds.Name)
		}
		if opts.StrictGeometry {
			return nil, eris.Wrapf(rejected[0], "bench: %d zctas of %s rejected", len(rejected), ds.Name)
		}
	}

	p := &Prepared{
		Name:      ds.Name,
		Label:     ds.Label,
		Index:     idx,
		Engine:    scheduler.New(idx, opts.Engine...),
		BuildTime: build,
	}
	p.Diagnostics.Add(ds.Diagnostics)
	for _, err := range rejected {
		p.Diagnostics.Skip(err)
	}

	srid := ds.SRID
	if idx.Len() > 0 {
		srid = idx.SRID()
	}
	centroids, diag, hit, err := extract(ds, srid, opts.Cache)
	if err != nil {
		return nil, err
	}
	p.Centroids = centroids
	p.CacheHit = hit
	p.Diagnostics.Add(diag)
	p.Population = sumPopulation(centroids)

	log.Info("dataset prepared",
		zap.Int("zones", idx.Len()),
		zap.Int("centroids", len(centroids)),
		zap.Duration("index_build", build),
		zap.Bool("cache_hit", hit),
		zap.Int("skipped", p.Diagnostics.SkippedTotal()),
	)
	return p, nil
}

func extract(ds *source.Dataset, srid int, cache *source.CentroidCache) ([]census.Centroid, census.Diagnostics, bool, error) {
	if !cache.Enabled() {
		cs, diag := census.ExtractAll(ds.Tracts, srid)
		return cs, diag, false, nil
	}

	key := source.CacheKey{Dataset: ds.Name, SRID: srid, Digest: source.TractDigest(ds.Tracts)}
	cs, diag, hit, err := cache.Load(key)
	if err != nil {
		zap.L().Warn("ignoring unreadable centroid cache",
			zap.String("component", "bench.prepare"),
			zap.String("dataset", ds.Name),
			zap.Error(err),
		)
	}
	if hit {
		return cs, diag, true, nil
	}

	cs, diag = census.ExtractAll(ds.Tracts, srid)
	if err := cache.Store(key, cs, diag); err != nil {
		return nil, diag, false, err
	}
	return cs, diag, false, nil
}

func sumPopulation(cs []census.Centroid) uint64 {
	var total uint64
	for _, c := range cs {
		var carry uint64
		total, carry = bits.Add64(total, c.Population, 0)
		if carry != 0 {
			return math.MaxUint64
		}
	}
	return total
}

// Load reads spec and prepares the result.
func Load(ctx context.Context, spec source.Spec, pool db.Pool, opts PrepareOptions) (*Prepared, error) {
	ds, err := source.Load(ctx, spec, pool)
	if err != nil {
		return nil, err
	}
	return Prepare(ds, opts)
}
