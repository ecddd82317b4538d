// Package spatial answers "which ZCTA strictly contains this point" queries
// over a fixed set of polygons.
package spatial

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
)

// Defaults for Build.
const (
	DefaultNodeCapacity    = 16
	DefaultLinearThreshold = 8
)

// Locator resolves a point to the code of the zone containing it.
type Locator interface {
	Locate(p geom.Coord) (string, bool)
	Len() int
}

// Option configures Build.
type Option func(*options)

type options struct {
	nodeCapacity    int
	linearThreshold int
}

// WithNodeCapacity sets the maximum number of children per tree node.
// Values below 2 fall back to DefaultNodeCapacity.
func WithNodeCapacity(n int) Option {
	return func(o *options) {
		if n >= 2 {
			o.nodeCapacity = n
		}
	}
}

// WithLinearThreshold sets the polygon count below which queries scan every
// polygon instead of walking the tree. Zero always uses the tree.
func WithLinearThreshold(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.linearThreshold = n
		}
	}
}

// Stats describes a built index.
type Stats struct {
	Zones    int  `json:"zones"`
	Parts    int  `json:"parts"`
	Rejected int  `json:"rejected"`
	Nodes    int  `json:"nodes"`
	Height   int  `json:"height"`
	Linear   bool `json:"linear"`
}

// entry is one polygon part of a zone. rings[0] is the shell.
type entry struct {
	box    bbox
	zone   int
	layout geom.Layout
	rings  [][]float64
}

// Index is an immutable bounding-box tree over ZCTA polygon parts. It is
// safe for concurrent use by any number of goroutines.
type Index struct {
	codes   []string
	entries []entry
	root    *node
	srid    int
	linear  bool
	stats   Stats
}

// Build validates each ZCTA and packs the accepted polygon parts into a
// Sort-Tile-Recursive tree. Rejected ZCTAs are excluded entirely and
// returned as classified errors in input order; the index is always usable,
// possibly empty.
//
// The SRID of the first accepted ZCTA becomes the index SRID. ZCTAs in any
// other projection are rejected as input errors.
func Build(zctas []census.ZCTA, opts ...Option) (*Index, []error) {
	o := options{nodeCapacity: DefaultNodeCapacity, linearThreshold: DefaultLinearThreshold}
	for _, fn := range opts {
		fn(&o)
	}
	log := zap.L().With(zap.String("component", "spatial.index"))

	idx := &Index{}
	var rejected []error
	sridSet := false
	for _, z := range zctas {
		if err := census.ValidateMultiPolygon(z.Code, z.Geometry); err != nil {
			rejected = append(rejected, err)
			log.Debug("excluding zcta", zap.String("zcta", z.Code), zap.Error(err))
			continue
		}
		if !sridSet {
			idx.srid = z.SRID()
			sridSet = true
		} else if z.SRID() != idx.srid {
			err := census.InputError(z.Code,
				fmt.Sprintf("projection mismatch: zcta SRID %d, index SRID %d", z.SRID(), idx.srid))
			rejected = append(rejected, err)
			log.Debug("excluding zcta", zap.String("zcta", z.Code), zap.Error(err))
			continue
		}

		zone := len(idx.codes)
		idx.codes = append(idx.codes, z.Code)
		for i := 0; i < z.Geometry.NumPolygons(); i++ {
			idx.entries = append(idx.entries, newEntry(zone, z.Geometry.Polygon(i)))
		}
	}

	idx.linear = len(idx.codes) < o.linearThreshold
	if !idx.linear && len(idx.entries) > 0 {
		idx.root = pack(idx.entries, o.nodeCapacity)
	}

	idx.stats = Stats{
		Zones:    len(idx.codes),
		Parts:    len(idx.entries),
		Rejected: len(rejected),
		Linear:   idx.linear,
	}
	if idx.root != nil {
		idx.stats.Nodes, idx.stats.Height = idx.root.count()
	}
	if len(rejected) > 0 {
		log.Warn("zctas excluded from index",
			zap.Int("accepted", len(idx.codes)),
			zap.Int("rejected", len(rejected)),
		)
	}
	return idx, rejected
}

func newEntry(zone int, p *geom.Polygon) entry {
	e := entry{zone: zone, layout: p.Layout(), box: emptyBox()}
	for j := 0; j < p.NumLinearRings(); j++ {
		flat := p.LinearRing(j).FlatCoords()
		e.rings = append(e.rings, flat)
		if j == 0 {
			e.box = boxOf(flat, p.Stride())
		}
	}
	return e
}

// Locate returns the code of the zone whose interior strictly contains p.
// Points on any polygon boundary are not contained. When zones overlap the
// one supplied first to Build wins.
func (idx *Index) Locate(p geom.Coord) (string, bool) {
	best := -1
	if idx.linear {
		for i := range idx.entries {
			e := &idx.entries[i]
			if e.box.contains(p) && e.strictlyContains(p) {
				best = e.zone
				break
			}
		}
	} else if idx.root != nil {
		best = idx.root.search(idx.entries, p)
	}
	if best < 0 {
		return "", false
	}
	return idx.codes[best], true
}

// Len returns the number of indexed zones.
func (idx *Index) Len() int { return len(idx.codes) }

// SRID returns the projection of the indexed geometries.
func (idx *Index) SRID() int { return idx.srid }

// Codes returns the indexed zone codes in input order.
func (idx *Index) Codes() []string {
	out := make([]string, len(idx.codes))
	copy(out, idx.codes)
	return out
}

// Stats returns the shape of the index.
func (idx *Index) Stats() Stats { return idx.stats }

func (e *entry) strictlyContains(p geom.Coord) bool {
	if xy.LocatePointInRing(e.layout, p, e.rings[0]) != location.Interior {
		return false
	}
	for _, hole := range e.rings[1:] {
		if xy.LocatePointInRing(e.layout, p, hole) != location.Exterior {
			return false
		}
	}
	return true
}
