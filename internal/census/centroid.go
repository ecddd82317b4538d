package census

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"
)

// Extract reduces a tract to its area centroid. srid is the planar projection
// the ZCTA index was built in; a tract in any other projection is an input
// error, an unusable polygon a geometry error.
func Extract(t Tract, srid int) (Centroid, error) {
	if t.Geometry == nil {
		return Centroid{}, GeometryError(t.GEOID, "missing geometry")
	}
	if t.SRID() != srid {
		return Centroid{}, InputError(t.GEOID,
			fmt.Sprintf("projection mismatch: tract SRID %d, index SRID %d", t.SRID(), srid))
	}
	if err := ValidateMultiPolygon(t.GEOID, t.Geometry); err != nil {
		return Centroid{}, err
	}

	c, err := xy.Centroid(t.Geometry)
	if err != nil {
		return Centroid{}, WrapGeometry(t.GEOID, "compute centroid", err)
	}
	return Centroid{
		GEOID:      t.GEOID,
		Population: t.Population,
		Point:      geom.Coord{c.X(), c.Y()},
		SRID:       srid,
	}, nil
}

// ExtractAll derives one centroid per usable tract, preserving input order.
// Rejected tracts are counted in the returned diagnostics and do not stop
// the extraction.
func ExtractAll(tracts []Tract, srid int) ([]Centroid, Diagnostics) {
	log := zap.L().With(zap.String("component", "census.centroid"))

	var diag Diagnostics
	out := make([]Centroid, 0, len(tracts))
	for _, t := range tracts {
		c, err := Extract(t, srid)
		if err != nil {
			diag.Skip(err)
			log.Debug("skipping tract", zap.String("geoid", t.GEOID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	diag.Accepted = len(out)

	if n := diag.SkippedTotal(); n > 0 {
		log.Info("tracts skipped during centroid extraction",
			zap.Int("accepted", diag.Accepted),
			zap.Int("skipped", n),
		)
	}
	return out, diag
}
