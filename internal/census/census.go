// Package census holds the tract and ZCTA records joined by tractjoin and the
// reduction of each tract to a single representative point.
package census

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
)

// Tract is one census tract with its total population.
type Tract struct {
	GEOID      string
	Population uint64
	Geometry   *geom.MultiPolygon
}

// SRID returns the spatial reference of the tract geometry, or 0 when unset.
func (t Tract) SRID() int {
	if t.Geometry == nil {
		return 0
	}
	return t.Geometry.SRID()
}

// ZCTA is a ZIP Code Tabulation Area boundary.
type ZCTA struct {
	Code     string
	Geometry *geom.MultiPolygon
}

// SRID returns the spatial reference of the ZCTA geometry, or 0 when unset.
func (z ZCTA) SRID() int {
	if z.Geometry == nil {
		return 0
	}
	return z.Geometry.SRID()
}

// Centroid is the representative point of a tract, carrying the tract's
// identifier and population.
type Centroid struct {
	GEOID      string
	Population uint64
	Point      geom.Coord
	SRID       int
}

// ToMultiPolygon normalizes a decoded geometry to a MultiPolygon. Polygons
// become single-part multipolygons; every other geometry type is rejected.
func ToMultiPolygon(entity string, g geom.T) (*geom.MultiPolygon, error) {
	switch v := g.(type) {
	case *geom.MultiPolygon:
		if v == nil {
			return nil, GeometryError(entity, "missing geometry")
		}
		return v, nil
	case *geom.Polygon:
		if v == nil {
			return nil, GeometryError(entity, "missing geometry")
		}
		mp := geom.NewMultiPolygon(v.Layout()).SetSRID(v.SRID())
		if err := mp.Push(v); err != nil {
			return nil, WrapGeometry(entity, "convert polygon", err)
		}
		return mp, nil
	case nil:
		return nil, GeometryError(entity, "missing geometry")
	default:
		return nil, GeometryError(entity, fmt.Sprintf("unsupported geometry type %T", g))
	}
}

// ParsePopulation converts a decoded attribute value into a population count.
// JSON numbers, integers and decimal strings are accepted; missing, negative,
// fractional or non-numeric values are input errors.
func ParsePopulation(geoid string, v any) (uint64, error) {
	switch n := v.(type) {
	case nil:
		return 0, InputError(geoid, "missing population")
	case uint64:
		return n, nil
	case int:
		return fromInt64(geoid, int64(n))
	case int32:
		return fromInt64(geoid, int64(n))
	case int64:
		return fromInt64(geoid, n)
	case float64:
		return fromFloat(geoid, n)
	case string:
		s := strings.TrimSpace(n)
		if s == "" || strings.EqualFold(s, "null") {
			return 0, InputError(geoid, "missing population")
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, InputError(geoid, fmt.Sprintf("malformed population %q", s))
		}
		return fromFloat(geoid, f)
	default:
		return 0, InputError(geoid, fmt.Sprintf("unsupported population type %T", v))
	}
}

func fromInt64(geoid string, n int64) (uint64, error) {
	if n < 0 {
		return 0, InputError(geoid, fmt.Sprintf("negative population %d", n))
	}
	return uint64(n), nil
}

func fromFloat(geoid string, f float64) (uint64, error) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, InputError(geoid, "population is not finite")
	case f < 0:
		return 0, InputError(geoid, fmt.Sprintf("negative population %v", f))
	case f != math.Trunc(f):
		return 0, InputError(geoid, fmt.Sprintf("fractional population %v", f))
	case f >= math.MaxUint64:
		return 0, InputError(geoid, fmt.Sprintf("population %v out of range", f))
	}
	return uint64(f), nil
}
