// Package censustest builds small tract, ZCTA and centroid fixtures for tests.
package censustest

import (
	"fmt"
	"math/rand/v2"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/tractjoin/internal/census"
)

// SRID used by every fixture (NAD83, the TIGER/Line projection).
const SRID = 4269

// Rect returns an axis-aligned rectangle as a single-part multipolygon.
func Rect(minX, minY, maxX, maxY float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{
		rectRing(minX, minY, maxX, maxY),
	}}).SetSRID(SRID)
}

// RectWithHole returns outer with hole cut out of it.
func RectWithHole(outer, hole [4]float64) *geom.MultiPolygon {
	h := rectRing(hole[0], hole[1], hole[2], hole[3])
	// Holes run clockwise.
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{
		rectRing(outer[0], outer[1], outer[2], outer[3]),
		h,
	}}).SetSRID(SRID)
}

// Islands returns a multipolygon with one rectangle part per box.
func Islands(boxes ...[4]float64) *geom.MultiPolygon {
	parts := make([][][]geom.Coord, 0, len(boxes))
	for _, b := range boxes {
		parts = append(parts, [][]geom.Coord{rectRing(b[0], b[1], b[2], b[3])})
	}
	return geom.NewMultiPolygon(geom.XY).MustSetCoords(parts).SetSRID(SRID)
}

func rectRing(minX, minY, maxX, maxY float64) []geom.Coord {
	return []geom.Coord{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}
}

// ZCTA pairs a code with a geometry.
func ZCTA(code string, g *geom.MultiPolygon) census.ZCTA {
	return census.ZCTA{Code: code, Geometry: g}
}

// TractAt returns a tract whose polygon is a square of half-width 0.25
// centered on (x, y), so its centroid is exactly (x, y).
func TractAt(geoid string, pop uint64, x, y float64) census.Tract {
	return census.Tract{
		GEOID:      geoid,
		Population: pop,
		Geometry:   Rect(x-0.25, y-0.25, x+0.25, y+0.25),
	}
}

// Centroid returns a centroid at (x, y) in the fixture projection.
func Centroid(geoid string, pop uint64, x, y float64) census.Centroid {
	return census.Centroid{GEOID: geoid, Population: pop, Point: geom.Coord{x, y}, SRID: SRID}
}

// Grid returns nx*ny unit-sized square ZCTAs tiling [0,nx*size]x[0,ny*size],
// coded Z000, Z001, ... in row-major order.
func Grid(nx, ny int, size float64) []census.ZCTA {
	out := make([]census.ZCTA, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			x, y := float64(i)*size, float64(j)*size
			out = append(out, ZCTA(fmt.Sprintf("Z%03d", j*nx+i), Rect(x, y, x+size, y+size)))
		}
	}
	return out
}

// RandomCentroids returns n centroids uniformly spread over the box with
// populations in [0, 5000).
func RandomCentroids(r *rand.Rand, n int, minX, minY, maxX, maxY float64) []census.Centroid {
	out := make([]census.Centroid, n)
	for i := range out {
		x := minX + r.Float64()*(maxX-minX)
		y := minY + r.Float64()*(maxY-minY)
		out[i] = Centroid(fmt.Sprintf("T%06d", i), uint64(r.IntN(5000)), x, y)
	}
	return out
}
