package census

import (
	"cmp"
	"slices"

	"github.com/twpayne/go-geom"
)

// ValidateMultiPolygon returns a geometry error describing why g cannot be
// indexed or reduced to a centroid, or nil when every ring is usable.
//
// Rings must be closed, have at least four coordinates, enclose a non-zero
// area and must not cross or touch themselves. Rings are checked
// independently; a hole touching its shell is accepted.
func ValidateMultiPolygon(entity string, g *geom.MultiPolygon) error {
	if g == nil || g.NumPolygons() == 0 {
		return GeometryError(entity, "empty geometry")
	}
	for i := 0; i < g.NumPolygons(); i++ {
		p := g.Polygon(i)
		if p.NumLinearRings() == 0 {
			return GeometryError(entity, "empty polygon part")
		}
		for j := 0; j < p.NumLinearRings(); j++ {
			if reason := checkRing(p.LinearRing(j)); reason != "" {
				return GeometryError(entity, reason)
			}
		}
	}
	return nil
}

func checkRing(r *geom.LinearRing) string {
	n := r.NumCoords()
	if n < 4 {
		return "ring has fewer than 4 coordinates"
	}
	first, last := r.Coord(0), r.Coord(n-1)
	if first.X() != last.X() || first.Y() != last.Y() {
		return "ring is not closed"
	}
	if r.Area() == 0 {
		return "ring has zero area"
	}
	if selfIntersects(ringPoints(r)) {
		return "self-intersecting ring"
	}
	return ""
}

type pt [2]float64

// ringPoints returns the ring's XY vertices with consecutive duplicates removed.
func ringPoints(r *geom.LinearRing) []pt {
	flat := r.FlatCoords()
	stride := r.Stride()
	pts := make([]pt, 0, len(flat)/stride)
	for i := 0; i+1 < len(flat); i += stride {
		p := pt{flat[i], flat[i+1]}
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	return pts
}

type segment struct {
	a, b       pt
	minX, maxX float64
	minY, maxY float64
	idx        int
}

// selfIntersects reports whether any two non-adjacent edges of the closed
// ring pts touch or cross. Edges are swept in order of their minimum x so
// only edges with overlapping x extents are compared.
func selfIntersects(pts []pt) bool {
	n := len(pts) - 1 // edges in a closed ring
	if n < 4 {
		return false
	}
	segs := make([]segment, n)
	for i := 0; i < n; i++ {
		a, b := pts[i], pts[i+1]
		segs[i] = segment{
			a: a, b: b,
			minX: min(a[0], b[0]), maxX: max(a[0], b[0]),
			minY: min(a[1], b[1]), maxY: max(a[1], b[1]),
			idx: i,
		}
	}
	slices.SortFunc(segs, func(s, t segment) int { return cmp.Compare(s.minX, t.minX) })

	for i := range segs {
		s := segs[i]
		for j := i + 1; j < len(segs) && segs[j].minX <= s.maxX; j++ {
			t := segs[j]
			if adjacent(s.idx, t.idx, n) {
				continue
			}
			if t.minY > s.maxY || t.maxY < s.minY {
				continue
			}
			if segmentsTouch(s.a, s.b, t.a, t.b) {
				return true
			}
		}
	}
	return false
}

func adjacent(i, j, n int) bool {
	d := i - j
	if d < 0 {
		d = -d
	}
	return d == 1 || d == n-1
}

func orient(a, b, c pt) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// within reports whether c, known to be collinear with ab, lies on segment ab.
func within(a, b, c pt) bool {
	return c[0] >= min(a[0], b[0]) && c[0] <= max(a[0], b[0]) &&
		c[1] >= min(a[1], b[1]) && c[1] <= max(a[1], b[1])
}

func segmentsTouch(p1, p2, q1, q2 pt) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && within(q1, q2, p1)) ||
		(d2 == 0 && within(q1, q2, p2)) ||
		(d3 == 0 && within(p1, p2, q1)) ||
		(d4 == 0 && within(p1, p2, q2))
}
