package spatial

import (
	"cmp"
	"math"
	"slices"

	"github.com/twpayne/go-geom"
)

type bbox struct {
	minX, minY, maxX, maxY float64
}

func emptyBox() bbox {
	return bbox{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
}

func boxOf(flat []float64, stride int) bbox {
	b := emptyBox()
	for i := 0; i+1 < len(flat); i += stride {
		b.minX = min(b.minX, flat[i])
		b.maxX = max(b.maxX, flat[i])
		b.minY = min(b.minY, flat[i+1])
		b.maxY = max(b.maxY, flat[i+1])
	}
	return b
}

func (b bbox) union(o bbox) bbox {
	return bbox{min(b.minX, o.minX), min(b.minY, o.minY), max(b.maxX, o.maxX), max(b.maxY, o.maxY)}
}

func (b bbox) contains(p geom.Coord) bool {
	x, y := p.X(), p.Y()
	return x >= b.minX && x <= b.maxX && y >= b.minY && y <= b.maxY
}

func (b bbox) center() (float64, float64) {
	return (b.minX + b.maxX) / 2, (b.minY + b.maxY) / 2
}

// node is either a leaf holding entry positions or an inner node.
type node struct {
	box      bbox
	children []*node
	items    []int
}

// pack builds an STR tree bottom-up: leaves group entries, each higher level
// groups the nodes below it, until a single root remains.
func pack(entries []entry, capacity int) *node {
	ids := make([]int, len(entries))
	for i := range ids {
		ids[i] = i
	}
	groups := tile(ids, capacity, func(i int) bbox { return entries[i].box })

	level := make([]*node, 0, len(groups))
	for _, g := range groups {
		n := &node{box: emptyBox(), items: g}
		for _, i := range g {
			n.box = n.box.union(entries[i].box)
		}
		level = append(level, n)
	}

	for len(level) > 1 {
		groups := tile(level, capacity, func(n *node) bbox { return n.box })
		next := make([]*node, 0, len(groups))
		for _, g := range groups {
			n := &node{box: emptyBox(), children: g}
			for _, c := range g {
				n.box = n.box.union(c.box)
			}
			next = append(next, n)
		}
		level = next
	}
	return level[0]
}

// tile sorts items into vertical slices by box center x, sorts each slice by
// center y and cuts it into runs of at most capacity items.
func tile[T any](items []T, capacity int, boundsOf func(T) bbox) [][]T {
	leaves := (len(items) + capacity - 1) / capacity
	strips := int(math.Ceil(math.Sqrt(float64(leaves))))
	perStrip := strips * capacity

	byX := func(a, b T) int {
		ax, _ := boundsOf(a).center()
		bx, _ := boundsOf(b).center()
		return cmp.Compare(ax, bx)
	}
	byY := func(a, b T) int {
		_, ay := boundsOf(a).center()
		_, by := boundsOf(b).center()
		return cmp.Compare(ay, by)
	}

	sorted := append([]T(nil), items...)
	slices.SortStableFunc(sorted, byX)

	var out [][]T
	for start := 0; start < len(sorted); start += perStrip {
		s := sorted[start:min(start+perStrip, len(sorted))]
		slices.SortStableFunc(s, byY)
		for i := 0; i < len(s); i += capacity {
			out = append(out, s[i:min(i+capacity, len(s))])
		}
	}
	return out
}

// search returns the lowest zone whose entry strictly contains p, or -1.
func (n *node) search(entries []entry, p geom.Coord) int {
	best := -1
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !cur.box.contains(p) {
			continue
		}
		if cur.children != nil {
			stack = append(stack, cur.children...)
			continue
		}
		for _, i := range cur.items {
			e := &entries[i]
			if best >= 0 && e.zone >= best {
				continue
			}
			if e.box.contains(p) && e.strictlyContains(p) {
				best = e.zone
			}
		}
	}
	return best
}

// count returns the number of nodes in the subtree and its height.
func (n *node) count() (nodes, height int) {
	if n.children == nil {
		return 1, 1
	}
	nodes = 1
	for _, c := range n.children {
		cn, ch := c.count()
		nodes += cn
		height = max(height, ch)
	}
	return nodes, height + 1
}
