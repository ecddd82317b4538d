// Package accum holds per-worker population totals and their lossless merge.
package accum

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
	"strconv"

	"github.com/spaolacci/murmur3"

	"github.com/sells-group/tractjoin/internal/census"
)

// Totals maps a ZCTA code to its summed population. A key is present only
// when at least one centroid was assigned to it.
type Totals map[string]uint64

// Row is one line of a result table.
type Row struct {
	ZCTA       string `json:"zcta"`
	Population uint64 `json:"population"`
}

// Accumulator is owned by a single worker and is not safe for concurrent use.
type Accumulator struct {
	totals     Totals
	assigned   int
	unassigned int
	rejected   int
	dropped    uint64
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{totals: make(Totals)}
}

// Add credits pop to code. It fails with an overflow error, leaving the
// accumulator unchanged, when the sum would not fit in 64 bits.
func (a *Accumulator) Add(code string, pop uint64) error {
	sum, carry := bits.Add64(a.totals[code], pop, 0)
	if carry != 0 {
		return census.OverflowError(code, fmt.Sprintf("adding %d to %d exceeds 64 bits", pop, a.totals[code]))
	}
	a.totals[code] = sum
	a.assigned++
	return nil
}

// Drop records a centroid that no zone contains.
func (a *Accumulator) Drop(pop uint64) {
	a.unassigned++
	sum, carry := bits.Add64(a.dropped, pop, 0)
	if carry != 0 {
		sum = math.MaxUint64
	}
	a.dropped = sum
}

// Reject records a centroid skipped before lookup.
func (a *Accumulator) Reject() {
	a.rejected++
}

// Totals returns the accumulated mapping. The caller must not modify it
// while the accumulator is still in use.
func (a *Accumulator) Totals() Totals { return a.totals }

// Assigned is the number of centroids credited to a zone.
func (a *Accumulator) Assigned() int { return a.assigned }

// Unassigned is the number of centroids dropped for lying in no zone.
func (a *Accumulator) Unassigned() int { return a.unassigned }

// Rejected is the number of centroids rejected before lookup.
func (a *Accumulator) Rejected() int { return a.rejected }

// DroppedPopulation is the population of unassigned centroids. It saturates
// rather than wrapping.
func (a *Accumulator) DroppedPopulation() uint64 { return a.dropped }

// Processed is the number of centroids this accumulator has seen.
func (a *Accumulator) Processed() int { return a.assigned + a.unassigned + a.rejected }

// Merge sums parts key by key. Absent keys count as zero. Overflow is fatal.
func Merge(parts ...Totals) (Totals, error) {
	size := 0
	for _, p := range parts {
		size = max(size, len(p))
	}
	out := make(Totals, size)
	for _, p := range parts {
		for code, v := range p {
			sum, carry := bits.Add64(out[code], v, 0)
			if carry != 0 {
				return nil, census.OverflowError(code, "merged total exceeds 64 bits")
			}
			out[code] = sum
		}
	}
	return out, nil
}

// Sum returns the total population across all zones, or an overflow error.
func (t Totals) Sum() (uint64, error) {
	var total uint64
	for code, v := range t {
		s, carry := bits.Add64(total, v, 0)
		if carry != 0 {
			return 0, census.OverflowError(code, "grand total exceeds 64 bits")
		}
		total = s
	}
	return total, nil
}

// Rows returns the totals sorted by ZCTA code.
func (t Totals) Rows() []Row {
	rows := make([]Row, 0, len(t))
	for code, v := range t {
		rows = append(rows, Row{ZCTA: code, Population: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ZCTA < rows[j].ZCTA })
	return rows
}

// Digest is a 64-bit murmur3 hash of the sorted "code,value" lines. Equal
// totals always produce equal digests.
func (t Totals) Digest() uint64 {
	h := murmur3.New64()
	buf := make([]byte, 0, 32)
	for _, r := range t.Rows() {
		buf = append(buf[:0], r.ZCTA...)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, r.Population, 10)
		buf = append(buf, '\n')
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// Equal reports whether both mappings hold the same keys and values.
func (t Totals) Equal(o Totals) bool {
	if len(t) != len(o) {
		return false
	}
	for k, v := range t {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
