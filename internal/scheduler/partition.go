package scheduler

// Span is a half-open range [Start, End) of centroid positions.
type Span struct {
	Start int
	End   int
}

// Len returns the number of positions in the span.
func (s Span) Len() int { return s.End - s.Start }

// Partition splits n positions into k contiguous spans in input order whose
// sizes differ by at most one; the first n%k spans take the extra item.
// Spans may be empty when k > n. k < 1 yields nil.
func Partition(n, k int) []Span {
	if k < 1 || n < 0 {
		return nil
	}
	base, rem := n/k, n%k
	out := make([]Span, k)
	start := 0
	for i := range out {
		size := base
		if i < rem {
			size++
		}
		out[i] = Span{Start: start, End: start + size}
		start += size
	}
	return out
}
