package census

import (
	"errors"
	"strings"
)

// Kind classifies a failure by how the caller must react to it.
type Kind string

// Error kinds. Input and geometry errors skip one record; overflow and pool
// errors abort the run.
const (
	KindInput    Kind = "input"
	KindGeometry Kind = "geometry"
	KindOverflow Kind = "overflow"
	KindPool     Kind = "pool"
)

// Error is a classified failure, optionally attached to one tract or ZCTA.
type Error struct {
	Kind   Kind
	Entity string
	Reason string
	Err    error
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInput    = &Error{Kind: KindInput}
	ErrGeometry = &Error{Kind: KindGeometry}
	ErrOverflow = &Error{Kind: KindOverflow}
	ErrPool     = &Error{Kind: KindPool}
)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(" error")
	if e.Entity != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Entity)
		sb.WriteString("]")
	}
	if e.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// InputError reports a malformed or missing attribute on one record.
func InputError(entity, reason string) *Error {
	return &Error{Kind: KindInput, Entity: entity, Reason: reason}
}

// GeometryError reports an invalid polygon.
func GeometryError(entity, reason string) *Error {
	return &Error{Kind: KindGeometry, Entity: entity, Reason: reason}
}

// WrapGeometry reports an invalid polygon detected by a geometry library call.
func WrapGeometry(entity, reason string, err error) *Error {
	return &Error{Kind: KindGeometry, Entity: entity, Reason: reason, Err: err}
}

// OverflowError reports an accumulation that would exceed 64 bits.
func OverflowError(entity, reason string) *Error {
	return &Error{Kind: KindOverflow, Entity: entity, Reason: reason}
}

// PoolError reports a worker pool that cannot be started.
func PoolError(reason string) *Error {
	return &Error{Kind: KindPool, Reason: reason}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Diagnostics counts records accepted and rejected while preparing a dataset.
type Diagnostics struct {
	Accepted int
	Skipped  map[Kind]int
}

// Skip records one rejected record. Errors without a kind count as input errors.
func (d *Diagnostics) Skip(err error) {
	if d.Skipped == nil {
		d.Skipped = make(map[Kind]int)
	}
	kind, ok := KindOf(err)
	if !ok {
		kind = KindInput
	}
	d.Skipped[kind]++
}

// SkippedTotal is the number of rejected records of any kind.
func (d Diagnostics) SkippedTotal() int {
	n := 0
	for _, c := range d.Skipped {
		n += c
	}
	return n
}

// Add folds another set of counts into d.
func (d *Diagnostics) Add(o Diagnostics) {
	d.Accepted += o.Accepted
	for k, c := range o.Skipped {
		if d.Skipped == nil {
			d.Skipped = make(map[Kind]int)
		}
		d.Skipped[k] += c
	}
}
