package bench

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tractjoin/internal/source"
)

// ErrUnknownDataset is returned for a dataset name the catalog does not hold.
var ErrUnknownDataset = eris.New("bench: unknown dataset")

// PrepareFunc loads and prepares one dataset.
type PrepareFunc func(ctx context.Context, spec source.Spec) (*Prepared, error)

// Catalog prepares configured datasets on first use and keeps them.
// A failed preparation is not remembered; the next Get retries it.
type Catalog struct {
	specs   map[string]source.Spec
	entries map[string]*catalogEntry
	prepare PrepareFunc
}

type catalogEntry struct {
	mu sync.Mutex
	p  *Prepared
}

// NewCatalog returns a catalog over specs, keyed by spec name.
func NewCatalog(specs []source.Spec, prepare PrepareFunc) *Catalog {
	c := &Catalog{
		specs:   make(map[string]source.Spec, len(specs)),
		prepare: prepare,
		entries: make(map[string]*catalogEntry, len(specs)),
	}
	for _, s := range specs {
		c.specs[s.Name] = s
		c.entries[s.Name] = &catalogEntry{}
	}
	return c
}

// Names returns the configured dataset names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for n := range c.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Spec returns the spec for name.
func (c *Catalog) Spec(name string) (source.Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Loaded returns the prepared dataset if it is already in memory.
func (c *Catalog) Loaded(name string) (*Prepared, bool) {
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, e.p != nil
}

// Get returns the prepared dataset, preparing it on first use. Concurrent
// callers for the same dataset wait for a single preparation.
func (c *Catalog) Get(ctx context.Context, name string) (*Prepared, error) {
	spec, ok := c.specs[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownDataset, "dataset %q", name)
	}
	e := c.entries[name]
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p != nil {
		return e.p, nil
	}
	p, err := c.prepare(ctx, spec)
	if err != nil {
		return nil, err
	}
	e.p = p
	return p, nil
}
