package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/rotisserie/eris"
	"github.com/spaolacci/murmur3"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
)

const cacheMagic = "TJC1"

// ErrCorruptCache is returned when a cache file exists but cannot be decoded.
var ErrCorruptCache = errors.New("source: corrupt centroid cache")

// CacheKey identifies one extraction: the dataset, the index projection the
// centroids were checked against and a digest of the tract input.
type CacheKey struct {
	Dataset string
	SRID    int
	Digest  uint64
}

func (k CacheKey) filename() string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, k.Dataset)
	return fmt.Sprintf("%s-%d-%016x.tjc", name, k.SRID, k.Digest)
}

// TractDigest hashes tract identifiers, populations, projections and
// coordinates. Any change to the tract input changes the digest.
func TractDigest(tracts []census.Tract) uint64 {
	h := murmur3.New64()
	var buf []byte
	put := func(v uint64) {
		buf = binary.LittleEndian.AppendUint64(buf[:0], v)
		_, _ = h.Write(buf)
	}
	for _, t := range tracts {
		_, _ = h.Write([]byte(t.GEOID))
		put(t.Population)
		put(uint64(t.SRID()))
		if t.Geometry == nil {
			put(0)
			continue
		}
		writeGeometry(put, t.Geometry)
	}
	return h.Sum64()
}

func writeGeometry(put func(uint64), g *geom.MultiPolygon) {
	put(uint64(g.NumPolygons()))
	for _, ends := range g.Endss() {
		put(uint64(len(ends)))
		for _, e := range ends {
			put(uint64(e))
		}
	}
	for _, f := range g.FlatCoords() {
		put(math.Float64bits(f))
	}
}

// CentroidCache stores extracted centroids as snappy-compressed files so a
// repeated benchmark skips extraction.
type CentroidCache struct {
	dir string
}

// NewCentroidCache returns a cache rooted at dir. An empty dir disables it.
func NewCentroidCache(dir string) *CentroidCache {
	return &CentroidCache{dir: dir}
}

// Enabled reports whether the cache has a directory.
func (c *CentroidCache) Enabled() bool {
	return c != nil && c.dir != ""
}

// Load returns the cached extraction for key. A missing file is a miss, not
// an error.
func (c *CentroidCache) Load(key CacheKey) ([]census.Centroid, census.Diagnostics, bool, error) {
	if !c.Enabled() {
		return nil, census.Diagnostics{}, false, nil
	}
	path := filepath.Join(c.dir, key.filename())
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, census.Diagnostics{}, false, nil
	}
	if err != nil {
		return nil, census.Diagnostics{}, false, eris.Wrapf(err, "cache: read %s", path)
	}
	cs, diag, err := decodeCentroids(data, key.SRID)
	if err != nil {
		return nil, census.Diagnostics{}, false, eris.Wrapf(err, "cache: decode %s", path)
	}
	zap.L().Debug("centroid cache hit",
		zap.String("component", "source.cache"),
		zap.String("dataset", key.Dataset),
		zap.Int("centroids", len(cs)),
	)
	return cs, diag, true, nil
}

// Store writes the extraction for key, replacing any earlier file.
func (c *CentroidCache) Store(key CacheKey, cs []census.Centroid, diag census.Diagnostics) error {
	if !c.Enabled() {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return eris.Wrapf(err, "cache: create %s", c.dir)
	}
	tmp, err := os.CreateTemp(c.dir, ".tjc-*")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(encodeCentroids(cs, diag)); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "cache: write")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "cache: close")
	}
	path := filepath.Join(c.dir, key.filename())
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "cache: rename to %s", path)
	}
	return nil
}

// encodeCentroids lays out the magic, the diagnostics counts, the centroid
// count and then each centroid as GEOID, population, x and y, and compresses
// the result with snappy.
func encodeCentroids(cs []census.Centroid, diag census.Diagnostics) []byte {
	buf := make([]byte, 0, 16+len(cs)*40)
	buf = append(buf, cacheMagic...)
	buf = binary.AppendUvarint(buf, uint64(diag.Skipped[census.KindInput]))
	buf = binary.AppendUvarint(buf, uint64(diag.Skipped[census.KindGeometry]))
	buf = binary.AppendUvarint(buf, uint64(len(cs)))
	for _, c := range cs {
		buf = binary.AppendUvarint(buf, uint64(len(c.GEOID)))
		buf = append(buf, c.GEOID...)
		buf = binary.AppendUvarint(buf, c.Population)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Point[0]))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Point[1]))
	}
	return snappy.Encode(nil, buf)
}

type cacheReader struct {
	buf []byte
	err error
}

func (r *cacheReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrCorruptCache
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *cacheReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = ErrCorruptCache
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *cacheReader) float() float64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func decodeCentroids(data []byte, srid int) ([]census.Centroid, census.Diagnostics, error) {
	var diag census.Diagnostics
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, diag, ErrCorruptCache
	}
	if !strings.HasPrefix(string(raw), cacheMagic) {
		return nil, diag, ErrCorruptCache
	}
	r := &cacheReader{buf: raw[len(cacheMagic):]}
	input, geometry := r.uvarint(), r.uvarint()
	n := r.uvarint()
	if r.err != nil || n > uint64(len(r.buf)) {
		return nil, diag, ErrCorruptCache
	}

	cs := make([]census.Centroid, 0, n)
	for i := uint64(0); i < n; i++ {
		geoid := string(r.bytes(r.uvarint()))
		pop := r.uvarint()
		x, y := r.float(), r.float()
		if r.err != nil {
			return nil, diag, r.err
		}
		cs = append(cs, census.Centroid{GEOID: geoid, Population: pop, Point: geom.Coord{x, y}, SRID: srid})
	}
	if len(r.buf) != 0 {
		return nil, diag, ErrCorruptCache
	}

	diag.Accepted = len(cs)
	if input > 0 || geometry > 0 {
		diag.Skipped = map[census.Kind]int{}
		if input > 0 {
			diag.Skipped[census.KindInput] = int(input)
		}
		if geometry > 0 {
			diag.Skipped[census.KindGeometry] = int(geometry)
		}
	}
	return cs, diag, nil
}
