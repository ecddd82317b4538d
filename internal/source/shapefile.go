package source

import (
	"fmt"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
)

// shapeRecord is one decoded shapefile row.
type shapeRecord struct {
	row   int
	attrs map[string]string
	geom  *geom.MultiPolygon
	err   error
}

// readShapefile opens path (a .shp or a .zip holding one) and decodes every
// record, keeping only the requested attribute columns.
func readShapefile(path string, srid int, columns ...string) ([]shapeRecord, error) {
	shpPath, cleanup, err := resolveShapefile(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: open %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	idx := make(map[string]int, len(columns))
	for _, c := range columns {
		i := fieldIndex(reader, c)
		if i < 0 {
			return nil, eris.Errorf("shapefile: field %s not found in %s", c, shpPath)
		}
		idx[c] = i
	}

	var out []shapeRecord
	for reader.Next() {
		n, shape := reader.Shape()
		rec := shapeRecord{row: n, attrs: make(map[string]string, len(columns))}
		for c, i := range idx {
			rec.attrs[c] = strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
		}
		rec.geom, rec.err = shapeToMultiPolygon(fmt.Sprintf("record %d", n), shape, srid)
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "shapefile: read %s", shpPath)
	}
	return out, nil
}

// fieldIndex returns the index of a named attribute, or -1.
func fieldIndex(reader *shp.Reader, name string) int {
	for i, f := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), name) {
			return i
		}
	}
	return -1
}

// shapeToMultiPolygon groups shapefile rings into polygons. Shapefiles store
// shells clockwise and holes counter-clockwise; each clockwise ring opens a
// new polygon and following counter-clockwise rings become its holes.
func shapeToMultiPolygon(entity string, shape shp.Shape, srid int) (*geom.MultiPolygon, error) {
	p, ok := shape.(*shp.Polygon)
	if !ok || p == nil {
		return nil, census.GeometryError(entity, fmt.Sprintf("unsupported shape %T", shape))
	}
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil, census.GeometryError(entity, "empty polygon")
	}

	var polys [][][]float64
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if start < 0 || end > int32(len(p.Points)) || start >= end {
			return nil, census.GeometryError(entity, fmt.Sprintf("bad part bounds %d..%d", start, end))
		}
		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		hole := xy.IsRingCounterClockwise(geom.XY, flat)
		if !hole || len(polys) == 0 {
			polys = append(polys, [][]float64{flat})
			continue
		}
		last := len(polys) - 1
		polys[last] = append(polys[last], flat)
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(srid)
	for _, rings := range polys {
		ends := make([]int, len(rings))
		var flat []float64
		for i, r := range rings {
			flat = append(flat, r...)
			ends[i] = len(flat)
		}
		if err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends)); err != nil {
			return nil, census.WrapGeometry(entity, "assemble polygon", err)
		}
	}
	return mp, nil
}

// ReadTractsShapefile reads TIGER tract boundaries and joins populations by
// GEOID. Tracts missing from pops are skipped as input errors.
func ReadTractsShapefile(path string, props Properties, srid int, pops map[string]uint64) ([]census.Tract, census.Diagnostics, error) {
	props = props.withDefaults()
	var diag census.Diagnostics
	recs, err := readShapefile(path, srid, props.GEOID)
	if err != nil {
		return nil, diag, err
	}

	log := zap.L().With(zap.String("component", "source.shapefile"))
	tracts := make([]census.Tract, 0, len(recs))
	for _, rec := range recs {
		geoid := rec.attrs[props.GEOID]
		if geoid == "" {
			diag.Skip(census.InputError(fmt.Sprintf("record %d", rec.row), "missing "+props.GEOID))
			continue
		}
		if rec.err != nil {
			diag.Skip(rec.err)
			log.Debug("skipping tract", zap.String("geoid", geoid), zap.Error(rec.err))
			continue
		}
		pop, ok := pops[geoid]
		if !ok {
			diag.Skip(census.InputError(geoid, "no population row"))
			continue
		}
		tracts = append(tracts, census.Tract{GEOID: geoid, Population: pop, Geometry: rec.geom})
	}
	diag.Accepted = len(tracts)
	return tracts, diag, nil
}

// ReadZCTAsShapefile reads TIGER ZCTA boundaries.
func ReadZCTAsShapefile(path string, props Properties, srid int) ([]census.ZCTA, census.Diagnostics, error) {
	props = props.withDefaults()
	var diag census.Diagnostics
	recs, err := readShapefile(path, srid, props.ZCTA)
	if err != nil {
		return nil, diag, err
	}

	zctas := make([]census.ZCTA, 0, len(recs))
	for _, rec := range recs {
		code := rec.attrs[props.ZCTA]
		switch {
		case code == "":
			diag.Skip(census.InputError(fmt.Sprintf("record %d", rec.row), "missing "+props.ZCTA))
		case rec.err != nil:
			diag.Skip(rec.err)
		default:
			zctas = append(zctas, census.ZCTA{Code: code, Geometry: rec.geom})
		}
	}
	diag.Accepted = len(zctas)
	return zctas, diag, nil
}
