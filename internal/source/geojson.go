package source

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
)

// feature keeps the geometry raw so one undecodable feature is skipped
// instead of failing the whole collection.
type feature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

func decodeCollection(r io.Reader) (*featureCollection, error) {
	var fc featureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, eris.Wrap(err, "geojson: decode feature collection")
	}
	if fc.Type != "FeatureCollection" {
		return nil, eris.Errorf("geojson: expected FeatureCollection, got %q", fc.Type)
	}
	return &fc, nil
}

func decodeGeometry(entity string, raw json.RawMessage, srid int) (*geom.MultiPolygon, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, census.GeometryError(entity, "missing geometry")
	}
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, census.WrapGeometry(entity, "decode geometry", err)
	}
	mp, err := census.ToMultiPolygon(entity, g)
	if err != nil {
		return nil, err
	}
	return mp.SetSRID(srid), nil
}

// ReadTractsGeoJSON decodes a tract FeatureCollection. Features without a
// GEOID, with an unusable population or with a non-polygon geometry are
// skipped and counted. Polygon validity is checked later, at extraction.
func ReadTractsGeoJSON(r io.Reader, props Properties, srid int) ([]census.Tract, census.Diagnostics, error) {
	props = props.withDefaults()
	var diag census.Diagnostics
	fc, err := decodeCollection(r)
	if err != nil {
		return nil, diag, err
	}

	log := zap.L().With(zap.String("component", "source.geojson"))
	tracts := make([]census.Tract, 0, len(fc.Features))
	for i, f := range fc.Features {
		geoid, ok := propString(f.Properties[props.GEOID])
		if !ok {
			diag.Skip(census.InputError(fmt.Sprintf("feature %d", i), "missing "+props.GEOID))
			continue
		}
		pop, err := census.ParsePopulation(geoid, f.Properties[props.Population])
		if err != nil {
			diag.Skip(err)
			log.Debug("skipping tract", zap.String("geoid", geoid), zap.Error(err))
			continue
		}
		g, err := decodeGeometry(geoid, f.Geometry, srid)
		if err != nil {
			diag.Skip(err)
			log.Debug("skipping tract", zap.String("geoid", geoid), zap.Error(err))
			continue
		}
		tracts = append(tracts, census.Tract{GEOID: geoid, Population: pop, Geometry: g})
	}
	diag.Accepted = len(tracts)
	return tracts, diag, nil
}

// ReadZCTAsGeoJSON decodes a ZCTA FeatureCollection.
func ReadZCTAsGeoJSON(r io.Reader, props Properties, srid int) ([]census.ZCTA, census.Diagnostics, error) {
	props = props.withDefaults()
	var diag census.Diagnostics
	fc, err := decodeCollection(r)
	if err != nil {
		return nil, diag, err
	}

	zctas := make([]census.ZCTA, 0, len(fc.Features))
	for i, f := range fc.Features {
		code, ok := propString(f.Properties[props.ZCTA])
		if !ok {
			diag.Skip(census.InputError(fmt.Sprintf("feature %d", i), "missing "+props.ZCTA))
			continue
		}
		g, err := decodeGeometry(code, f.Geometry, srid)
		if err != nil {
			diag.Skip(err)
			continue
		}
		zctas = append(zctas, census.ZCTA{Code: code, Geometry: g})
	}
	diag.Accepted = len(zctas)
	return zctas, diag, nil
}

// propString renders an identifier property. Numeric identifiers lose no
// digits; leading zeros only survive when the source stored a string.
func propString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case json.Number:
		return s.String(), true
	}
	return "", false
}
