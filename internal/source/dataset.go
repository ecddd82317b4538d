// Package source loads tract and ZCTA sets from GeoJSON files, TIGER
// shapefiles or PostGIS, and caches derived centroids.
package source

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/db"
)

// Format selects the loader for a dataset.
type Format string

// Supported formats.
const (
	FormatGeoJSON   Format = "geojson"
	FormatShapefile Format = "shapefile"
	FormatPostGIS   Format = "postgis"
)

// DefaultSRID is the TIGER/Line projection (NAD83).
const DefaultSRID = 4269

// Properties names the attributes read from file inputs.
type Properties struct {
	GEOID      string `yaml:"geoid" mapstructure:"geoid"`
	Population string `yaml:"population" mapstructure:"population"`
	ZCTA       string `yaml:"zcta" mapstructure:"zcta"`
}

// DefaultProperties are the 2020 decennial census attribute names.
func DefaultProperties() Properties {
	return Properties{GEOID: "GEOID", Population: "P1_001N", ZCTA: "ZCTA5CE20"}
}

func (p Properties) withDefaults() Properties {
	d := DefaultProperties()
	if p.GEOID == "" {
		p.GEOID = d.GEOID
	}
	if p.Population == "" {
		p.Population = d.Population
	}
	if p.ZCTA == "" {
		p.ZCTA = d.ZCTA
	}
	return p
}

// Spec locates one dataset.
type Spec struct {
	Name   string
	Label  string
	Format Format
	Dir    string
	// Tracts and ZCTAs override the file paths derived from Dir and Name.
	Tracts string
	ZCTAs  string
	// Population is the GEOID,P1_001N CSV joined onto shapefile tracts.
	Population string
	SRID       int
	// StateFIPS and Year filter PostGIS rows.
	StateFIPS  string
	Year       int
	Properties Properties
}

// Dataset is a loaded tract and ZCTA set.
type Dataset struct {
	Name        string
	Label       string
	SRID        int
	Tracts      []census.Tract
	ZCTAs       []census.ZCTA
	Diagnostics census.Diagnostics
}

// TractsPath returns the tract file for a file-based spec.
func (s Spec) TractsPath() string {
	if s.Tracts != "" {
		return s.Tracts
	}
	return filepath.Join(s.Dir, s.Name+"_tracts.geojson")
}

// ZCTAsPath returns the ZCTA file for a file-based spec.
func (s Spec) ZCTAsPath() string {
	if s.ZCTAs != "" {
		return s.ZCTAs
	}
	return filepath.Join(s.Dir, s.Name+"_zipcode.geojson")
}

func (s Spec) srid() int {
	if s.SRID != 0 {
		return s.SRID
	}
	if s.Format == FormatPostGIS {
		return 4326
	}
	return DefaultSRID
}

// Load reads the dataset described by spec. pool is only used by the
// PostGIS format and may be nil otherwise. Records that cannot be decoded
// are skipped and counted; unreadable inputs are errors.
func Load(ctx context.Context, spec Spec, pool db.Pool) (*Dataset, error) {
	log := zap.L().With(zap.String("component", "source"), zap.String("dataset", spec.Name))
	props := spec.Properties.withDefaults()
	srid := spec.srid()

	ds := &Dataset{Name: spec.Name, Label: spec.Label, SRID: srid}
	var tractDiag, zctaDiag census.Diagnostics
	var err error

	switch spec.Format {
	case FormatGeoJSON, "":
		ds.Tracts, tractDiag, err = readGeoJSONFile(spec.TractsPath(), func(f *os.File) ([]census.Tract, census.Diagnostics, error) {
			return ReadTractsGeoJSON(f, props, srid)
		})
		if err != nil {
			return nil, err
		}
		ds.ZCTAs, zctaDiag, err = readGeoJSONFile(spec.ZCTAsPath(), func(f *os.File) ([]census.ZCTA, census.Diagnostics, error) {
			return ReadZCTAsGeoJSON(f, props, srid)
		})
		if err != nil {
			return nil, err
		}

	case FormatShapefile:
		if spec.Tracts == "" || spec.ZCTAs == "" || spec.Population == "" {
			return nil, eris.Errorf("source: shapefile dataset %q needs tracts, zctas and population paths", spec.Name)
		}
		pops, popDiag, perr := ReadPopulationCSVFile(spec.Population, props)
		if perr != nil {
			return nil, perr
		}
		ds.Diagnostics.Add(popDiag)
		ds.Tracts, tractDiag, err = ReadTractsShapefile(spec.Tracts, props, srid, pops)
		if err != nil {
			return nil, err
		}
		ds.ZCTAs, zctaDiag, err = ReadZCTAsShapefile(spec.ZCTAs, props, srid)
		if err != nil {
			return nil, err
		}

	case FormatPostGIS:
		if pool == nil {
			return nil, eris.Errorf("source: dataset %q needs a postgres connection", spec.Name)
		}
		ds.Tracts, tractDiag, err = LoadTracts(ctx, pool, spec.StateFIPS, spec.Year, srid)
		if err != nil {
			return nil, err
		}
		ds.ZCTAs, zctaDiag, err = LoadZCTAs(ctx, pool, spec.StateFIPS, srid)
		if err != nil {
			return nil, err
		}

	default:
		return nil, eris.Errorf("source: unsupported format %q", spec.Format)
	}

	ds.Diagnostics.Add(tractDiag)
	ds.Diagnostics.Add(zctaDiag)
	log.Info("dataset loaded",
		zap.String("format", string(spec.Format)),
		zap.Int("tracts", len(ds.Tracts)),
		zap.Int("zctas", len(ds.ZCTAs)),
		zap.Int("skipped", ds.Diagnostics.SkippedTotal()),
	)
	return ds, nil
}

func readGeoJSONFile[T any](path string, read func(*os.File) ([]T, census.Diagnostics, error)) ([]T, census.Diagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, census.Diagnostics{}, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	out, diag, err := read(f)
	if err != nil {
		return nil, diag, eris.Wrapf(err, "source: read %s", path)
	}
	return out, diag, nil
}
