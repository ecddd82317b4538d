package source

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/db"
)

// PopulationTable receives exported ZCTA totals.
const PopulationTable = "geo.zcta_population"

// PopulationHistoryTable keeps every exported total, one row per export.
const PopulationHistoryTable = "geo.zcta_population_history"

const zctaQuery = `
	SELECT zcta5, ST_AsBinary(geom)
	FROM geo.zcta
	WHERE ($1 = '' OR state_fips = $1)
	ORDER BY zcta5`

const tractQuery = `
	SELECT t.geoid, COALESCE(d.total_population, -1), ST_AsBinary(t.geom)
	FROM geo.census_tracts t
	LEFT JOIN geo.demographics d
	  ON d.geoid = t.geoid AND d.geo_level = 'tract' AND d.year = $2
	WHERE ($1 = '' OR t.state_fips = $1)
	ORDER BY t.geoid`

const createPopulationTable = `
	CREATE TABLE IF NOT EXISTS geo.zcta_population (
		dataset     TEXT NOT NULL,
		zcta5       TEXT NOT NULL,
		population  BIGINT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (dataset, zcta5)
	)`

const createPopulationHistoryTable = `
	CREATE TABLE IF NOT EXISTS geo.zcta_population_history (
		dataset     TEXT NOT NULL,
		zcta5       TEXT NOT NULL,
		population  BIGINT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	)`

func decodeWKB(entity string, data []byte, srid int) (*geom.MultiPolygon, error) {
	if len(data) == 0 {
		return nil, census.GeometryError(entity, "missing geometry")
	}
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, census.WrapGeometry(entity, "decode WKB", err)
	}
	mp, err := census.ToMultiPolygon(entity, g)
	if err != nil {
		return nil, err
	}
	return mp.SetSRID(srid), nil
}

// LoadZCTAs reads ZCTA boundaries from geo.zcta, optionally limited to one
// state. An empty stateFIPS loads every row.
func LoadZCTAs(ctx context.Context, pool db.Pool, stateFIPS string, srid int) ([]census.ZCTA, census.Diagnostics, error) {
	var diag census.Diagnostics
	rows, err := pool.Query(ctx, zctaQuery, stateFIPS)
	if err != nil {
		return nil, diag, eris.Wrap(err, "postgis: query zctas")
	}
	defer rows.Close()

	var out []census.ZCTA
	for rows.Next() {
		var (
			code string
			data []byte
		)
		if err := rows.Scan(&code, &data); err != nil {
			return nil, diag, eris.Wrap(err, "postgis: scan zcta row")
		}
		g, err := decodeWKB(code, data, srid)
		if err != nil {
			diag.Skip(err)
			continue
		}
		out = append(out, census.ZCTA{Code: code, Geometry: g})
	}
	if err := rows.Err(); err != nil {
		return nil, diag, eris.Wrap(err, "postgis: iterate zcta rows")
	}
	diag.Accepted = len(out)
	return out, diag, nil
}

// LoadTracts reads tract boundaries from geo.census_tracts with the total
// population recorded for year in geo.demographics. Tracts with no
// demographics row are skipped as input errors.
func LoadTracts(ctx context.Context, pool db.Pool, stateFIPS string, year, srid int) ([]census.Tract, census.Diagnostics, error) {
	var diag census.Diagnostics
	rows, err := pool.Query(ctx, tractQuery, stateFIPS, year)
	if err != nil {
		return nil, diag, eris.Wrap(err, "postgis: query tracts")
	}
	defer rows.Close()

	var out []census.Tract
	for rows.Next() {
		var (
			geoid string
			pop   int64
			data  []byte
		)
		if err := rows.Scan(&geoid, &pop, &data); err != nil {
			return nil, diag, eris.Wrap(err, "postgis: scan tract row")
		}
		if pop == -1 {
			diag.Skip(census.InputError(geoid, "missing population"))
			continue
		}
		n, err := census.ParsePopulation(geoid, pop)
		if err != nil {
			diag.Skip(err)
			continue
		}
		g, err := decodeWKB(geoid, data, srid)
		if err != nil {
			diag.Skip(err)
			continue
		}
		out = append(out, census.Tract{GEOID: geoid, Population: n, Geometry: g})
	}
	if err := rows.Err(); err != nil {
		return nil, diag, eris.Wrap(err, "postgis: iterate tract rows")
	}
	diag.Accepted = len(out)
	return out, diag, nil
}

// ExportTotals upserts one dataset's totals into geo.zcta_population,
// replacing earlier values for the same dataset and ZCTA, and appends the
// same rows to geo.zcta_population_history.
func ExportTotals(ctx context.Context, pool db.Pool, dataset string, totals accum.Totals, at time.Time) (int64, error) {
	if _, err := pool.Exec(ctx, createPopulationTable); err != nil {
		return 0, eris.Wrap(err, "postgis: create population table")
	}
	if _, err := pool.Exec(ctx, createPopulationHistoryTable); err != nil {
		return 0, eris.Wrap(err, "postgis: create population history table")
	}

	rows := make([][]any, 0, len(totals))
	for _, r := range totals.Rows() {
		if r.Population > math.MaxInt64 {
			return 0, census.OverflowError(r.ZCTA, "total does not fit in BIGINT")
		}
		rows = append(rows, []any{dataset, r.ZCTA, int64(r.Population), at.UTC()})
	}

	n, err := db.Upsert(ctx, pool, db.UpsertSpec{
		Table:        PopulationTable,
		Columns:      []string{"dataset", "zcta5", "population", "computed_at"},
		ConflictKeys: []string{"dataset", "zcta5"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgis: export totals")
	}
	if _, err := db.CopyRows(ctx, pool, PopulationHistoryTable,
		[]string{"dataset", "zcta5", "population", "computed_at"}, rows); err != nil {
		return 0, eris.Wrap(err, "postgis: append population history")
	}
	zap.L().Info("exported zcta totals",
		zap.String("component", "source.postgis"),
		zap.String("dataset", dataset),
		zap.Int64("rows", n),
	)
	return n, nil
}
