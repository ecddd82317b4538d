package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/census"
)

func squareWKB(t *testing.T, minX, minY, maxX, maxY float64) []byte {
	t.Helper()
	p := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}})
	b, err := wkb.Marshal(p, binary.LittleEndian)
	require.NoError(t, err)
	return b
}

func pointWKB(t *testing.T) []byte {
	t.Helper()
	b, err := wkb.Marshal(geom.NewPoint(geom.XY).MustSetCoords(geom.Coord{1, 1}), binary.LittleEndian)
	require.NoError(t, err)
	return b
}

func TestLoadZCTAs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT zcta5, ST_AsBinary\(geom\)\s+FROM geo\.zcta`).
		WithArgs("10").
		WillReturnRows(pgxmock.NewRows([]string{"zcta5", "geom"}).
			AddRow("19901", squareWKB(t, 0, 0, 10, 10)).
			AddRow("19902", []byte{}).
			AddRow("19903", []byte{1, 2, 3}))

	zctas, diag, err := LoadZCTAs(context.Background(), mock, "10", 4326)
	require.NoError(t, err)
	require.Len(t, zctas, 1)
	assert.Equal(t, "19901", zctas[0].Code)
	assert.Equal(t, 4326, zctas[0].SRID())
	assert.Equal(t, 2, diag.Skipped[census.KindGeometry])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadZCTAs_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM geo\.zcta`).WithArgs("").WillReturnError(fmt.Errorf("connection reset"))

	_, _, err = LoadZCTAs(context.Background(), mock, "", 4326)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgis: query zctas")
}

func TestLoadTracts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM geo\.census_tracts t\s+LEFT JOIN geo\.demographics d`).
		WithArgs("10", 2020).
		WillReturnRows(pgxmock.NewRows([]string{"geoid", "total_population", "geom"}).
			AddRow("10001040100", int64(4120), squareWKB(t, 0, 0, 1, 1)).
			AddRow("10001040200", int64(-1), squareWKB(t, 1, 0, 2, 1)).
			AddRow("10001040300", int64(12), pointWKB(t)))

	tracts, diag, err := LoadTracts(context.Background(), mock, "10", 2020, 4326)
	require.NoError(t, err)
	require.Len(t, tracts, 1)
	assert.Equal(t, "10001040100", tracts[0].GEOID)
	assert.Equal(t, uint64(4120), tracts[0].Population)
	assert.Equal(t, 1, diag.Skipped[census.KindInput])
	assert.Equal(t, 1, diag.Skipped[census.KindGeometry])
	assert.Equal(t, 1, diag.Accepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportTotals(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS geo\.zcta_population \(`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS geo\.zcta_population_history`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_geo_zcta_population"},
		[]string{"dataset", "zcta5", "population", "computed_at"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "geo"."zcta_population" .* ON CONFLICT \("dataset", "zcta5"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectCopyFrom(pgx.Identifier{"geo", "zcta_population_history"},
		[]string{"dataset", "zcta5", "population", "computed_at"}).WillReturnResult(2)

	n, err := ExportTotals(context.Background(), mock, "delaware", accum.Totals{"19901": 150, "19904": 30}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportTotals_TooLargeForBigint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	_, err = ExportTotals(context.Background(), mock, "d", accum.Totals{"Z": math.MaxUint64}, time.Now())
	require.ErrorIs(t, err, census.ErrOverflow)
	assert.NoError(t, mock.ExpectationsWereMet())
}
