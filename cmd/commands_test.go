package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/config"
	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/source"
	"github.com/sells-group/tractjoin/internal/store"
)

const testTracts = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "properties": {"GEOID": "10001000100", "P1_001N": 4120},
   "geometry": {"type": "Polygon", "coordinates": [[[1,1],[3,1],[3,3],[1,3],[1,1]]]}},
  {"type": "Feature", "properties": {"GEOID": "10001000200", "P1_001N": 87},
   "geometry": {"type": "Polygon", "coordinates": [[[11,1],[13,1],[13,3],[11,3],[11,1]]]}},
  {"type": "Feature", "properties": {"GEOID": "10001000300", "P1_001N": 5},
   "geometry": {"type": "Polygon", "coordinates": [[[30,30],[31,30],[31,31],[30,31],[30,30]]]}},
  {"type": "Feature", "properties": {"GEOID": "10001000400"},
   "geometry": {"type": "Polygon", "coordinates": [[[1,1],[2,1],[2,2],[1,2],[1,1]]]}}
]}`

const testZCTAs = `{"type": "FeatureCollection", "features": [
  {"type": "Feature", "properties": {"ZCTA5CE20": "19901"},
   "geometry": {"type": "Polygon", "coordinates": [[[0,0],[10,0],[10,10],[0,10],[0,0]]]}},
  {"type": "Feature", "properties": {"ZCTA5CE20": "19902"},
   "geometry": {"type": "Polygon", "coordinates": [[[10,0],[20,0],[20,10],[10,10],[10,0]]]}}
]}`

// testConfig writes the delaware fixture into a temp data dir and installs
// a matching global config.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "delaware_tracts.geojson"), []byte(testTracts), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "delaware_zipcode.geojson"), []byte(testZCTAs), 0o644))

	c := &config.Config{
		Data: config.DataConfig{
			Dir:        dataDir,
			CacheDir:   filepath.Join(dir, "cache"),
			Properties: config.PropertiesConfig{GEOID: "GEOID", Population: "P1_001N", ZCTA: "ZCTA5CE20"},
			Datasets: map[string]config.DatasetConfig{
				"delaware": {Format: "geojson", Label: "small"},
			},
		},
		Engine: config.EngineConfig{VictimPolicy: "round-robin", NodeCapacity: 16, LinearThreshold: 8},
		Bench: config.BenchConfig{
			Strategies: []string{"s", "pb", "ps"},
			Threads:    []int{1, 2},
			Repeats:    1,
			Verify:     true,
			CSVOut:     filepath.Join(dir, "benchmarks.csv"),
		},
		Store: config.StoreConfig{Path: filepath.Join(dir, "history.db")},
	}
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return c
}

func testEnv(t *testing.T, c *config.Config, withStore bool) *runEnv {
	t.Helper()
	env, err := initEnv(context.Background(), c, withStore)
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func TestDatasetSpecs(t *testing.T) {
	c := &config.Config{
		Data: config.DataConfig{
			Dir:        "/data",
			Properties: config.PropertiesConfig{GEOID: "GEOID", Population: "P1_001N", ZCTA: "ZCTA5CE20"},
			Datasets: map[string]config.DatasetConfig{
				"texas": {
					Format: "Shapefile", Label: "big",
					Tracts: "tl_2020_48_tract.zip", ZCTAs: "/abs/zcta.zip", Population: "tx.csv",
					Properties: config.PropertiesConfig{ZCTA: "ZCTA5CE10"},
				},
				"delaware": {Label: "small"},
			},
		},
	}

	specs := datasetSpecs(c)
	require.Len(t, specs, 2)
	assert.Equal(t, "delaware", specs[0].Name)
	assert.Equal(t, "/data/delaware_tracts.geojson", specs[0].TractsPath())

	tx := specs[1]
	assert.Equal(t, source.FormatShapefile, tx.Format)
	assert.Equal(t, "/data/tl_2020_48_tract.zip", tx.Tracts)
	assert.Equal(t, "/abs/zcta.zip", tx.ZCTAs)
	assert.Equal(t, "/data/tx.csv", tx.Population)
	assert.Equal(t, "ZCTA5CE10", tx.Properties.ZCTA)
	assert.Equal(t, "GEOID", tx.Properties.GEOID)
}

func TestBenchGrid(t *testing.T) {
	c := &config.Config{Bench: config.BenchConfig{
		Strategies: []string{"ps", "s"},
		Threads:    []int{3},
		Repeats:    2,
		Warmup:     1,
	}}
	g, err := benchGrid(c)
	require.NoError(t, err)
	assert.Equal(t, []scheduler.Strategy{scheduler.WorkStealing, scheduler.Sequential}, g.Strategies)
	assert.Equal(t, []int{3}, g.Threads)
	assert.Equal(t, 2, g.Repeats)
	assert.Equal(t, 1, g.Warmup)
	assert.False(t, g.Verify)

	c.Bench.Strategies = []string{"quantum"}
	_, err = benchGrid(c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, census.ErrPool))
}

func TestPrepareOptions(t *testing.T) {
	c := &config.Config{Engine: config.EngineConfig{VictimPolicy: "random", StealBatch: 32}}
	opts, err := prepareOptions(c)
	require.NoError(t, err)
	assert.Len(t, opts.Index, 2)
	assert.Len(t, opts.Engine, 2)
	assert.Nil(t, opts.Cache)

	c.Data.CacheDir = t.TempDir()
	opts, err = prepareOptions(c)
	require.NoError(t, err)
	assert.True(t, opts.Cache.Enabled())

	c.Engine.VictimPolicy = "youngest"
	_, err = prepareOptions(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.victim_policy")
}

func TestRunAggregate(t *testing.T) {
	c := testConfig(t)
	env := testEnv(t, c, true)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "zipcode_population.csv")

	var buf bytes.Buffer
	res, err := runAggregate(ctx, env, aggregateOptions{Dataset: "delaware", Strategy: "ps", Threads: 2, Out: out}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Assigned)
	assert.Equal(t, 1, res.Unassigned)
	assert.Equal(t, uint64(5), res.DroppedPopulation)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ZIPCode,P1_001N\n19901,4120\n19902,87\n", string(data))
	assert.Contains(t, buf.String(), "Elapsed: ")
	assert.Contains(t, buf.String(), "delaware (small)")

	sessions, err := env.Store.ListSessions(ctx, store.SessionFilter{Command: "aggregate"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.StatusComplete, sessions[0].Status)
	assert.Equal(t, 1, sessions[0].RecordCount)

	// The same join with every strategy writes byte-identical output.
	for _, s := range []string{"s", "pb"} {
		again := filepath.Join(t.TempDir(), "again.csv")
		_, err := runAggregate(ctx, env, aggregateOptions{Dataset: "delaware", Strategy: s, Threads: 3, Out: again}, &bytes.Buffer{})
		require.NoError(t, err)
		got, err := os.ReadFile(again)
		require.NoError(t, err)
		assert.Equal(t, data, got, s)
	}
}

func TestRunAggregate_Errors(t *testing.T) {
	c := testConfig(t)
	env := testEnv(t, c, true)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "out.csv")

	_, err := runAggregate(ctx, env, aggregateOptions{Dataset: "texas", Strategy: "ps", Threads: 2, Out: out}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, bench.ErrUnknownDataset))

	_, err = runAggregate(ctx, env, aggregateOptions{Dataset: "delaware", Strategy: "ps", Threads: 0, Out: out}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, census.ErrPool))

	_, err = runAggregate(ctx, env, aggregateOptions{Dataset: "delaware", Strategy: "nope", Threads: 1, Out: out}, &bytes.Buffer{})
	require.Error(t, err)

	_, err = runAggregate(ctx, env, aggregateOptions{Dataset: "delaware", Strategy: "s", Threads: 1, Out: out, ExportPostgres: true}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.database_url")

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "failed joins must not write output")

	failed, err := env.Store.ListSessions(ctx, store.SessionFilter{Status: store.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestRunBench(t *testing.T) {
	c := testConfig(t)
	env := testEnv(t, c, true)
	ctx := context.Background()
	xlsxOut := filepath.Join(t.TempDir(), "bench.xlsx")

	var buf bytes.Buffer
	records, err := runBench(ctx, env, benchOptions{XLSX: xlsxOut}, &buf)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, scheduler.Sequential, records[0].Strategy)
	for _, r := range records {
		assert.Equal(t, records[0].Digest, r.Digest)
		assert.Equal(t, uint64(4207), r.Total)
	}

	data, err := os.ReadFile(c.Bench.CSVOut)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "function,file_size,nthreads,time", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "sequential,small,1,"))

	_, err = os.Stat(xlsxOut)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "SPEEDUP")

	sessions, err := env.Store.ListSessions(ctx, store.SessionFilter{Command: "bench"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 5, sessions[0].RecordCount)
	assert.Equal(t, []string{"delaware"}, sessions[0].Datasets)

	// A second run hits the centroid cache.
	p, ok := env.Catalog.Loaded("delaware")
	require.True(t, ok)
	assert.False(t, p.CacheHit)
	fresh := testEnv(t, c, false)
	p2, err := fresh.Catalog.Get(ctx, "delaware")
	require.NoError(t, err)
	assert.True(t, p2.CacheHit)
	assert.Equal(t, p.Centroids, p2.Centroids)
}

func TestRunBench_GridFile(t *testing.T) {
	c := testConfig(t)
	env := testEnv(t, c, false)
	gridPath := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(gridPath, []byte("strategies: [s, pb]\nthreads: [2, 4]\nrepeats: 2\ndatasets: [delaware]\n"), 0o644))
	out := filepath.Join(t.TempDir(), "grid.csv")

	records, err := runBench(context.Background(), env, benchOptions{Grid: gridPath, Out: out}, &bytes.Buffer{})
	require.NoError(t, err)
	// Sequential baseline once, then pb at 2 and 4 threads, each repeated.
	require.Len(t, records, 6)
	assert.Equal(t, scheduler.Sequential, records[0].Strategy)
	assert.Equal(t, 1, records[1].Repeat)
	assert.Nil(t, env.Store)
}

func TestRunBench_UnknownDataset(t *testing.T) {
	c := testConfig(t)
	env := testEnv(t, c, false)
	_, err := runBench(context.Background(), env, benchOptions{Datasets: []string{"ohio"}}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, bench.ErrUnknownDataset))
	_, statErr := os.Stat(c.Bench.CSVOut)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteSession(t *testing.T) {
	finished := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	sess := &store.Session{
		ID:         "0f1e2d3c-aaaa-bbbb-cccc-000000000000",
		Command:    "bench",
		Status:     store.StatusComplete,
		Datasets:   []string{"delaware"},
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: &finished,
		Records: []bench.Record{
			{Strategy: scheduler.Sequential, Dataset: "delaware", Label: "small", Threads: 1, Seconds: 2},
			{Strategy: scheduler.WorkStealing, Dataset: "delaware", Label: "small", Threads: 4, Seconds: 0.5},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeSession(&buf, sess, "csv"))
	assert.Equal(t, "function,file_size,nthreads,time\nsequential,small,1,2\nparallel-work-stealing,small,4,0.5\n", buf.String())

	buf.Reset()
	require.NoError(t, writeSession(&buf, sess, "json"))
	var decoded store.Session
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, sess.ID, decoded.ID)
	assert.Len(t, decoded.Records, 2)

	buf.Reset()
	require.NoError(t, writeSession(&buf, sess, "table"))
	assert.Contains(t, buf.String(), "4.00x")

	assert.Error(t, writeSession(&buf, sess, "yaml"))

	buf.Reset()
	formatSessionList(&buf, []store.Session{*sess})
	assert.Contains(t, buf.String(), "0f1e2d3c")
	assert.Contains(t, buf.String(), "2s")
}
