package spatial_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/tractjoin/internal/census"
	"github.com/sells-group/tractjoin/internal/census/censustest"
	"github.com/sells-group/tractjoin/internal/spatial"
)

func treeOnly() spatial.Option   { return spatial.WithLinearThreshold(0) }
func linearOnly() spatial.Option { return spatial.WithLinearThreshold(1 << 30) }

func TestBuild_Empty(t *testing.T) {
	idx, rejected := spatial.Build(nil)
	require.NotNil(t, idx)
	assert.Empty(t, rejected)
	assert.Equal(t, 0, idx.Len())

	_, ok := idx.Locate(geom.Coord{0, 0})
	assert.False(t, ok)
}

func TestLocate_GridInteriorAndBoundary(t *testing.T) {
	for _, mode := range []struct {
		name string
		opt  spatial.Option
	}{{"tree", treeOnly()}, {"linear", linearOnly()}} {
		t.Run(mode.name, func(t *testing.T) {
			idx, rejected := spatial.Build(censustest.Grid(10, 10, 1), mode.opt, spatial.WithNodeCapacity(4))
			require.Empty(t, rejected)
			assert.Equal(t, 100, idx.Len())
			assert.Equal(t, censustest.SRID, idx.SRID())

			code, ok := idx.Locate(geom.Coord{0.5, 0.5})
			assert.True(t, ok)
			assert.Equal(t, "Z000", code)

			code, ok = idx.Locate(geom.Coord{3.5, 7.5})
			assert.True(t, ok)
			assert.Equal(t, "Z073", code)

			// Shared edge between Z000 and Z001.
			_, ok = idx.Locate(geom.Coord{1, 0.5})
			assert.False(t, ok)

			// Corner shared by four squares.
			_, ok = idx.Locate(geom.Coord{5, 5})
			assert.False(t, ok)

			// Outer boundary and outside.
			_, ok = idx.Locate(geom.Coord{0, 0.5})
			assert.False(t, ok)
			_, ok = idx.Locate(geom.Coord{-3, 4})
			assert.False(t, ok)
		})
	}
}

func TestLocate_HoleIsNotContained(t *testing.T) {
	zctas := []census.ZCTA{
		censustest.ZCTA("RING", censustest.RectWithHole([4]float64{0, 0, 10, 10}, [4]float64{4, 4, 6, 6})),
	}
	idx, rejected := spatial.Build(zctas, treeOnly())
	require.Empty(t, rejected)

	code, ok := idx.Locate(geom.Coord{1, 1})
	assert.True(t, ok)
	assert.Equal(t, "RING", code)

	_, ok = idx.Locate(geom.Coord{5, 5})
	assert.False(t, ok, "inside the hole")

	_, ok = idx.Locate(geom.Coord{4, 5})
	assert.False(t, ok, "on the hole boundary")
}

func TestLocate_MultiPolygonParts(t *testing.T) {
	zctas := []census.ZCTA{
		censustest.ZCTA("ISLANDS", censustest.Islands([4]float64{0, 0, 1, 1}, [4]float64{10, 10, 11, 11})),
		censustest.ZCTA("MAIN", censustest.Rect(2, 2, 8, 8)),
	}
	idx, rejected := spatial.Build(zctas, treeOnly())
	require.Empty(t, rejected)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, 3, idx.Stats().Parts)

	code, _ := idx.Locate(geom.Coord{10.5, 10.5})
	assert.Equal(t, "ISLANDS", code)
	code, _ = idx.Locate(geom.Coord{0.5, 0.5})
	assert.Equal(t, "ISLANDS", code)
	code, _ = idx.Locate(geom.Coord{5, 5})
	assert.Equal(t, "MAIN", code)
}

func TestLocate_OverlapPrefersFirstZone(t *testing.T) {
	zctas := []census.ZCTA{
		censustest.ZCTA("A", censustest.Rect(0, 0, 4, 4)),
		censustest.ZCTA("B", censustest.Rect(2, 2, 6, 6)),
	}
	reversed := []census.ZCTA{zctas[1], zctas[0]}

	for _, opt := range []spatial.Option{treeOnly(), linearOnly()} {
		idx, _ := spatial.Build(zctas, opt)
		code, ok := idx.Locate(geom.Coord{3, 3})
		require.True(t, ok)
		assert.Equal(t, "A", code)

		idx, _ = spatial.Build(reversed, opt)
		code, ok = idx.Locate(geom.Coord{3, 3})
		require.True(t, ok)
		assert.Equal(t, "B", code)
	}
}

func TestBuild_ExcludesInvalidZCTAs(t *testing.T) {
	bowtie := geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{
		{{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0}},
	}}).SetSRID(censustest.SRID)
	foreign := censustest.Rect(20, 20, 21, 21).SetSRID(4326)

	zctas := []census.ZCTA{
		censustest.ZCTA("GOOD", censustest.Rect(5, 5, 6, 6)),
		censustest.ZCTA("BOWTIE", bowtie),
		censustest.ZCTA("EMPTY", nil),
		censustest.ZCTA("FOREIGN", foreign),
	}
	idx, rejected := spatial.Build(zctas)
	require.Len(t, rejected, 3)
	assert.True(t, errors.Is(rejected[0], census.ErrGeometry))
	assert.True(t, errors.Is(rejected[1], census.ErrGeometry))
	assert.True(t, errors.Is(rejected[2], census.ErrInput))

	assert.Equal(t, []string{"GOOD"}, idx.Codes())
	assert.Equal(t, 3, idx.Stats().Rejected)

	_, ok := idx.Locate(geom.Coord{1.5, 1})
	assert.False(t, ok, "excluded zone must not be partially indexed")
	_, ok = idx.Locate(geom.Coord{20.5, 20.5})
	assert.False(t, ok)
}

func TestTreeAgreesWithLinearScan(t *testing.T) {
	zctas := censustest.Grid(17, 13, 0.7)
	// Overlapping extras exercise the tie-break through the tree.
	zctas = append(zctas,
		censustest.ZCTA("OVER1", censustest.Rect(1.1, 1.1, 5.3, 4.2)),
		censustest.ZCTA("OVER2", censustest.Islands([4]float64{3, 3, 9, 6}, [4]float64{-2, -2, -1, -1})),
	)

	tree, rejected := spatial.Build(zctas, treeOnly(), spatial.WithNodeCapacity(5))
	require.Empty(t, rejected)
	linear, _ := spatial.Build(zctas, linearOnly())

	st := tree.Stats()
	assert.False(t, st.Linear)
	assert.Greater(t, st.Height, 1)
	assert.True(t, linear.Stats().Linear)

	r := rand.New(rand.NewPCG(7, 11))
	for range 5000 {
		p := geom.Coord{-3 + r.Float64()*18, -3 + r.Float64()*15}
		wantCode, wantOK := linear.Locate(p)
		gotCode, gotOK := tree.Locate(p)
		require.Equal(t, wantOK, gotOK, "point %v", p)
		require.Equal(t, wantCode, gotCode, "point %v", p)
	}
}

func TestIndexSatisfiesLocator(t *testing.T) {
	idx, _ := spatial.Build(censustest.Grid(2, 2, 1))
	var loc spatial.Locator = idx
	assert.Equal(t, 4, loc.Len())
}

func TestLinearThresholdDefault(t *testing.T) {
	small, _ := spatial.Build(censustest.Grid(2, 2, 1))
	assert.True(t, small.Stats().Linear)

	big, _ := spatial.Build(censustest.Grid(4, 4, 1))
	assert.False(t, big.Stats().Linear)
	assert.Positive(t, big.Stats().Nodes)
}
