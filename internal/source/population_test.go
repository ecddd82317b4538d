package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tractjoin/internal/census"
)

func TestReadPopulationCSV(t *testing.T) {
	in := "\ufeffNAME,geoid,P1_001N\n" +
		"Tract 401,10001040100,4120\n" +
		"Tract 402,10001040200, 87\n" +
		"Tract 403,,10\n" +
		"Tract 404,10001040400,-3\n" +
		"Tract 405,10001040500,abc\n" +
		"Tract 401 again,10001040100,1\n" +
		"short\n"

	pops, diag, err := ReadPopulationCSV(strings.NewReader(in), Properties{})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{
		"10001040100": 4120,
		"10001040200": 87,
	}, pops)
	assert.Equal(t, 2, diag.Accepted)
	assert.Equal(t, 5, diag.Skipped[census.KindInput])
}

func TestReadPopulationCSV_MissingColumns(t *testing.T) {
	_, _, err := ReadPopulationCSV(strings.NewReader("GEOID,POP\n1,2\n"), Properties{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header must contain GEOID and P1_001N")

	_, _, err = ReadPopulationCSV(strings.NewReader(""), Properties{})
	require.Error(t, err)
}

func TestReadPopulationCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pop.csv")
	require.NoError(t, os.WriteFile(path, []byte("GEOID,P1_001N\nA,1\nB,2\n"), 0o644))

	pops, _, err := ReadPopulationCSVFile(path, Properties{})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"A": 1, "B": 2}, pops)

	_, _, err = ReadPopulationCSVFile(filepath.Join(t.TempDir(), "nope.csv"), Properties{})
	require.Error(t, err)
}
