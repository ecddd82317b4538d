package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tractjoin/internal/census"
)

// ReadPopulationCSV reads a tract population table with a header row naming
// the GEOID and population columns. Rows with an unusable population are
// skipped and counted; a repeated GEOID keeps its first row.
func ReadPopulationCSV(r io.Reader, props Properties) (map[string]uint64, census.Diagnostics, error) {
	props = props.withDefaults()
	var diag census.Diagnostics

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, diag, eris.Wrap(err, "csv: read header")
	}
	geoidCol, popCol := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch {
		case strings.EqualFold(h, props.GEOID):
			geoidCol = i
		case strings.EqualFold(h, props.Population):
			popCol = i
		}
	}
	if geoidCol < 0 || popCol < 0 {
		return nil, diag, eris.Errorf("csv: header must contain %s and %s", props.GEOID, props.Population)
	}

	out := make(map[string]uint64)
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, diag, eris.Wrapf(err, "csv: read line %d", line)
		}
		if len(rec) <= max(geoidCol, popCol) {
			diag.Skip(census.InputError(fmt.Sprintf("line %d", line), "short row"))
			continue
		}
		geoid := strings.TrimSpace(rec[geoidCol])
		if geoid == "" {
			diag.Skip(census.InputError(fmt.Sprintf("line %d", line), "missing "+props.GEOID))
			continue
		}
		pop, err := census.ParsePopulation(geoid, rec[popCol])
		if err != nil {
			diag.Skip(err)
			continue
		}
		if _, dup := out[geoid]; dup {
			diag.Skip(census.InputError(geoid, "duplicate population row"))
			continue
		}
		out[geoid] = pop
	}
	diag.Accepted = len(out)
	return out, diag, nil
}

// ReadPopulationCSVFile opens path and reads it with ReadPopulationCSV.
func ReadPopulationCSVFile(path string, props Properties) (map[string]uint64, census.Diagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, census.Diagnostics{}, eris.Wrapf(err, "source: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ReadPopulationCSV(f, props)
}
