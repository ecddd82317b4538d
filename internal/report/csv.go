// Package report writes join results and benchmark records as CSV, XLSX
// and console tables.
package report

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tractjoin/internal/accum"
	"github.com/sells-group/tractjoin/internal/bench"
)

// Column headers of the two result tables.
var (
	TotalsHeader    = []string{"ZIPCode", "P1_001N"}
	BenchmarkHeader = []string{"function", "file_size", "nthreads", "time"}
)

// WriteTotalsCSV writes one row per assigned ZCTA, sorted by code.
func WriteTotalsCSV(w io.Writer, totals accum.Totals) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TotalsHeader); err != nil {
		return eris.Wrap(err, "report: write totals header")
	}
	for _, r := range totals.Rows() {
		if err := cw.Write([]string{r.ZCTA, strconv.FormatUint(r.Population, 10)}); err != nil {
			return eris.Wrapf(err, "report: write totals row %s", r.ZCTA)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush totals")
}

// WriteBenchmarkCSV writes records in the order given, time in seconds.
func WriteBenchmarkCSV(w io.Writer, records []bench.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(BenchmarkHeader); err != nil {
		return eris.Wrap(err, "report: write benchmark header")
	}
	for _, r := range records {
		row := []string{
			r.Strategy.String(),
			r.Label,
			strconv.Itoa(r.Threads),
			strconv.FormatFloat(r.Seconds, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "report: write benchmark row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush benchmarks")
}

// WriteFileAtomic writes path through a temporary file in the same
// directory and renames it into place, so readers never see a partial file.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "report: create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "report: create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "report: close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "report: rename to %s", path)
	}
	return nil
}
