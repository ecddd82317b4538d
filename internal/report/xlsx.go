package report

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tractjoin/internal/bench"
	"github.com/sells-group/tractjoin/internal/scheduler"
)

// Sheet names of the benchmark workbook.
const (
	BenchmarkSheet = "benchmarks"
	SpeedupSheet   = "speedup"
)

// Speedup compares a parallel configuration to its dataset's sequential
// baseline. Times are means over repeats.
type Speedup struct {
	Dataset    string             `json:"dataset"`
	Label      string             `json:"file_size"`
	Strategy   scheduler.Strategy `json:"function"`
	Threads    int                `json:"nthreads"`
	Sequential float64            `json:"sequential_time"`
	Seconds    float64            `json:"time"`
	Speedup    float64            `json:"speedup"`
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) { m.sum += v; m.n++ }
func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Speedups derives one row per dataset, parallel strategy and thread count,
// in the order the records first mention them. Datasets without a
// sequential record, and configurations whose mean time is zero, are left
// out.
func Speedups(records []bench.Record) []Speedup {
	type key struct {
		dataset  string
		strategy scheduler.Strategy
		threads  int
	}
	baselines := make(map[string]*mean)
	runs := make(map[key]*mean)
	var order []key
	labels := make(map[string]string)

	for _, r := range records {
		labels[r.Dataset] = r.Label
		if r.Strategy == scheduler.Sequential {
			m, ok := baselines[r.Dataset]
			if !ok {
				m = &mean{}
				baselines[r.Dataset] = m
			}
			m.add(r.Seconds)
			continue
		}
		k := key{r.Dataset, r.Strategy, r.Threads}
		m, ok := runs[k]
		if !ok {
			m = &mean{}
			runs[k] = m
			order = append(order, k)
		}
		m.add(r.Seconds)
	}

	var out []Speedup
	for _, k := range order {
		base, ok := baselines[k.dataset]
		if !ok {
			continue
		}
		secs := runs[k].value()
		if secs == 0 {
			continue
		}
		out = append(out, Speedup{
			Dataset:    k.dataset,
			Label:      labels[k.dataset],
			Strategy:   k.strategy,
			Threads:    k.threads,
			Sequential: base.value(),
			Seconds:    secs,
			Speedup:    base.value() / secs,
		})
	}
	return out
}

// WriteBenchmarkXLSX writes the records and their speedups as a workbook.
func WriteBenchmarkXLSX(w io.Writer, records []bench.Record) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(BenchmarkSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add benchmark sheet")
	}
	addHeader(sheet, append(append([]string{}, BenchmarkHeader...), "dataset", "repeat", "assigned", "unassigned", "steals"))
	for _, r := range records {
		row := sheet.AddRow()
		row.AddCell().SetString(r.Strategy.String())
		row.AddCell().SetString(r.Label)
		row.AddCell().SetInt(r.Threads)
		row.AddCell().SetFloat(r.Seconds)
		row.AddCell().SetString(r.Dataset)
		row.AddCell().SetInt(r.Repeat)
		row.AddCell().SetInt(r.Assigned)
		row.AddCell().SetInt(r.Unassigned)
		row.AddCell().SetInt(r.Steals)
	}

	sheet, err = f.AddSheet(SpeedupSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add speedup sheet")
	}
	addHeader(sheet, []string{"dataset", "file_size", "function", "nthreads", "sequential_time", "time", "speedup"})
	for _, s := range Speedups(records) {
		row := sheet.AddRow()
		row.AddCell().SetString(s.Dataset)
		row.AddCell().SetString(s.Label)
		row.AddCell().SetString(s.Strategy.String())
		row.AddCell().SetInt(s.Threads)
		row.AddCell().SetFloat(s.Sequential)
		row.AddCell().SetFloat(s.Seconds)
		row.AddCell().SetFloat(s.Speedup)
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "xlsx: write workbook")
	}
	return nil
}

func addHeader(sheet *xlsx.Sheet, cols []string) {
	row := sheet.AddRow()
	for _, c := range cols {
		row.AddCell().SetString(c)
	}
}
