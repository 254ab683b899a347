// Package output writes projection results as CSV files.
//
// Layout under the output root:
//
//	<scenario>/<year>/state/<STATE>.csv
//	<scenario>/<year>/region/<REGION>.csv
//	<scenario>/<year>/county/<COUNTY>.csv   (optional)
//	<scenario>/<year>/summary.csv
package output

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"load_projection/internal/model"
)

// Levels of the spatial hierarchy.
const (
	LevelState  = "state"
	LevelRegion = "region"
	LevelCounty = "county"
)

const timeLayout = "2006-01-02 15:04:05"

var seriesHeader = []string{"timestamp", "value", "raw_value"}

var summaryHeader = []string{"state", "year", "scenario", "raw_annual_total", "target_annual_total", "scale_factor"}

// Emitter writes files below a root directory.
type Emitter struct {
	root string
}

func NewEmitter(root string) *Emitter {
	return &Emitter{root: root}
}

// UnitDir returns the directory of one (year, scenario) unit.
func (e *Emitter) UnitDir(year int, scenario string) string {
	return filepath.Join(e.root, scenario, strconv.Itoa(year))
}

// SeriesPath returns the file of one entity at level.
func (e *Emitter) SeriesPath(year int, scenario, level, entity string) string {
	return filepath.Join(e.UnitDir(year, scenario), level, entity+".csv")
}

// WriteLevel writes one file per entity at level. Returns the number of
// files written.
func (e *Emitter) WriteLevel(year int, scenario, level string, series map[string]model.ScaledSeries) (int, error) {
	return writeLevel(e.UnitDir(year, scenario), level, series)
}

// WriteSummary writes the unit's summary table.
func (e *Emitter) WriteSummary(year int, scenario string, rows []model.SummaryRow) error {
	return writeSummary(e.UnitDir(year, scenario), rows)
}

// Clear removes every file of a unit.
func (e *Emitter) Clear(year int, scenario string) error {
	if err := os.RemoveAll(e.UnitDir(year, scenario)); err != nil {
		return fmt.Errorf("clearing %s/%d: %w", scenario, year, err)
	}
	return nil
}

// Begin starts writing a unit into a staging directory next to the unit
// directory. Nothing under the unit directory changes until Commit.
func (e *Emitter) Begin(year int, scenario string) (*UnitWriter, error) {
	dir := e.UnitDir(year, scenario)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".staging-")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", dir, err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("staging %s: %w", dir, err)
	}
	return &UnitWriter{dir: dir, staging: staging}, nil
}

// UnitWriter collects the files of one unit and swaps them in as a whole,
// so entities missing from a re-run never survive from an earlier one.
type UnitWriter struct {
	dir     string
	staging string
}

func (w *UnitWriter) WriteLevel(level string, series map[string]model.ScaledSeries) (int, error) {
	return writeLevel(w.staging, level, series)
}

func (w *UnitWriter) WriteSummary(rows []model.SummaryRow) error {
	return writeSummary(w.staging, rows)
}

// Commit replaces the unit directory with the staged files.
func (w *UnitWriter) Commit() error {
	var old string
	if _, err := os.Stat(w.dir); err == nil {
		old = w.staging + ".old"
		if err := os.Rename(w.dir, old); err != nil {
			return fmt.Errorf("replacing %s: %w", w.dir, err)
		}
	}
	if err := os.Rename(w.staging, w.dir); err != nil {
		if old != "" {
			os.Rename(old, w.dir)
		}
		return fmt.Errorf("replacing %s: %w", w.dir, err)
	}
	if old != "" {
		return os.RemoveAll(old)
	}
	return nil
}

// Abort drops the staged files.
func (w *UnitWriter) Abort() error {
	return os.RemoveAll(w.staging)
}

func writeLevel(unitDir, level string, series map[string]model.ScaledSeries) (int, error) {
	ids := make([]string, 0, len(series))
	for id := range series {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		path := filepath.Join(unitDir, level, id+".csv")
		if err := writeFile(path, func(w io.Writer) error { return WriteSeries(w, series[id]) }); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func writeSummary(unitDir string, rows []model.SummaryRow) error {
	path := filepath.Join(unitDir, "summary.csv")
	return writeFile(path, func(w io.Writer) error { return WriteSummary(w, rows) })
}

// writeFile creates path's directory and writes the file through a
// temporary name so a half-written file is never left under the final name.
func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteSeries writes one row per hour: timestamp, scaled value, raw value.
func WriteSeries(w io.Writer, s model.ScaledSeries) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(seriesHeader); err != nil {
		return err
	}
	for i, v := range s.Scaled.Values {
		raw := ""
		if i < s.Raw.Len() {
			raw = formatFloat(s.Raw.Values[i])
		}
		if err := cw.Write([]string{s.Scaled.Timestamp(i).Format(timeLayout), formatFloat(v), raw}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes the summary table with a header.
func WriteSummary(w io.Writer, rows []model.SummaryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(summaryHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			string(r.State),
			strconv.Itoa(r.Year),
			r.Scenario,
			formatFloat(r.RawTotal),
			formatFloat(r.TargetTotal),
			formatFloat(r.ScaleFactor),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadSeries reads a file written by WriteSeries back into a scaled series
// named id.
func ReadSeries(r io.Reader, id string) (model.ScaledSeries, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return model.ScaledSeries{}, fmt.Errorf("reading series: %w", err)
	}
	if len(records) == 0 || !slices.Equal(records[0], seriesHeader) {
		return model.ScaledSeries{}, fmt.Errorf("unexpected series header")
	}

	out := model.ScaledSeries{Entity: id}
	for i, rec := range records[1:] {
		ts, err := time.Parse(timeLayout, rec[0])
		if err != nil {
			return model.ScaledSeries{}, fmt.Errorf("line %d: %w", i+2, err)
		}
		if i == 0 {
			out.Scaled = model.Series{ID: id, Start: ts}
			out.Raw = model.Series{ID: id, Start: ts}
		} else if want := out.Scaled.Timestamp(i); !ts.Equal(want) {
			return model.ScaledSeries{}, fmt.Errorf("line %d: %w: expected %s", i+2, model.ErrMisaligned, want.Format(timeLayout))
		}
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return model.ScaledSeries{}, fmt.Errorf("line %d: %w", i+2, err)
		}
		raw, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return model.ScaledSeries{}, fmt.Errorf("line %d: %w", i+2, err)
		}
		out.Scaled.Values = append(out.Scaled.Values, v)
		out.Raw.Values = append(out.Raw.Values, raw)
	}
	if raw := out.Raw.Sum(); raw != 0 {
		out.Factor = out.Scaled.Sum() / raw
	}
	return out, nil
}
