package model

import (
	"fmt"
	"math"
	"time"
)

// FeatureRow is one hour of weather/calendar features for a region.
// Values are aligned with the owning table's Columns.
type FeatureRow struct {
	Timestamp time.Time
	Values    []float64
	Demand    float64
	HasDemand bool
}

// FeatureTable holds time-ordered feature rows for a single region.
type FeatureTable struct {
	Region  RegionID
	Columns []string
	Rows    []FeatureRow
}

// ColumnIndex maps column name to position in FeatureRow.Values.
func (t *FeatureTable) ColumnIndex() map[string]int {
	idx := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		idx[c] = i
	}
	return idx
}

func (t *FeatureTable) Len() int { return len(t.Rows) }

// Range returns [first, last+1h) of the table.
func (t *FeatureTable) Range() TimeRange {
	if len(t.Rows) == 0 {
		return TimeRange{}
	}
	return TimeRange{
		Start: t.Rows[0].Timestamp,
		End:   t.Rows[len(t.Rows)-1].Timestamp.Add(time.Hour),
	}
}

// CheckContiguous verifies rows are strictly hourly with no gaps.
func (t *FeatureTable) CheckContiguous() error {
	for i := 1; i < len(t.Rows); i++ {
		if d := t.Rows[i].Timestamp.Sub(t.Rows[i-1].Timestamp); d != time.Hour {
			return fmt.Errorf("%w: region %s rows %d-%d are %s apart", ErrMisaligned, t.Region, i-1, i, d)
		}
	}
	return nil
}

// CheckOrdered verifies timestamps strictly increase. Gaps are allowed.
func (t *FeatureTable) CheckOrdered() error {
	for i := 1; i < len(t.Rows); i++ {
		if !t.Rows[i].Timestamp.After(t.Rows[i-1].Timestamp) {
			return fmt.Errorf("%w: region %s rows %d-%d are not in time order", ErrMisaligned, t.Region, i-1, i)
		}
	}
	return nil
}

// HourIndex returns the position of each row on the hourly grid spanning
// Range. Rows must be ordered and on whole hours of the first row.
func (t *FeatureTable) HourIndex() ([]int, error) {
	if err := t.CheckOrdered(); err != nil {
		return nil, err
	}
	idx := make([]int, len(t.Rows))
	if len(t.Rows) == 0 {
		return idx, nil
	}
	start := t.Rows[0].Timestamp
	for i, row := range t.Rows {
		d := row.Timestamp.Sub(start)
		if d%time.Hour != 0 {
			return nil, fmt.Errorf("%w: region %s row %d is off the hourly grid", ErrMisaligned, t.Region, i)
		}
		idx[i] = int(d / time.Hour)
	}
	return idx, nil
}

// Observed returns the historical demand on the hourly grid spanning Range.
// Hours without a row or without an observation are NaN. Rows off the grid
// or out of order are skipped.
func (t *FeatureTable) Observed() Series {
	r := t.Range()
	s := NewSeries(string(t.Region), r.Start, r.Hours())
	for i := range s.Values {
		s.Values[i] = math.NaN()
	}
	for _, row := range t.Rows {
		d := row.Timestamp.Sub(r.Start)
		if !row.HasDemand || d < 0 || d%time.Hour != 0 {
			continue
		}
		if i := int(d / time.Hour); i < len(s.Values) {
			s.Values[i] = row.Demand
		}
	}
	return s
}

// Between returns the rows in [start, end). Rows are shared, not copied.
func (t *FeatureTable) Between(start, end time.Time) *FeatureTable {
	out := &FeatureTable{Region: t.Region, Columns: t.Columns}
	for _, row := range t.Rows {
		if !row.Timestamp.Before(start) && row.Timestamp.Before(end) {
			out.Rows = append(out.Rows, row)
		}
	}
	return out
}

// Project returns a table restricted to columns, in the given order. Rows are
// copied. A column the table lacks yields ErrSchemaMismatch.
func (t *FeatureTable) Project(columns []string) (*FeatureTable, error) {
	idx := t.ColumnIndex()
	pos := make([]int, len(columns))
	for i, c := range columns {
		j, ok := idx[c]
		if !ok {
			return nil, fmt.Errorf("%w: region %s has no column %q", ErrSchemaMismatch, t.Region, c)
		}
		pos[i] = j
	}

	out := &FeatureTable{
		Region:  t.Region,
		Columns: append([]string(nil), columns...),
		Rows:    make([]FeatureRow, len(t.Rows)),
	}
	for r, row := range t.Rows {
		vals := make([]float64, len(pos))
		for i, j := range pos {
			vals[i] = row.Values[j]
		}
		row.Values = vals
		out.Rows[r] = row
	}
	return out, nil
}
