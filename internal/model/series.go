package model

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// Series is an hourly, gap-free sequence of values starting at Start.
// Values[i] belongs to Start + i hours.
type Series struct {
	ID     string
	Start  time.Time
	Values []float64
}

func NewSeries(id string, start time.Time, n int) Series {
	return Series{ID: id, Start: start, Values: make([]float64, n)}
}

func (s Series) Len() int { return len(s.Values) }

// Timestamp returns the time of the i-th value.
func (s Series) Timestamp(i int) time.Time {
	return s.Start.Add(time.Duration(i) * time.Hour)
}

// End returns the exclusive end of the series.
func (s Series) End() time.Time {
	return s.Timestamp(len(s.Values))
}

func (s Series) Range() TimeRange {
	return TimeRange{Start: s.Start, End: s.End()}
}

// Index returns the position of t in the series.
func (s Series) Index(t time.Time) (int, bool) {
	if t.Before(s.Start) {
		return 0, false
	}
	d := t.Sub(s.Start)
	if d%time.Hour != 0 {
		return 0, false
	}
	i := int(d / time.Hour)
	if i >= len(s.Values) {
		return 0, false
	}
	return i, true
}

func (s Series) Sum() float64 {
	return floats.Sum(s.Values)
}

// Aligned reports whether both series cover the same hours.
func (s Series) Aligned(o Series) bool {
	return s.Start.Equal(o.Start) && len(s.Values) == len(o.Values)
}

func (s Series) Clone() Series {
	v := make([]float64, len(s.Values))
	copy(v, s.Values)
	return Series{ID: s.ID, Start: s.Start, Values: v}
}

// Scaled returns a copy with every value multiplied by f.
func (s Series) Scaled(f float64) Series {
	c := s.Clone()
	floats.Scale(f, c.Values)
	return c
}
