package model

import (
	"fmt"
	"strings"
	"time"
)

// RegionID identifies a demand-serving region (e.g. a balancing authority).
type RegionID string

// CountyID is a 5-digit county FIPS code.
type CountyID string

// StateID is a 2-digit state FIPS code or a postal abbreviation.
type StateID string

// NormalizeCounty left-pads a numeric FIPS code to five digits.
func NormalizeCounty(s string) CountyID {
	s = strings.TrimSpace(s)
	if len(s) < 5 && s != "" {
		s = strings.Repeat("0", 5-len(s)) + s
	}
	return CountyID(s)
}

// StateOfCounty derives the state FIPS code from the county FIPS prefix.
func StateOfCounty(c CountyID) StateID {
	s := string(NormalizeCounty(string(c)))
	if len(s) < 2 {
		return StateID(s)
	}
	return StateID(s[:2])
}

type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is in [Start, End).
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// Hours returns the number of whole hours in the range.
func (tr TimeRange) Hours() int {
	if !tr.End.After(tr.Start) {
		return 0
	}
	return int(tr.End.Sub(tr.Start) / time.Hour)
}

// Window splits history into a training range [TrainStart, SplitAt) and an
// evaluation range [SplitAt, EvalEnd).
type Window struct {
	TrainStart time.Time
	SplitAt    time.Time
	EvalEnd    time.Time
}

func (w Window) Train() TimeRange { return TimeRange{Start: w.TrainStart, End: w.SplitAt} }

func (w Window) Eval() TimeRange { return TimeRange{Start: w.SplitAt, End: w.EvalEnd} }

func (w Window) Validate() error {
	if !w.SplitAt.After(w.TrainStart) {
		return fmt.Errorf("split %s must be after train start %s", w.SplitAt.Format(time.RFC3339), w.TrainStart.Format(time.RFC3339))
	}
	if w.EvalEnd.Before(w.SplitAt) {
		return fmt.Errorf("eval end %s must not be before split %s", w.EvalEnd.Format(time.RFC3339), w.SplitAt.Format(time.RFC3339))
	}
	return nil
}

// YearRange returns [Jan 1 year, Jan 1 year+1) in UTC.
func YearRange(year int) TimeRange {
	return TimeRange{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}
