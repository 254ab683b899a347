// Package spatial splits region-level hourly demand across the counties a
// region serves, using yearly population or territory weights.
package spatial

import (
	"fmt"
	"math"
	"slices"
	"time"

	"load_projection/internal/model"
)

// DefaultTolerance is how far the weights of a region may drift from one
// before they are rejected instead of renormalized.
const DefaultTolerance = 1e-3

// Mode selects how weights are resolved between known years.
type Mode string

const (
	// Linear interpolates weights between Jan 1 anchors of known years.
	Linear Mode = "linear"
	// Step uses the closest known year at or before the timestamp's year.
	Step Mode = "step"
)

// Record is one (county, region, year) weight row. State may be empty, in
// which case it is derived from the county FIPS prefix.
type Record struct {
	County model.CountyID
	State  model.StateID
	Region model.RegionID
	Year   int
	Weight float64
}

// PopulationRecord is the population of a county attributed to a region in
// one year.
type PopulationRecord struct {
	County     model.CountyID
	State      model.StateID
	Region     model.RegionID
	Year       int
	Population float64
}

// WeightsFromPopulation turns populations into each county's share of its
// region's population for that year.
func WeightsFromPopulation(pop []PopulationRecord) ([]Record, error) {
	type regionYear struct {
		region model.RegionID
		year   int
	}
	totals := make(map[regionYear]float64)
	for _, p := range pop {
		if math.IsNaN(p.Population) || math.IsInf(p.Population, 0) || p.Population < 0 {
			return nil, fmt.Errorf("%w: county %s region %s year %d has population %v",
				model.ErrWeightNormalization, p.County, p.Region, p.Year, p.Population)
		}
		totals[regionYear{p.Region, p.Year}] += p.Population
	}

	out := make([]Record, 0, len(pop))
	for _, p := range pop {
		total := totals[regionYear{p.Region, p.Year}]
		if total <= 0 {
			return nil, fmt.Errorf("%w: region %s has zero population in %d",
				model.ErrWeightNormalization, p.Region, p.Year)
		}
		out = append(out, Record{
			County: p.County,
			State:  p.State,
			Region: p.Region,
			Year:   p.Year,
			Weight: p.Population / total,
		})
	}
	return out, nil
}

// regionWeights holds one region's weights. weights[k][j] is the weight of
// counties[j] in years[k]; counties absent from a year weigh zero.
type regionWeights struct {
	counties []model.CountyID
	years    []int
	anchors  []time.Time
	weights  [][]float64
}

// Table resolves the county weights of every region at any hour.
type Table struct {
	tolerance float64
	mode      Mode
	regions   map[model.RegionID]*regionWeights
	states    map[model.CountyID]model.StateID
}

// NewTable indexes weight records. A tolerance <= 0 means DefaultTolerance
// and an empty mode means Linear.
func NewTable(records []Record, tolerance float64, mode Mode) (*Table, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	switch mode {
	case "":
		mode = Linear
	case Linear, Step:
	default:
		return nil, fmt.Errorf("unknown weight mode %q", mode)
	}

	t := &Table{
		tolerance: tolerance,
		mode:      mode,
		regions:   make(map[model.RegionID]*regionWeights),
		states:    make(map[model.CountyID]model.StateID),
	}

	type key struct {
		region model.RegionID
		county model.CountyID
		year   int
	}
	seen := make(map[key]float64)
	countySets := make(map[model.RegionID]map[model.CountyID]bool)
	yearSets := make(map[model.RegionID]map[int]bool)

	for _, r := range records {
		county := model.NormalizeCounty(string(r.County))
		if county == "" || r.Region == "" {
			return nil, fmt.Errorf("weight record without county or region: %+v", r)
		}
		if math.IsNaN(r.Weight) || math.IsInf(r.Weight, 0) || r.Weight < 0 {
			return nil, fmt.Errorf("%w: county %s region %s year %d has weight %v",
				model.ErrWeightNormalization, county, r.Region, r.Year, r.Weight)
		}
		k := key{r.Region, county, r.Year}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("duplicate weight for county %s region %s year %d", county, r.Region, r.Year)
		}
		seen[k] = r.Weight

		state := r.State
		if state == "" {
			state = model.StateOfCounty(county)
		}
		if prev, ok := t.states[county]; ok && prev != state {
			return nil, fmt.Errorf("county %s assigned to states %s and %s", county, prev, state)
		}
		t.states[county] = state

		if countySets[r.Region] == nil {
			countySets[r.Region] = make(map[model.CountyID]bool)
			yearSets[r.Region] = make(map[int]bool)
		}
		countySets[r.Region][county] = true
		yearSets[r.Region][r.Year] = true
	}

	for region, cs := range countySets {
		rw := &regionWeights{}
		for c := range cs {
			rw.counties = append(rw.counties, c)
		}
		slices.Sort(rw.counties)
		for y := range yearSets[region] {
			rw.years = append(rw.years, y)
		}
		slices.Sort(rw.years)

		rw.anchors = make([]time.Time, len(rw.years))
		rw.weights = make([][]float64, len(rw.years))
		for k, y := range rw.years {
			rw.anchors[k] = model.YearRange(y).Start
			rw.weights[k] = make([]float64, len(rw.counties))
			for j, c := range rw.counties {
				rw.weights[k][j] = seen[key{region, c, y}]
			}
		}
		t.regions[region] = rw
	}
	return t, nil
}

// Regions returns every region in the table, sorted.
func (t *Table) Regions() []model.RegionID {
	out := make([]model.RegionID, 0, len(t.regions))
	for r := range t.regions {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Counties returns the counties a region serves in any known year.
func (t *Table) Counties(region model.RegionID) []model.CountyID {
	rw, ok := t.regions[region]
	if !ok {
		return nil
	}
	return slices.Clone(rw.counties)
}

// StateOf returns the state a county belongs to.
func (t *Table) StateOf(c model.CountyID) model.StateID {
	if s, ok := t.states[c]; ok {
		return s
	}
	return model.StateOfCounty(c)
}

// CountyStates returns the county to state mapping of every county in the table.
func (t *Table) CountyStates() map[model.CountyID]model.StateID {
	out := make(map[model.CountyID]model.StateID, len(t.states))
	for c, s := range t.states {
		out[c] = s
	}
	return out
}

// WeightsAt returns the county weights of region at ts, normalized to sum to
// one. The counties slice is shared and must not be modified.
func (t *Table) WeightsAt(region model.RegionID, ts time.Time) ([]model.CountyID, []float64, error) {
	rw, ok := t.regions[region]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no weights for region %s", model.ErrNotFound, region)
	}
	w := make([]float64, len(rw.counties))
	if err := t.fill(rw, region, ts, w); err != nil {
		return nil, nil, err
	}
	return rw.counties, w, nil
}

// fill writes the normalized weights of rw at ts into w.
func (t *Table) fill(rw *regionWeights, region model.RegionID, ts time.Time, w []float64) error {
	last := len(rw.anchors) - 1

	switch {
	case !ts.After(rw.anchors[0]):
		copy(w, rw.weights[0])
	case !ts.Before(rw.anchors[last]):
		copy(w, rw.weights[last])
	case t.mode == Step:
		// closest known year at or before ts's year
		k := 0
		for k < last && rw.years[k+1] <= ts.Year() {
			k++
		}
		copy(w, rw.weights[k])
	default:
		k := 0
		for !ts.Before(rw.anchors[k+1]) {
			k++
		}
		span := rw.anchors[k+1].Sub(rw.anchors[k])
		frac := float64(ts.Sub(rw.anchors[k])) / float64(span)
		a, b := rw.weights[k], rw.weights[k+1]
		for j := range w {
			w[j] = a[j] + (b[j]-a[j])*frac
		}
	}

	var sum float64
	for _, v := range w {
		sum += v
	}
	if math.Abs(sum-1) > t.tolerance {
		return fmt.Errorf("%w: region %s weights sum to %.6f at %s",
			model.ErrWeightNormalization, region, sum, ts.Format(time.RFC3339))
	}
	for j := range w {
		w[j] /= sum
	}
	return nil
}

// Allocate splits a region series across the region's counties. For every
// hour the county values sum to the region value.
func (t *Table) Allocate(region model.RegionID, series model.Series) (map[model.CountyID]model.Series, error) {
	rw, ok := t.regions[region]
	if !ok {
		return nil, fmt.Errorf("%w: no weights for region %s", model.ErrNotFound, region)
	}

	out := make(map[model.CountyID]model.Series, len(rw.counties))
	cols := make([][]float64, len(rw.counties))
	for j, c := range rw.counties {
		s := model.NewSeries(string(c), series.Start, series.Len())
		out[c] = s
		cols[j] = s.Values
	}

	w := make([]float64, len(rw.counties))
	for i, v := range series.Values {
		if err := t.fill(rw, region, series.Timestamp(i), w); err != nil {
			return nil, err
		}
		for j := range cols {
			cols[j][i] = v * w[j]
		}
	}
	return out, nil
}
