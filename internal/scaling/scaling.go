// Package scaling reconciles bottom-up hourly series with top-down annual
// totals by a single multiplicative factor per state.
package scaling

import (
	"fmt"
	"math"
	"slices"

	"load_projection/internal/model"
)

// Factor returns target / rawTotal. rawTotal must be positive; a negative
// factor would invert the hourly profile.
func Factor(rawTotal, target float64) (float64, error) {
	if math.IsNaN(target) || math.IsInf(target, 0) || target < 0 {
		return 0, fmt.Errorf("%w: %v", model.ErrInvalidTarget, target)
	}
	if rawTotal <= 0 || math.IsNaN(rawTotal) || math.IsInf(rawTotal, 0) {
		return 0, fmt.Errorf("%w: raw total is %v", model.ErrDegenerateSeries, rawTotal)
	}
	return target / rawTotal, nil
}

// Scale multiplies every hour of a state series by target / sum(series) so
// the annual sum matches the target while the hourly shape is kept.
func Scale(state model.Series, target float64) (model.ScaledSeries, error) {
	f, err := Factor(state.Sum(), target)
	if err != nil {
		return model.ScaledSeries{}, fmt.Errorf("scaling %s: %w", state.ID, err)
	}
	return model.ScaledSeries{
		Entity: state.ID,
		Raw:    state.Clone(),
		Scaled: state.Scaled(f),
		Factor: f,
	}, nil
}

// ScaleCounties applies each state's factor to the counties of that state.
// Counties whose state has no factor are left out of the result.
func ScaleCounties(counties map[model.CountyID]model.Series, stateOf func(model.CountyID) model.StateID, factors map[model.StateID]float64) map[model.CountyID]model.ScaledSeries {
	out := make(map[model.CountyID]model.ScaledSeries, len(counties))
	for c, s := range counties {
		f, ok := factors[stateOf(c)]
		if !ok {
			continue
		}
		out[c] = model.ScaledSeries{
			Entity: string(c),
			Raw:    s.Clone(),
			Scaled: s.Scaled(f),
			Factor: f,
		}
	}
	return out
}

// ScaleRegion rebuilds a region series from its county allocation with each
// county scaled by its state's factor. The reported factor is the effective
// ratio of scaled to raw totals. A county in a state without a factor fails
// the region with ErrMissingTarget.
func ScaleRegion(region model.RegionID, alloc map[model.CountyID]model.Series, stateOf func(model.CountyID) model.StateID, factors map[model.StateID]float64) (model.ScaledSeries, error) {
	counties := make([]model.CountyID, 0, len(alloc))
	for c := range alloc {
		counties = append(counties, c)
	}
	slices.Sort(counties)
	if len(counties) == 0 {
		return model.ScaledSeries{}, fmt.Errorf("region %s has no counties", region)
	}

	first := alloc[counties[0]]
	raw := model.NewSeries(string(region), first.Start, first.Len())
	scaled := model.NewSeries(string(region), first.Start, first.Len())
	for _, c := range counties {
		s := alloc[c]
		if !s.Aligned(raw) {
			return model.ScaledSeries{}, fmt.Errorf("%w: county %s in region %s", model.ErrMisaligned, c, region)
		}
		st := stateOf(c)
		f, ok := factors[st]
		if !ok {
			return model.ScaledSeries{}, fmt.Errorf("%w: state %s of county %s in region %s", model.ErrMissingTarget, st, c, region)
		}
		for i, v := range s.Values {
			raw.Values[i] += v
			scaled.Values[i] += v * f
		}
	}

	var eff float64
	if rt := raw.Sum(); rt != 0 {
		eff = scaled.Sum() / rt
	}
	return model.ScaledSeries{Entity: string(region), Raw: raw, Scaled: scaled, Factor: eff}, nil
}
