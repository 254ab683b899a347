// Package aggregate sums county series up the county/state/region hierarchy.
package aggregate

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"load_projection/internal/model"
)

// Sum adds aligned series hour by hour. The inputs are left untouched.
func Sum(id string, series ...model.Series) (model.Series, error) {
	if len(series) == 0 {
		return model.Series{ID: id}, nil
	}
	out := model.NewSeries(id, series[0].Start, series[0].Len())
	for _, s := range series {
		if !s.Aligned(out) {
			return model.Series{}, fmt.Errorf("%w: %s [%s, +%dh) vs %s [%s, +%dh)", model.ErrMisaligned,
				s.ID, s.Start, s.Len(), series[0].ID, series[0].Start, series[0].Len())
		}
		floats.Add(out.Values, s.Values)
	}
	return out, nil
}

// sortedKeys gives summation a fixed order so results are reproducible.
func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ToState sums counties into their states.
func ToState(counties map[model.CountyID]model.Series, stateOf func(model.CountyID) model.StateID) (map[model.StateID]model.Series, error) {
	groups := make(map[model.StateID][]model.Series)
	for _, c := range sortedKeys(counties) {
		st := stateOf(c)
		groups[st] = append(groups[st], counties[c])
	}

	out := make(map[model.StateID]model.Series, len(groups))
	for st, members := range groups {
		s, err := Sum(string(st), members...)
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", st, err)
		}
		out[st] = s
	}
	return out, nil
}

// ToRegion sums a region's allocated county series back into one region
// series. It inverts the spatial allocation and is used to verify it.
func ToRegion(region model.RegionID, counties map[model.CountyID]model.Series) (model.Series, error) {
	members := make([]model.Series, 0, len(counties))
	for _, c := range sortedKeys(counties) {
		members = append(members, counties[c])
	}
	return Sum(string(region), members...)
}

// MergeCounties combines allocations from several regions. A county served
// by more than one region receives the sum of their contributions.
func MergeCounties(parts ...map[model.CountyID]model.Series) (map[model.CountyID]model.Series, error) {
	grouped := make(map[model.CountyID][]model.Series)
	for _, part := range parts {
		for _, c := range sortedKeys(part) {
			grouped[c] = append(grouped[c], part[c])
		}
	}

	out := make(map[model.CountyID]model.Series, len(grouped))
	for c, members := range grouped {
		if len(members) == 1 {
			out[c] = members[0].Clone()
			continue
		}
		s, err := Sum(string(c), members...)
		if err != nil {
			return nil, fmt.Errorf("county %s: %w", c, err)
		}
		out[c] = s
	}
	return out, nil
}

// Conserved checks that got matches want hour by hour within a relative
// tolerance of the larger magnitude.
func Conserved(want, got model.Series, relTol float64) error {
	if !want.Aligned(got) {
		return fmt.Errorf("%w: %s vs %s", model.ErrMisaligned, want.ID, got.ID)
	}
	for i, w := range want.Values {
		g := got.Values[i]
		scale := math.Max(math.Max(math.Abs(w), math.Abs(g)), 1)
		if math.Abs(w-g) > relTol*scale {
			return fmt.Errorf("%s at %s: expected %.9g, got %.9g", want.ID, want.Timestamp(i).Format("2006-01-02T15:04"), w, g)
		}
	}
	return nil
}
