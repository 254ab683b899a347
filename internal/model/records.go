package model

import "fmt"

// ValidationRecord holds error statistics of a prediction against observations.
type ValidationRecord struct {
	Region       RegionID `json:"region"`
	N            int      `json:"n"`
	MeanObserved float64  `json:"mean_observed"`
	RMSE         float64  `json:"rmse"`
	NRMSE        float64  `json:"nrmse"`
	MAPE         float64  `json:"mape"`
	MAPEExcluded int      `json:"mape_excluded"`
	R2           float64  `json:"r2"`
}

// TargetKey addresses one annual target.
type TargetKey struct {
	State    StateID
	Year     int
	Scenario string
}

func (k TargetKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.State, k.Year, k.Scenario)
}

type AnnualTarget struct {
	TargetKey
	Value float64
}

// TargetTable is an immutable lookup of annual targets.
type TargetTable struct {
	targets map[TargetKey]float64
}

func NewTargetTable(targets []AnnualTarget) *TargetTable {
	t := &TargetTable{targets: make(map[TargetKey]float64, len(targets))}
	for _, a := range targets {
		t.targets[a.TargetKey] = a.Value
	}
	return t
}

func (t *TargetTable) Lookup(state StateID, year int, scenario string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t.targets[TargetKey{State: state, Year: year, Scenario: scenario}]
	return v, ok
}

func (t *TargetTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.targets)
}

// ScaledSeries keeps the unscaled series next to the scaled one.
type ScaledSeries struct {
	Entity string
	Raw    Series
	Scaled Series
	Factor float64
}

// SummaryRow is one line of the per-unit summary table.
type SummaryRow struct {
	State       StateID `json:"state"`
	Year        int     `json:"year"`
	Scenario    string  `json:"scenario"`
	RawTotal    float64 `json:"raw_annual_total"`
	TargetTotal float64 `json:"target_annual_total"`
	ScaleFactor float64 `json:"scale_factor"`
}
