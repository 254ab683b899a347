package ws

import (
	"encoding/json"
	"slices"
	"time"

	"load_projection/internal/model"
	"load_projection/internal/pipeline"
	"load_projection/internal/registry"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> Server messages

type RunStartPayload struct {
	Years     []int    `json:"years"`
	Scenarios []string `json:"scenarios"`
}

// Server -> Client messages

type StatusPayload struct {
	Regions []string `json:"regions"`
	Running bool     `json:"running"`
}

type RunStartedPayload struct {
	RunID string   `json:"run_id"`
	Units []string `json:"units"`
}

type StagePayload struct {
	RunID string `json:"run_id"`
	Unit  string `json:"unit"`
	Stage string `json:"stage"`
}

type FailurePayload struct {
	Entity string `json:"entity"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

type SummaryPayload struct {
	State       string  `json:"state"`
	Year        int     `json:"year"`
	Scenario    string  `json:"scenario"`
	RawTotal    float64 `json:"raw_annual_total"`
	TargetTotal float64 `json:"target_annual_total"`
	ScaleFactor float64 `json:"scale_factor"`
}

type UnitDonePayload struct {
	RunID       string           `json:"run_id"`
	Unit        string           `json:"unit"`
	OK          bool             `json:"ok"`
	Cancelled   bool             `json:"cancelled,omitempty"`
	Error       string           `json:"error,omitempty"`
	OutOfDomain []string         `json:"out_of_domain,omitempty"`
	Summary     []SummaryPayload `json:"summary"`
	Failures    []FailurePayload `json:"failures"`
}

type RunDonePayload struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Units      int    `json:"units"`
	DurationMs int64  `json:"duration_ms"`
}

type RegionTrainedPayload struct {
	Region     string  `json:"region"`
	N          int     `json:"n"`
	NRMSE      float64 `json:"nrmse"`
	MAPE       float64 `json:"mape"`
	R2         float64 `json:"r2"`
	DurationMs int64   `json:"duration_ms"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Message type constants
const (
	// Client -> Server
	TypeRunStart  = "run:start"
	TypeRunCancel = "run:cancel"

	// Server -> Client
	TypeStatus        = "status"
	TypeRunStarted    = "run:started"
	TypeRunStage      = "run:stage"
	TypeUnitDone      = "unit:done"
	TypeRunDone       = "run:done"
	TypeRegionTrained = "region:trained"
	TypeRegionFailed  = "region:failed"
	TypeError         = "error"
)

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func FailureFromModel(f model.Failure) FailurePayload {
	p := FailurePayload{Entity: f.Entity, Stage: string(f.Stage)}
	if f.Err != nil {
		p.Error = f.Err.Error()
	}
	return p
}

func SummaryFromModel(r model.SummaryRow) SummaryPayload {
	return SummaryPayload{
		State:       string(r.State),
		Year:        r.Year,
		Scenario:    r.Scenario,
		RawTotal:    r.RawTotal,
		TargetTotal: r.TargetTotal,
		ScaleFactor: r.ScaleFactor,
	}
}

func UnitDoneFromResult(runID string, res *pipeline.UnitResult) UnitDonePayload {
	p := UnitDonePayload{
		RunID:     runID,
		Unit:      res.Unit.String(),
		OK:        res.OK(),
		Cancelled: res.Cancelled,
		Summary:   make([]SummaryPayload, 0, len(res.Summary)),
		Failures:  make([]FailurePayload, 0, len(res.Failures)),
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	for _, r := range res.Summary {
		p.Summary = append(p.Summary, SummaryFromModel(r))
	}
	for _, f := range res.Failures {
		p.Failures = append(p.Failures, FailureFromModel(f))
	}
	for region := range res.Warnings {
		p.OutOfDomain = append(p.OutOfDomain, string(region))
	}
	slices.Sort(p.OutOfDomain)
	return p
}

func RunDoneFromReport(rep *pipeline.RunReport) RunDonePayload {
	return RunDonePayload{
		RunID:      rep.RunID.String(),
		Status:     rep.Status(),
		Units:      len(rep.Units),
		DurationMs: rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	}
}

func RegionTrainedFromOutcome(o *registry.Outcome) RegionTrainedPayload {
	v := o.Validation
	return RegionTrainedPayload{
		Region:     string(o.Region),
		N:          v.N,
		NRMSE:      v.NRMSE,
		MAPE:       v.MAPE,
		R2:         v.R2,
		DurationMs: o.Duration.Round(time.Millisecond).Milliseconds(),
	}
}
