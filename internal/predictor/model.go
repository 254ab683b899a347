// Package predictor fits and runs the per-region hourly demand models.
package predictor

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"load_projection/internal/model"
)

// Family selects the regression model used for every region.
type Family string

const (
	FamilyMLP    Family = "mlp"
	FamilyLinear Family = "linear"
)

// Config controls fitting.
type Config struct {
	Family Family
	// Hidden lists hidden layer widths for the MLP family.
	Hidden []int
	Train  TrainConfig
	// L2 is the ridge penalty for the linear family.
	L2 float64
	// MinRows is the smallest number of usable training rows accepted.
	MinRows int
	// Calendar appends cyclical hour/month/weekday encodings to the inputs.
	Calendar bool
	// DomainMargin widens the training range by this fraction of its span
	// before a predict-time value is flagged as out of domain.
	DomainMargin float64
	Seed         uint64
}

func DefaultConfig() Config {
	return Config{
		Family:       FamilyMLP,
		Hidden:       []int{32, 16},
		Train:        DefaultTrainConfig(),
		L2:           1e-3,
		MinRows:      168,
		Calendar:     true,
		DomainMargin: 0.5,
		Seed:         42,
	}
}

// TrainedModel is an immutable fitted model for one region.
type TrainedModel struct {
	ID        uuid.UUID
	Region    model.RegionID
	Family    Family
	Schema    []string
	Calendar  bool
	Norm      Normalization
	Margin    float64
	Train     model.TimeRange
	Eval      model.TimeRange
	Rows      int
	Losses    []float64
	TrainedAt time.Time

	net   *Network
	ridge *Ridge
}

// DomainWarning flags a feature whose predict-time values fall far outside the
// range seen in training. It never aborts a prediction.
type DomainWarning struct {
	Feature  string  `json:"feature"`
	Count    int     `json:"count"`
	TrainMin float64 `json:"train_min"`
	TrainMax float64 `json:"train_max"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

func (w DomainWarning) String() string {
	return fmt.Sprintf("%s: %d values outside training range [%.3g, %.3g] (seen [%.3g, %.3g])",
		w.Feature, w.Count, w.TrainMin, w.TrainMax, w.Min, w.Max)
}

// Prediction is a region's hourly predicted demand plus soft warnings.
type Prediction struct {
	Series   model.Series
	Warnings []DomainWarning
}

func (p Prediction) OutOfDomain() bool { return len(p.Warnings) > 0 }

// Fit trains a model for region on the rows of train that carry observed
// demand. eval, when non-empty, must use exactly the schema's features.
func Fit(region model.RegionID, train, eval *model.FeatureTable, schema []string, cfg Config) (*TrainedModel, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: empty feature schema", model.ErrSchemaMismatch)
	}
	if train == nil {
		return nil, fmt.Errorf("%w: region %s has no training table", model.ErrInsufficientData, region)
	}
	if err := train.CheckOrdered(); err != nil {
		return nil, fmt.Errorf("training rows: %w", err)
	}
	cols, err := resolveColumns(train, schema)
	if err != nil {
		return nil, err
	}
	if eval != nil && len(eval.Rows) > 0 {
		if err := checkExactSchema(eval, schema); err != nil {
			return nil, fmt.Errorf("evaluation rows: %w", err)
		}
	}

	var rawX [][]float64
	var ts []time.Time
	var y []float64
	for _, row := range train.Rows {
		if !row.HasDemand || math.IsNaN(row.Demand) {
			continue
		}
		raw, ok := rawRow(row, cols)
		if !ok {
			continue
		}
		rawX = append(rawX, raw)
		ts = append(ts, row.Timestamp)
		y = append(y, row.Demand)
	}

	minRows := max(cfg.MinRows, 2)
	if len(rawX) < minRows {
		return nil, fmt.Errorf("%w: region %s has %d usable rows, need %d", model.ErrInsufficientData, region, len(rawX), minRows)
	}

	norm := ComputeNormalization(rawX, y)
	enc := encoder{norm: norm, calendar: cfg.Calendar}
	X := make([][]float64, len(rawX))
	Y := make([][]float64, len(rawX))
	targets := make([]float64, len(rawX))
	for i := range rawX {
		X[i] = enc.encode(rawX[i], ts[i])
		targets[i] = norm.target(y[i])
		Y[i] = []float64{targets[i]}
	}

	m := &TrainedModel{
		ID:        uuid.New(),
		Region:    region,
		Family:    cfg.Family,
		Schema:    slices.Clone(schema),
		Calendar:  cfg.Calendar,
		Norm:      norm,
		Margin:    cfg.DomainMargin,
		Train:     train.Range(),
		Rows:      len(rawX),
		TrainedAt: time.Now().UTC(),
	}
	if eval != nil {
		m.Eval = eval.Range()
	}

	switch cfg.Family {
	case FamilyMLP, "":
		m.Family = FamilyMLP
		sizes := append([]int{enc.width(len(schema))}, cfg.Hidden...)
		sizes = append(sizes, 1)
		rng := rand.New(rand.NewPCG(cfg.Seed, 0))
		m.net, m.Losses = TrainNetworkOnData(X, Y, sizes, cfg.Train, rng)
	case FamilyLinear:
		r, err := FitRidge(X, targets, cfg.L2)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		m.ridge = r
	default:
		return nil, fmt.Errorf("unknown model family %q", cfg.Family)
	}
	return m, nil
}

func (m *TrainedModel) infer(x []float64) float64 {
	if m.ridge != nil {
		return m.ridge.Infer(x)
	}
	return m.net.Infer(x)
}

// Predict returns one predicted value per row of table. The table's feature
// set must equal the model's schema and its rows must be hourly and gap-free.
func (m *TrainedModel) Predict(table *model.FeatureTable) (Prediction, error) {
	if err := checkExactSchema(table, m.Schema); err != nil {
		return Prediction{}, err
	}
	if err := table.CheckContiguous(); err != nil {
		return Prediction{}, err
	}
	cols, err := resolveColumns(table, m.Schema)
	if err != nil {
		return Prediction{}, err
	}

	r := table.Range()
	series := model.NewSeries(string(m.Region), r.Start, len(table.Rows))
	enc := encoder{norm: m.Norm, calendar: m.Calendar}
	domain := newDomainCheck(m)

	for i, row := range table.Rows {
		raw, ok := rawRow(row, cols)
		if !ok {
			return Prediction{}, fmt.Errorf("region %s: missing feature value at %s", m.Region, row.Timestamp.Format(time.RFC3339))
		}
		domain.observe(raw)
		series.Values[i] = m.Norm.invert(m.infer(enc.encode(raw, row.Timestamp)))
	}
	return Prediction{Series: series, Warnings: domain.warnings()}, nil
}

// Backcast predicts historical rows that may have gaps. Values sit on the
// hourly grid spanning the table; hours without a row or with a missing
// feature are NaN. Rows must be time-ordered.
func (m *TrainedModel) Backcast(table *model.FeatureTable) (Prediction, error) {
	if err := checkExactSchema(table, m.Schema); err != nil {
		return Prediction{}, err
	}
	idx, err := table.HourIndex()
	if err != nil {
		return Prediction{}, err
	}
	cols, err := resolveColumns(table, m.Schema)
	if err != nil {
		return Prediction{}, err
	}

	r := table.Range()
	series := model.NewSeries(string(m.Region), r.Start, r.Hours())
	for i := range series.Values {
		series.Values[i] = math.NaN()
	}
	enc := encoder{norm: m.Norm, calendar: m.Calendar}
	domain := newDomainCheck(m)

	for i, row := range table.Rows {
		raw, ok := rawRow(row, cols)
		if !ok {
			continue
		}
		domain.observe(raw)
		series.Values[idx[i]] = m.Norm.invert(m.infer(enc.encode(raw, row.Timestamp)))
	}
	return Prediction{Series: series, Warnings: domain.warnings()}, nil
}

type domainCheck struct {
	m        *TrainedModel
	lo, hi   []float64
	count    []int
	min, max []float64
}

func newDomainCheck(m *TrainedModel) *domainCheck {
	n := len(m.Schema)
	d := &domainCheck{
		m:     m,
		lo:    make([]float64, n),
		hi:    make([]float64, n),
		count: make([]int, n),
		min:   make([]float64, n),
		max:   make([]float64, n),
	}
	for j := range m.Schema {
		span := m.Norm.FeatureMax[j] - m.Norm.FeatureMin[j]
		d.lo[j] = m.Norm.FeatureMin[j] - m.Margin*span
		d.hi[j] = m.Norm.FeatureMax[j] + m.Margin*span
		d.min[j] = math.Inf(1)
		d.max[j] = math.Inf(-1)
	}
	return d
}

func (d *domainCheck) observe(raw []float64) {
	for j, v := range raw {
		d.min[j] = math.Min(d.min[j], v)
		d.max[j] = math.Max(d.max[j], v)
		if v < d.lo[j] || v > d.hi[j] {
			d.count[j]++
		}
	}
}

func (d *domainCheck) warnings() []DomainWarning {
	var out []DomainWarning
	for j, c := range d.count {
		if c == 0 {
			continue
		}
		out = append(out, DomainWarning{
			Feature:  d.m.Schema[j],
			Count:    c,
			TrainMin: d.m.Norm.FeatureMin[j],
			TrainMax: d.m.Norm.FeatureMax[j],
			Min:      d.min[j],
			Max:      d.max[j],
		})
	}
	return out
}

// SavedModel is the JSON-serializable model artifact.
type SavedModel struct {
	ID        string         `json:"id"`
	Region    model.RegionID `json:"region"`
	Family    Family         `json:"family"`
	Schema    []string       `json:"schema"`
	Calendar  bool           `json:"calendar"`
	Norm      Normalization  `json:"normalization"`
	Margin    float64        `json:"domain_margin"`
	Train     [2]time.Time   `json:"train_window"`
	Eval      [2]time.Time   `json:"eval_window"`
	Rows      int            `json:"rows"`
	TrainedAt time.Time      `json:"trained_at"`
	Network   *Network       `json:"network,omitempty"`
	Ridge     *Ridge         `json:"ridge,omitempty"`
	Losses    []float64      `json:"losses,omitempty"`
}

// Save serializes the model to JSON.
func (m *TrainedModel) Save() ([]byte, error) {
	s := SavedModel{
		ID:        m.ID.String(),
		Region:    m.Region,
		Family:    m.Family,
		Schema:    m.Schema,
		Calendar:  m.Calendar,
		Norm:      m.Norm,
		Margin:    m.Margin,
		Train:     [2]time.Time{m.Train.Start, m.Train.End},
		Eval:      [2]time.Time{m.Eval.Start, m.Eval.End},
		Rows:      m.Rows,
		TrainedAt: m.TrainedAt,
		Network:   m.net,
		Ridge:     m.ridge,
		Losses:    m.Losses,
	}
	return json.MarshalIndent(s, "", "  ")
}

// LoadModel deserializes a model saved with Save.
func LoadModel(data []byte) (*TrainedModel, error) {
	var s SavedModel
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return nil, fmt.Errorf("model id: %w", err)
	}
	m := &TrainedModel{
		ID:        id,
		Region:    s.Region,
		Family:    s.Family,
		Schema:    s.Schema,
		Calendar:  s.Calendar,
		Norm:      s.Norm,
		Margin:    s.Margin,
		Train:     model.TimeRange{Start: s.Train[0], End: s.Train[1]},
		Eval:      model.TimeRange{Start: s.Eval[0], End: s.Eval[1]},
		Rows:      s.Rows,
		Losses:    s.Losses,
		TrainedAt: s.TrainedAt,
		net:       s.Network,
		ridge:     s.Ridge,
	}
	switch s.Family {
	case FamilyMLP:
		if m.net == nil || len(m.net.Layers) == 0 {
			return nil, fmt.Errorf("model %s: mlp artifact has no network", s.Region)
		}
	case FamilyLinear:
		if m.ridge == nil {
			return nil, fmt.Errorf("model %s: linear artifact has no coefficients", s.Region)
		}
	default:
		return nil, fmt.Errorf("model %s: unknown family %q", s.Region, s.Family)
	}
	if len(s.Norm.FeatureMean) != len(s.Schema) {
		return nil, fmt.Errorf("model %s: normalization covers %d features, schema has %d", s.Region, len(s.Norm.FeatureMean), len(s.Schema))
	}
	return m, nil
}
