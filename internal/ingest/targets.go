package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"load_projection/internal/model"
)

// TargetParser parses annual state totals.
//
// Expected format:
//
//	state,year,scenario,target_value
//	06,2040,rcp85_hotter,285000000
//
// Targets are authoritative, so any malformed row fails the whole table.
// Range checks on the values belong to scaling.
type TargetParser struct{}

func (p *TargetParser) Parse(r io.Reader) ([]model.AnnualTarget, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	idx := headerIndex(header)

	cols := make([]int, 4)
	for i, names := range [][]string{
		{"state", "state_fips"},
		{"year"},
		{"scenario"},
		{"target_value", "target", "annual_total"},
	} {
		c, ok := column(idx, names...)
		if !ok {
			return nil, fmt.Errorf("missing %s column in %v", names[0], header)
		}
		cols[i] = c
	}

	var out []model.AnnualTarget
	seen := make(map[model.TargetKey]bool)
	lineNum := 1
	for {
		lineNum++
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", lineNum, err)
		}

		year, err := strconv.Atoi(field(record, cols[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing year: %w", lineNum, err)
		}
		value, err := strconv.ParseFloat(field(record, cols[3]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing target: %w", lineNum, err)
		}
		key := model.TargetKey{
			State:    model.StateID(field(record, cols[0])),
			Year:     year,
			Scenario: field(record, cols[2]),
		}
		if seen[key] {
			return nil, fmt.Errorf("line %d: duplicate target for %s", lineNum, key)
		}
		seen[key] = true
		out = append(out, model.AnnualTarget{TargetKey: key, Value: value})
	}
	return out, nil
}
