package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"load_projection/internal/model"
)

// FeatureParser parses a region's hourly feature CSV.
//
// Expected format:
//
//	timestamp,t2,q2,swdown,demand
//	2019-01-01 00:00:00,281.4,0.0041,0,21034.5
//
// Every column other than the timestamp, the demand column and an optional
// region column is a feature. Rows with an unparseable timestamp or a
// missing feature value are skipped; a missing demand keeps the row without
// an observation.
type FeatureParser struct {
	// Region names the table. When empty, a region column is required.
	Region model.RegionID
	// DemandColumn defaults to "demand".
	DemandColumn string
}

func (p *FeatureParser) Parse(r io.Reader) (*model.FeatureTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	idx := headerIndex(header)

	timeCol, ok := column(idx, "timestamp", "time", "datetime", "time_utc")
	if !ok {
		return nil, fmt.Errorf("missing timestamp column in %v", header)
	}
	demandName := strings.ToLower(p.DemandColumn)
	if demandName == "" {
		demandName = "demand"
	}
	demandCol, hasDemand := idx[demandName]
	regionCol, hasRegion := idx["region"]
	if p.Region == "" && !hasRegion {
		return nil, fmt.Errorf("no region given and no region column in %v", header)
	}

	ft := &model.FeatureTable{Region: p.Region}
	var featureCols []int
	for i, h := range header {
		if i == timeCol || (hasDemand && i == demandCol) || (hasRegion && i == regionCol) {
			continue
		}
		featureCols = append(featureCols, i)
		ft.Columns = append(ft.Columns, strings.TrimSpace(h))
	}
	if len(featureCols) == 0 {
		return nil, fmt.Errorf("no feature columns in %v", header)
	}

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

		if hasRegion {
			rg := model.RegionID(field(record, regionCol))
			if ft.Region == "" {
				ft.Region = rg
			} else if rg != "" && rg != ft.Region {
				continue
			}
		}

		row, err := parseFeatureRecord(record, timeCol, featureCols, demandCol, hasDemand)
		if err != nil {
			continue
		}
		ft.Rows = append(ft.Rows, row)
	}

	sort.SliceStable(ft.Rows, func(i, j int) bool {
		return ft.Rows[i].Timestamp.Before(ft.Rows[j].Timestamp)
	})
	return ft, nil
}

func parseFeatureRecord(record []string, timeCol int, featureCols []int, demandCol int, hasDemand bool) (model.FeatureRow, error) {
	ts, err := parseTimestamp(field(record, timeCol))
	if err != nil {
		return model.FeatureRow{}, err
	}

	row := model.FeatureRow{Timestamp: ts, Values: make([]float64, len(featureCols))}
	for j, c := range featureCols {
		s := field(record, c)
		if isMissing(s) {
			return model.FeatureRow{}, fmt.Errorf("missing feature at column %d", c)
		}
		if row.Values[j], err = parseFloat(s); err != nil {
			return model.FeatureRow{}, err
		}
	}

	if hasDemand {
		if s := field(record, demandCol); !isMissing(s) {
			if row.Demand, err = parseFloat(s); err != nil {
				return model.FeatureRow{}, err
			}
			row.HasDemand = true
		}
	}
	return row, nil
}
