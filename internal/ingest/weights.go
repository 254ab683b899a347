package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"load_projection/internal/model"
	"load_projection/internal/spatial"
)

// WeightParser parses county/region weight tables.
//
// Expected format (state is optional; population may replace weight, in
// which case weights become each county's share of its region's population):
//
//	county_fips,region,year,weight,state
//	06001,CISO,2020,0.0412,06
type WeightParser struct{}

func (p *WeightParser) Parse(r io.Reader) ([]spatial.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	idx := headerIndex(header)

	countyCol, ok := column(idx, "county_fips", "county", "fips")
	if !ok {
		return nil, fmt.Errorf("missing county column in %v", header)
	}
	regionCol, ok := column(idx, "region", "ba_code", "ba")
	if !ok {
		return nil, fmt.Errorf("missing region column in %v", header)
	}
	yearCol, ok := column(idx, "year")
	if !ok {
		return nil, fmt.Errorf("missing year column in %v", header)
	}
	stateCol, hasState := column(idx, "state", "state_fips")
	valueCol, byWeight := column(idx, "weight", "fraction")
	if !byWeight {
		if valueCol, ok = column(idx, "population"); !ok {
			return nil, fmt.Errorf("missing weight or population column in %v", header)
		}
	}

	var pop []spatial.PopulationRecord
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

		year, err := strconv.Atoi(field(record, yearCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing year: %w", lineNum, err)
		}
		value, err := parseFloat(field(record, valueCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: parsing %s: %w", lineNum, header[valueCol], err)
		}
		rec := spatial.PopulationRecord{
			County:     model.NormalizeCounty(field(record, countyCol)),
			Region:     model.RegionID(field(record, regionCol)),
			Year:       year,
			Population: value,
		}
		if hasState {
			rec.State = model.StateID(field(record, stateCol))
		}
		pop = append(pop, rec)
	}

	if !byWeight {
		return spatial.WeightsFromPopulation(pop)
	}
	out := make([]spatial.Record, len(pop))
	for i, rec := range pop {
		out[i] = spatial.Record{County: rec.County, State: rec.State, Region: rec.Region, Year: rec.Year, Weight: rec.Population}
	}
	return out, nil
}
