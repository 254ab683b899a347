package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"load_projection/internal/model"
	"load_projection/internal/spatial"
	"load_projection/internal/store"
)

// ScenarioSource names the store source of a scenario's features for one
// year. Scenario files live under <root>/<scenario>/<year>/<REGION>.csv.
func ScenarioSource(scenario string, year int) string {
	return scenario + "/" + strconv.Itoa(year)
}

// LoadFeatureDir loads every <REGION>.csv in dir into s under source.
// Returns the number of regions loaded.
func LoadFeatureDir(s *store.Store, dir, source string, log logrus.FieldLogger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading feature directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		region := model.RegionID(strings.TrimSuffix(entry.Name(), ".csv"))

		f, err := os.Open(path)
		if err != nil {
			return loaded, fmt.Errorf("opening %s: %w", path, err)
		}

		parser := &FeatureParser{Region: region}
		table, err := parser.Parse(f)
		f.Close()
		if err != nil {
			return loaded, fmt.Errorf("parsing %s: %w", path, err)
		}

		if err := s.AddTable(source, table); err != nil {
			return loaded, fmt.Errorf("storing %s: %w", path, err)
		}
		if table.Len() > 0 {
			loaded++
			log.WithFields(logrus.Fields{"region": region, "source": source, "rows": table.Len()}).Debug("Loaded features")
		}
	}
	return loaded, nil
}

// LoadHistorical loads <root>/historical.
func LoadHistorical(s *store.Store, root string, log logrus.FieldLogger) (int, error) {
	return LoadFeatureDir(s, filepath.Join(root, store.Historical), store.Historical, log)
}

// LoadScenario loads <root>/<scenario>/<year>.
func LoadScenario(s *store.Store, root, scenario string, year int, log logrus.FieldLogger) (int, error) {
	dir := filepath.Join(root, scenario, strconv.Itoa(year))
	return LoadFeatureDir(s, dir, ScenarioSource(scenario, year), log)
}

func parseFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	v, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}

// LoadWeights parses a weight table file.
func LoadWeights(path string) ([]spatial.Record, error) {
	return parseFile(path, (&WeightParser{}).Parse)
}

// LoadTargets parses an annual target table file.
func LoadTargets(path string) ([]model.AnnualTarget, error) {
	return parseFile(path, (&TargetParser{}).Parse)
}
