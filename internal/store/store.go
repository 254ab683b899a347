package store

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"load_projection/internal/model"
)

// Historical is the source name of observed-period feature tables.
const Historical = "historical"

// Key addresses one region's feature table from one source (historical data
// or a weather scenario).
type Key struct {
	Region model.RegionID
	Source string
}

type table struct {
	columns []string
	rows    []model.FeatureRow // sorted by timestamp
}

// Store holds feature rows in memory, indexed by region and source.
type Store struct {
	mu     sync.RWMutex
	tables map[Key]*table
}

func New() *Store {
	return &Store{
		tables: make(map[Key]*table),
	}
}

// AddTable merges a parsed feature table under key, then sorts by timestamp.
// Columns must match any rows already stored under the same key.
func (s *Store) AddTable(source string, ft *model.FeatureTable) error {
	if ft == nil || len(ft.Rows) == 0 {
		return nil
	}
	key := Key{Region: ft.Region, Source: source}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[key]
	if !ok {
		t = &table{columns: slices.Clone(ft.Columns)}
		s.tables[key] = t
	} else if !slices.Equal(t.columns, ft.Columns) {
		return fmt.Errorf("%w: %s/%s has columns %v, got %v", model.ErrSchemaMismatch, key.Region, key.Source, t.columns, ft.Columns)
	}

	t.rows = append(t.rows, ft.Rows...)
	sort.SliceStable(t.rows, func(i, j int) bool {
		return t.rows[i].Timestamp.Before(t.rows[j].Timestamp)
	})
	return nil
}

// DropSource removes every table of source and returns how many were held.
func (s *Store) DropSource(source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.tables {
		if k.Source == source {
			delete(s.tables, k)
			n++
		}
	}
	return n
}

// Regions returns the regions that have a table from source, sorted.
func (s *Store) Regions(source string) []model.RegionID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RegionID
	for k := range s.tables {
		if k.Source == source {
			out = append(out, k.Region)
		}
	}
	slices.Sort(out)
	return out
}

// Sources returns every source name present, sorted.
func (s *Store) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for k := range s.tables {
		if !seen[k.Source] {
			seen[k.Source] = true
			out = append(out, k.Source)
		}
	}
	slices.Sort(out)
	return out
}

// RowCount returns the number of rows stored under key.
func (s *Store) RowCount(key Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[key]; ok {
		return len(t.rows)
	}
	return 0
}

// TimeRange returns [first, last+1h) of the rows under key.
func (s *Store) TimeRange(key Key) (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[key]
	if !ok || len(t.rows) == 0 {
		return model.TimeRange{}, false
	}
	return model.TimeRange{
		Start: t.rows[0].Timestamp,
		End:   t.rows[len(t.rows)-1].Timestamp.Add(time.Hour),
	}, true
}

// RowsInRange returns a table of the rows under key between start (inclusive)
// and end (exclusive). The second result is false when the key is unknown.
func (s *Store) RowsInRange(key Key, start, end time.Time) (*model.FeatureTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[key]
	if !ok {
		return nil, false
	}
	out := &model.FeatureTable{Region: key.Region, Columns: slices.Clone(t.columns)}

	startIdx := sort.Search(len(t.rows), func(i int) bool {
		return !t.rows[i].Timestamp.Before(start)
	})
	endIdx := sort.Search(len(t.rows), func(i int) bool {
		return !t.rows[i].Timestamp.Before(end)
	})
	if startIdx >= endIdx {
		return out, true
	}

	out.Rows = make([]model.FeatureRow, endIdx-startIdx)
	copy(out.Rows, t.rows[startIdx:endIdx])
	return out, true
}

// RowAt returns the most recent row at or before t.
func (s *Store) RowAt(key Key, t time.Time) (model.FeatureRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tb, ok := s.tables[key]
	if !ok || len(tb.rows) == 0 {
		return model.FeatureRow{}, false
	}

	idx := sort.Search(len(tb.rows), func(i int) bool {
		return tb.rows[i].Timestamp.After(t)
	})
	if idx == 0 {
		return model.FeatureRow{}, false
	}
	return tb.rows[idx-1], true
}
