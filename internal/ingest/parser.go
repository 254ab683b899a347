package ingest

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"load_projection/internal/model"
)

// Parser reads one region's feature table from a source.
type Parser interface {
	Parse(r io.Reader) (*model.FeatureTable, error)
}

// headerIndex maps lower-cased, trimmed column names to their position.
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	return idx
}

// column returns the position of the first name present in idx.
func column(idx map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := idx[n]; ok {
			return i, true
		}
	}
	return 0, false
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// isMissing reports whether a cell holds no value.
func isMissing(s string) bool {
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", "none":
		return true
	}
	return false
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05-07:00",
}

// parseTimestamp accepts RFC 3339, naive date-times (taken as UTC) and Unix
// epoch seconds.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return parseUnixTimestamp(s)
}

// parseUnixTimestamp parses a Unix epoch float (seconds) into a time.Time.
func parseUnixTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q as timestamp: %w", s, err)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
