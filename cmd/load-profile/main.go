// load-profile summarizes one emitted series: the hour-of-day distribution
// of the scaled demand, monthly totals and the annual peak.
//
// Usage:
//
//	load-profile -year 2040 -scenario rcp85hotter -entity 06
//	load-profile -year 2040 -scenario rcp85hotter -level region -entity CISO
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"load_projection/internal/config"
	"load_projection/internal/model"
	"load_projection/internal/output"
)

type HourlyBucket struct {
	MWh    float64
	RawMWh float64
	Peak   float64
	Hours  int
}

type Peak struct {
	At    time.Time
	Value float64
}

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and LOADPROJ_* env when empty)")
	year := flag.Int("year", 0, "projection year")
	scenario := flag.String("scenario", "", "scenario name")
	level := flag.String("level", output.LevelState, "state, region or county")
	entity := flag.String("entity", "", "state, region or county id")
	flag.Parse()

	if *year == 0 || *scenario == "" || *entity == "" {
		fmt.Fprintln(os.Stderr, "Usage: load-profile -year YEAR -scenario NAME [-level state|region|county] -entity ID")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	path := output.NewEmitter(cfg.Output.Dir).SeriesPath(*year, *scenario, *level, *entity)
	s, err := readSeries(path, *entity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nLoad Profile: %s %s, %d %s\n", *level, *entity, *year, *scenario)
	printProfile(os.Stdout, s)
}

func readSeries(path, id string) (model.ScaledSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ScaledSeries{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	s, err := output.ReadSeries(f, id)
	if err != nil {
		return model.ScaledSeries{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

func aggregateByHour(s model.ScaledSeries) [24]HourlyBucket {
	var buckets [24]HourlyBucket
	for i, v := range s.Scaled.Values {
		h := s.Scaled.Timestamp(i).Hour()
		buckets[h].MWh += v
		if i < s.Raw.Len() {
			buckets[h].RawMWh += s.Raw.Values[i]
		}
		if v > buckets[h].Peak {
			buckets[h].Peak = v
		}
		buckets[h].Hours++
	}
	return buckets
}

func monthlyTotals(s model.Series) [12]float64 {
	var months [12]float64
	for i, v := range s.Values {
		months[s.Timestamp(i).Month()-1] += v
	}
	return months
}

func findPeak(s model.Series) Peak {
	var p Peak
	for i, v := range s.Values {
		if i == 0 || v > p.Value {
			p = Peak{At: s.Timestamp(i), Value: v}
		}
	}
	return p
}

func printProfile(w io.Writer, s model.ScaledSeries) {
	total := s.Scaled.Sum()
	peak := findPeak(s.Scaled)

	fmt.Fprintf(w, "  Hours:         %d (%s to %s)\n", s.Scaled.Len(),
		s.Scaled.Start.Format("2006-01-02"), s.Scaled.End().Format("2006-01-02"))
	fmt.Fprintf(w, "  Annual total:  %s (raw %s, factor %.4f)\n", formatMWh(total), formatMWh(s.Raw.Sum()), s.Factor)
	fmt.Fprintf(w, "  Peak:          %s at %s\n", formatMWh(peak.Value), peak.At.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "  Load factor:   %.1f%%\n", safeDivide(total, peak.Value*float64(s.Scaled.Len()))*100)
	fmt.Fprintln(w)

	printHourlyTable(w, aggregateByHour(s), total)
	fmt.Fprintln(w)
	printMonthlyTable(w, monthlyTotals(s.Scaled), total)
}

func printHourlyTable(w io.Writer, hourly [24]HourlyBucket, total float64) {
	fmt.Fprintln(w, "  Hourly Distribution:")
	fmt.Fprintf(w, "   %4s │ %12s │ %12s │ %12s │ %5s\n", "Hour", "Avg MWh", "Avg raw", "Max MWh", "Share")
	fmt.Fprintf(w, "  ──────┼──────────────┼──────────────┼──────────────┼──────\n")

	var peakHour int
	var peakAvg float64
	for h := range 24 {
		if avg := safeDivide(hourly[h].MWh, float64(hourly[h].Hours)); avg > peakAvg {
			peakAvg = avg
			peakHour = h
		}
	}

	for h := range 24 {
		b := hourly[h]
		if b.Hours == 0 {
			continue
		}
		marker := ""
		if h == peakHour && peakAvg > 0 {
			marker = " ← peak"
		}
		fmt.Fprintf(w, "     %02d │ %12.1f │ %12.1f │ %12.1f │ %4.1f%%%s\n",
			h, b.MWh/float64(b.Hours), b.RawMWh/float64(b.Hours), b.Peak, safeDivide(b.MWh, total)*100, marker)
	}
}

func printMonthlyTable(w io.Writer, months [12]float64, total float64) {
	fmt.Fprintln(w, "  Monthly Totals:")
	for m, v := range months {
		if v == 0 {
			continue
		}
		fmt.Fprintf(w, "    %-9s %14s  %4.1f%%\n", time.Month(m+1), formatMWh(v), safeDivide(v, total)*100)
	}
}

// --- Helpers ---

func safeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func formatMWh(v float64) string {
	if v >= 1e6 {
		return fmt.Sprintf("%.2f TWh", v/1e6)
	}
	if v >= 1000 {
		return fmt.Sprintf("%.1f GWh", v/1000)
	}
	return fmt.Sprintf("%.1f MWh", v)
}
