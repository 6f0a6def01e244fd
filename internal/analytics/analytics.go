// Package analytics holds the small derivations shared by report builders and
// the audit trail: trend direction, after-hours detection and category roll-ups.
package analytics

import (
	"sort"
	"time"
)

// Trend is the direction of a metric over a period
type Trend string

// Trend directions
const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendThreshold is the percent change beyond which a series is no longer stable
const trendThreshold = 5.0

// Working-hours window; anything before startOfDay or after endOfDay is after hours.
const (
	startOfDay = 7
	endOfDay   = 18
)

// TrendPoint is one labelled value in an ordered series
type TrendPoint struct {
	Period string  `json:"period"`
	Value  float64 `json:"value"`
}

// PercentChange returns the change from first to last in percent of first.
// ok is false when first is zero.
func PercentChange(first, last float64) (change float64, ok bool) {
	if first == 0 {
		return 0, false
	}
	return (last - first) / abs(first) * 100, true
}

// ClassifyTrend compares the last value of the series against the first
func ClassifyTrend(points []TrendPoint) Trend {
	if len(points) < 2 {
		return TrendStable
	}

	first := points[0].Value
	last := points[len(points)-1].Value

	change, ok := PercentChange(first, last)
	if !ok {
		switch {
		case last > 0:
			return TrendIncreasing
		case last < 0:
			return TrendDecreasing
		default:
			return TrendStable
		}
	}

	switch {
	case change > trendThreshold:
		return TrendIncreasing
	case change < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// IsAfterHours reports whether t falls outside the 07:00-18:59 working window
// of its own location.
func IsAfterHours(t time.Time) bool {
	hour := t.Hour()
	return hour < startOfDay || hour > endOfDay
}

// CategoryCounts is one metric record broken down by category
type CategoryCounts struct {
	Source string         `json:"source,omitempty"`
	Counts map[string]int `json:"counts"`
}

// AggregateCounts sums counts by category across all records
func AggregateCounts(records []CategoryCounts) map[string]int {
	totals := make(map[string]int)
	for _, record := range records {
		for category, count := range record.Counts {
			totals[category] += count
		}
	}
	return totals
}

// CategoryTotal is a flattened, ordered AggregateCounts entry
type CategoryTotal struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// SortedTotals orders aggregated counts by descending count, then category name
func SortedTotals(totals map[string]int) []CategoryTotal {
	out := make([]CategoryTotal, 0, len(totals))
	for category, count := range totals {
		out = append(out, CategoryTotal{Category: category, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
