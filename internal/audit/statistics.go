package audit

import (
	"time"

	"github.com/medlims/compliance-engine/internal/analytics"
	"github.com/medlims/compliance-engine/internal/compliance"
)

// Statistics summarises the audit trail
type Statistics struct {
	TotalEntries       int            `json:"total_entries"`
	ActionCounts       map[string]int `json:"action_counts"`
	OutcomeCounts      map[string]int `json:"outcome_counts"`
	ActorCounts        map[string]int `json:"actor_counts"`
	ResourceTypeCounts map[string]int `json:"resource_type_counts"`
	HourlyTrends       map[int]int    `json:"hourly_trends"`
	AfterHoursEntries  int            `json:"after_hours_entries"`
	FailedEntries      int            `json:"failed_entries"`
	UniqueActors       int            `json:"unique_actors"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

// Statistics counts entries matching filters. Limit and Offset are ignored.
func (t *Trail) Statistics(filters compliance.AuditFilters) *Statistics {
	filters.Limit, filters.Offset = 0, 0
	return Summarize(t.Query(filters))
}

// Summarize computes statistics over entries
func Summarize(entries []compliance.AuditTrailEntry) *Statistics {
	stats := &Statistics{
		ActionCounts:       make(map[string]int),
		OutcomeCounts:      make(map[string]int),
		ActorCounts:        make(map[string]int),
		ResourceTypeCounts: make(map[string]int),
		HourlyTrends:       make(map[int]int),
		GeneratedAt:        time.Now().UTC(),
	}

	for _, e := range entries {
		stats.TotalEntries++
		stats.ActionCounts[e.Action]++
		stats.OutcomeCounts[string(e.Outcome)]++
		if e.Actor.ID != "" {
			stats.ActorCounts[e.Actor.ID]++
		}
		if e.ResourceType != "" {
			stats.ResourceTypeCounts[e.ResourceType]++
		}
		stats.HourlyTrends[e.Timestamp.Hour()]++

		if analytics.IsAfterHours(e.Timestamp) {
			stats.AfterHoursEntries++
		}
		if e.Outcome == compliance.OutcomeFailure {
			stats.FailedEntries++
		}
	}
	stats.UniqueActors = len(stats.ActorCounts)

	return stats
}
