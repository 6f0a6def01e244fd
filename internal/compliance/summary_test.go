package compliance

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSummary(t *testing.T) {
	t.Run("derives non-compliant items and rate", func(t *testing.T) {
		s := NewSummary(10, 9, 1, []string{"Review QC"})

		assert.Equal(t, 10, s.TotalItems)
		assert.Equal(t, 9, s.CompliantItems)
		assert.Equal(t, 1, s.NonCompliantItems)
		assert.Equal(t, 90.0, s.ComplianceRate)
		assert.Equal(t, 1, s.CriticalFindings)
		assert.Equal(t, []string{"Review QC"}, s.Recommendations)
	})

	t.Run("zero total yields zero rate", func(t *testing.T) {
		s := NewSummary(0, 0, 0, nil)

		assert.Equal(t, 0.0, s.ComplianceRate)
		assert.False(t, math.IsNaN(s.ComplianceRate))
		assert.Equal(t, 0, s.NonCompliantItems)
		assert.NotNil(t, s.Recommendations)
	})

	t.Run("clamps compliant to total", func(t *testing.T) {
		s := NewSummary(3, 7, 0, nil)

		assert.Equal(t, 3, s.CompliantItems)
		assert.Equal(t, 0, s.NonCompliantItems)
		assert.Equal(t, 100.0, s.ComplianceRate)
	})

	t.Run("rate stays within bounds", func(t *testing.T) {
		for total := 0; total <= 25; total++ {
			for compliant := -2; compliant <= total+2; compliant++ {
				s := NewSummary(total, compliant, 0, nil)
				assert.Equal(t, s.TotalItems-s.CompliantItems, s.NonCompliantItems)
				assert.GreaterOrEqual(t, s.ComplianceRate, 0.0)
				assert.LessOrEqual(t, s.ComplianceRate, 100.0)
			}
		}
	})

	t.Run("keeps duplicate recommendations in order", func(t *testing.T) {
		s := NewSummary(2, 1, 0, []string{"b", "a", "b"})
		assert.Equal(t, []string{"b", "a", "b"}, s.Recommendations)
	})
}

func TestRate(t *testing.T) {
	assert.Equal(t, 66.67, Rate(2, 3))
	assert.Equal(t, 0.0, Rate(5, 0))
	assert.Equal(t, 100.0, Rate(4, 4))
}

func TestReportType(t *testing.T) {
	types := ReportTypes()
	assert.Len(t, types, 10)

	for _, rt := range types {
		assert.True(t, rt.Valid(), rt)
		assert.NotEqual(t, string(rt), rt.Title())
	}

	assert.False(t, ReportType("tax-audit").Valid())
	assert.Equal(t, "tax-audit", ReportType("tax-audit").Title())
}

func TestReportStatus(t *testing.T) {
	assert.False(t, ReportStatusGenerating.IsTerminal())
	assert.True(t, ReportStatusCompleted.IsTerminal())
	assert.True(t, ReportStatusFailed.IsTerminal())
}

func TestComplianceReportClone(t *testing.T) {
	summary := NewSummary(2, 1, 0, []string{"x"})
	done := time.Now()
	report := &ComplianceReport{ID: "r1", Summary: &summary, CompletedAt: &done}

	clone := report.Clone()
	clone.Summary.Recommendations[0] = "changed"
	clone.Summary.TotalItems = 99

	assert.Equal(t, "x", report.Summary.Recommendations[0])
	assert.Equal(t, 2, report.Summary.TotalItems)
	assert.NotSame(t, report.CompletedAt, clone.CompletedAt)
}

func TestAuditFiltersMatches(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	entry := AuditTrailEntry{
		Timestamp:    now,
		Actor:        Actor{ID: "practitioner-1", Name: "Dr. Rao"},
		Action:       "read",
		ResourceType: "Patient",
		ResourceID:   "p-1",
		Outcome:      OutcomeSuccess,
	}

	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name    string
		filters AuditFilters
		want    bool
	}{
		{"empty filters", AuditFilters{}, true},
		{"actor match", AuditFilters{ActorID: "practitioner-1"}, true},
		{"actor mismatch", AuditFilters{ActorID: "other"}, false},
		{"resource type mismatch", AuditFilters{ResourceType: "Observation"}, false},
		{"action match", AuditFilters{Action: "read"}, true},
		{"outcome mismatch", AuditFilters{Outcome: OutcomeFailure}, false},
		{"inside range", AuditFilters{StartTime: &before, EndTime: &after}, true},
		{"before range", AuditFilters{StartTime: &after}, false},
		{"after range", AuditFilters{EndTime: &before}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filters.Matches(entry))
		})
	}
}

func TestPeriodContains(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Period{Start: start, End: start.AddDate(0, 1, 0)}

	assert.True(t, p.Contains(start))
	assert.True(t, p.Contains(p.End))
	assert.False(t, p.Contains(start.Add(-time.Second)))
}
