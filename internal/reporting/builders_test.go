package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medlims/compliance-engine/internal/analytics"
	"github.com/medlims/compliance-engine/internal/compliance"
)

var testPeriod = compliance.Period{
	Start: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
}

type staticAudit []compliance.AuditTrailEntry

func (a staticAudit) EntriesIn(ctx context.Context, period compliance.Period) []compliance.AuditTrailEntry {
	return a
}

func auditFixture() staticAudit {
	day := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	return staticAudit{
		{ID: "a1", Timestamp: day.Add(10 * time.Hour), Actor: compliance.Actor{ID: "u1"}, Action: "read", ResourceType: "Patient", Outcome: compliance.OutcomeSuccess},
		{ID: "a2", Timestamp: day.Add(11 * time.Hour), Actor: compliance.Actor{ID: "u2"}, Action: "update", ResourceType: "Observation", Outcome: compliance.OutcomeFailure},
		{ID: "a3", Timestamp: day.Add(22 * time.Hour), Actor: compliance.Actor{ID: "u1"}, Action: "read", ResourceType: "Patient", Outcome: compliance.OutcomeSuccess},
		{ID: "a4", Timestamp: day.Add(14 * time.Hour), Actor: compliance.Actor{ID: "u3"}, Action: "read", ResourceType: "Organization", Outcome: compliance.OutcomeFailure},
		{ID: "a5", Timestamp: day.Add(9 * time.Hour), Actor: compliance.Actor{ID: "u3"}, Action: "search", ResourceType: "Practitioner", Outcome: compliance.OutcomeSuccess},
	}
}

func build(t *testing.T, b Builder) *BuildResult {
	t.Helper()
	res, err := b.Build(context.Background(), testPeriod)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestDefaultBuilders(t *testing.T) {
	builders := DefaultBuilders(StaticSource{}, auditFixture())
	require.Len(t, builders, len(compliance.ReportTypes()))

	seen := map[compliance.ReportType]bool{}
	for _, b := range builders {
		seen[b.Type()] = true
	}
	for _, rt := range compliance.ReportTypes() {
		assert.True(t, seen[rt], "missing builder for %s", rt)
	}

	t.Run("every summary is consistent", func(t *testing.T) {
		for _, b := range builders {
			res := build(t, b)
			s := res.Summary
			assert.Equal(t, s.TotalItems-s.CompliantItems, s.NonCompliantItems, b.Type())
			assert.GreaterOrEqual(t, s.ComplianceRate, 0.0, b.Type())
			assert.LessOrEqual(t, s.ComplianceRate, 100.0, b.Type())
			assert.NotNil(t, s.Recommendations, b.Type())
			assert.NotNil(t, res.Data, b.Type())
		}
	})
}

func TestCLIABuilder(t *testing.T) {
	res := build(t, &CLIABuilder{Source: StaticSource{}})

	assert.Equal(t, 10, res.Summary.TotalItems)
	assert.Equal(t, 9, res.Summary.CompliantItems)
	assert.Equal(t, 0, res.Summary.CriticalFindings)
	assert.Equal(t, 90.0, res.Summary.ComplianceRate)

	report, ok := res.Data.(*CLIAReport)
	require.True(t, ok)
	assert.InDelta(t, 93.225, report.OverallScore, 0.01)
	assert.Equal(t, StatusCompliant, report.Status)
	require.Len(t, report.Components, 4)
	assert.Equal(t, StatusNonCompliant, report.Components[3].Status)
	require.Len(t, report.Deficiencies, 1)
	assert.Equal(t, "493.1291", report.Deficiencies[0].Area)
	assert.Equal(t, SeverityMajor, report.Deficiencies[0].Severity)
	assert.Len(t, res.Summary.Recommendations, 2)
}

type lowCLIASource struct{ StaticSource }

func (lowCLIASource) CLIAMetrics(ctx context.Context, period compliance.Period) (*CLIAMetrics, error) {
	return &CLIAMetrics{
		PersonnelQualified: 10,
		PersonnelTotal:     20,
		QCCompliance:       95,
		ProficiencyScore:   60,
		TATCompliance:      90,
		Requirements:       map[string]bool{"493.1101": true},
	}, nil
}

func TestCLIABuilderCriticalDeficiencies(t *testing.T) {
	res := build(t, &CLIABuilder{Source: lowCLIASource{}})

	report := res.Data.(*CLIAReport)
	assert.Equal(t, StatusNonCompliant, report.Status)
	assert.Equal(t, 10, res.Summary.TotalItems)
	assert.Equal(t, 1, res.Summary.CompliantItems)
	// overall 73.75 stays above the minimum, so only the three critical requirements count
	assert.InDelta(t, 73.75, report.OverallScore, 0.01)
	assert.Equal(t, 3, res.Summary.CriticalFindings)
	assert.Equal(t, StatusNonCompliant, report.Components[0].Status)
	assert.Equal(t, StatusNonCompliant, report.Components[2].Status)
	for _, d := range report.Deficiencies {
		assert.NotEqual(t, "Overall CLIA compliance", d.Area)
	}
}

type scoredCLIASource struct {
	StaticSource
	scores [4]float64
}

func (s scoredCLIASource) CLIAMetrics(ctx context.Context, period compliance.Period) (*CLIAMetrics, error) {
	met := make(map[string]bool, len(cliaRequirements))
	for _, r := range cliaRequirements {
		met[r.ID] = true
	}
	return &CLIAMetrics{
		PersonnelQualified: int(s.scores[0]),
		PersonnelTotal:     100,
		QCCompliance:       s.scores[1],
		ProficiencyScore:   s.scores[2],
		TATCompliance:      s.scores[3],
		Requirements:       met,
	}, nil
}

func TestCLIABuilderOverallScore(t *testing.T) {
	t.Run("one weak component", func(t *testing.T) {
		res := build(t, &CLIABuilder{Source: scoredCLIASource{scores: [4]float64{100, 100, 100, 55}}})

		report := res.Data.(*CLIAReport)
		assert.InDelta(t, 88.75, report.OverallScore, 0.01)
		assert.Equal(t, StatusNonCompliant, report.Status)
		assert.Equal(t, StatusNonCompliant, report.Components[3].Status)
		assert.Empty(t, report.Deficiencies)
		assert.Equal(t, 0, res.Summary.CriticalFindings)
		assert.Len(t, res.Summary.Recommendations, 1)
	})

	t.Run("below minimum", func(t *testing.T) {
		res := build(t, &CLIABuilder{Source: scoredCLIASource{scores: [4]float64{65, 65, 65, 65}}})

		report := res.Data.(*CLIAReport)
		assert.InDelta(t, 65.0, report.OverallScore, 0.01)
		assert.Equal(t, StatusNonCompliant, report.Status)
		require.Len(t, report.Deficiencies, 1)
		assert.Equal(t, "Overall CLIA compliance", report.Deficiencies[0].Area)
		assert.Equal(t, SeverityCritical, report.Deficiencies[0].Severity)
		assert.Equal(t, 1, res.Summary.CriticalFindings)
		assert.Len(t, res.Summary.Recommendations, 4)
	})
}

type failingSource struct{ StaticSource }

func (failingSource) QCRuns(ctx context.Context, period compliance.Period) ([]QCRun, error) {
	return nil, errors.New("lims unavailable")
}

func TestBuilderPropagatesSourceErrors(t *testing.T) {
	res, err := (&QualityAssuranceBuilder{Source: failingSource{}}).Build(context.Background(), testPeriod)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "lims unavailable")
}

func TestCAPBuilder(t *testing.T) {
	res := build(t, &CAPBuilder{Source: StaticSource{}})

	assert.Equal(t, 10, res.Summary.TotalItems)
	assert.Equal(t, 8, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*CAPReport)
	assert.Equal(t, 80.0, report.ReadinessScore)
	require.Len(t, report.PhaseIIDeficiencies, 1)
	assert.Equal(t, "COM.04250", report.PhaseIIDeficiencies[0].ID)
	require.Len(t, report.PhaseIDeficiencies, 1)
	assert.Equal(t, "General", report.Sections[0].Section)
}

func TestHIPAABuilder(t *testing.T) {
	res := build(t, &HIPAABuilder{Audit: auditFixture()})

	report := res.Data.(*HIPAAReport)
	assert.Equal(t, 5, report.TotalAccessEvents)
	assert.Equal(t, 3, report.UniqueUsers)
	assert.Equal(t, 1, report.AfterHoursAccess)
	assert.Equal(t, 2, report.FailedAccess)
	assert.Equal(t, 3, report.PHIAccessEvents)
	assert.Len(t, report.FlaggedEvents, 3)

	assert.Equal(t, 5, res.Summary.TotalItems)
	assert.Equal(t, 2, res.Summary.CompliantItems)
	// only the failed Observation update touches PHI
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	t.Run("no audit source", func(t *testing.T) {
		_, err := (&HIPAABuilder{}).Build(context.Background(), testPeriod)
		require.Error(t, err)
	})

	t.Run("empty trail", func(t *testing.T) {
		res := build(t, &HIPAABuilder{Audit: staticAudit{}})
		assert.Equal(t, 0, res.Summary.TotalItems)
		assert.Equal(t, 0.0, res.Summary.ComplianceRate)
		assert.Len(t, res.Summary.Recommendations, 1)
	})
}

func TestQualityAssuranceBuilder(t *testing.T) {
	res := build(t, &QualityAssuranceBuilder{Source: StaticSource{}})

	assert.Equal(t, 18, res.Summary.TotalItems)
	assert.Equal(t, 17, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*QualityAssuranceReport)
	require.Len(t, report.Monthly, 3)
	assert.Equal(t, "2024-04", report.Monthly[0].Month)
	assert.Equal(t, 83.33, report.Monthly[0].PassRate)
	assert.Equal(t, 100.0, report.Monthly[2].PassRate)
	assert.Equal(t, analytics.TrendIncreasing, report.Trend)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, "Potassium", report.Rejected[0].Analyte)
	assert.Equal(t, 6, report.ByAnalyte["Glucose"])
}

func TestTurnaroundTimeBuilder(t *testing.T) {
	res := build(t, &TurnaroundTimeBuilder{Source: StaticSource{}})

	assert.Equal(t, 5, res.Summary.TotalItems)
	assert.Equal(t, 3, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)
	assert.Len(t, res.Summary.Recommendations, 2)

	report := res.Data.(*TurnaroundReport)
	assert.Equal(t, 3870, report.TotalVolume)
	assert.False(t, report.Tests[3].MeetsTarget)
	assert.True(t, report.Tests[2].MeetsTarget)
}

func TestProficiencyTestingBuilder(t *testing.T) {
	res := build(t, &ProficiencyTestingBuilder{Source: StaticSource{}})

	assert.Equal(t, 8, res.Summary.TotalItems)
	assert.Equal(t, 7, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*ProficiencyReport)
	require.Len(t, report.Analytes, 3)
	sodium := report.Analytes[1]
	assert.Equal(t, "Sodium", sodium.Analyte)
	assert.Equal(t, 1, sodium.Unsatisfactory)
	assert.False(t, sodium.Unsuccessful)
	assert.InDelta(t, 86.67, sodium.AverageScore, 0.001)
}

func TestPersonnelCompetencyBuilder(t *testing.T) {
	res := build(t, &PersonnelCompetencyBuilder{Source: StaticSource{}})

	assert.Equal(t, 6, res.Summary.TotalItems)
	assert.Equal(t, 3, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*PersonnelReport)
	statuses := map[string]string{}
	for _, s := range report.Staff {
		statuses[s.EmployeeID] = s.Status
	}
	assert.Equal(t, "assessment-overdue", statuses["E-103"])
	assert.Equal(t, "license-expired", statuses["E-104"])
	assert.Equal(t, "training-incomplete", statuses["E-106"])
	assert.Equal(t, "current", statuses["E-101"])
	assert.Equal(t, 2, report.ByRole["Lab Technician"])
}

func TestEquipmentMaintenanceBuilder(t *testing.T) {
	res := build(t, &EquipmentMaintenanceBuilder{Source: StaticSource{}})

	assert.Equal(t, 4, res.Summary.TotalItems)
	assert.Equal(t, 2, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*EquipmentReport)
	assert.True(t, report.Instruments[2].MaintenanceOverdue)
	assert.True(t, report.Instruments[3].CalibrationOverdue)
	assert.Equal(t, 10, report.Instruments[0].DaysUntilNextDue)
	assert.Equal(t, -7, report.Instruments[3].DaysUntilNextDue)
}

func TestPopulationHealthBuilder(t *testing.T) {
	res := build(t, &PopulationHealthBuilder{Source: StaticSource{}})

	assert.Equal(t, 4, res.Summary.TotalItems)
	assert.Equal(t, 2, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*PopulationHealthReport)
	assert.Equal(t, 382, report.TotalCases)
	require.NotEmpty(t, report.ByRegion)
	assert.Equal(t, analytics.CategoryTotal{Category: "North", Count: 326}, report.ByRegion[0])
	assert.Equal(t, analytics.CategoryTotal{Category: "45-64", Count: 157}, report.AgeDistribution[0])
	// 62 of 70 reportable cases on time
	assert.Equal(t, 88.57, report.OnTimeRate)
}

func TestClinicalOutcomesBuilder(t *testing.T) {
	res := build(t, &ClinicalOutcomesBuilder{Source: StaticSource{}})

	assert.Equal(t, 4, res.Summary.TotalItems)
	assert.Equal(t, 3, res.Summary.CompliantItems)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	report := res.Data.(*ClinicalOutcomesReport)
	require.Len(t, report.Measures, 4)

	notify := report.Measures[1]
	assert.False(t, notify.MeetsBenchmark)
	assert.True(t, notify.Worsening)
	assert.Equal(t, analytics.TrendDecreasing, notify.Trend)

	rejection := report.Measures[2]
	assert.Equal(t, analytics.TrendIncreasing, rejection.Trend)
	assert.True(t, rejection.Worsening)
	assert.True(t, rejection.MeetsBenchmark)
}

type risingRateSource struct{ StaticSource }

func (risingRateSource) OutcomeMeasures(ctx context.Context, period compliance.Period) ([]OutcomeMeasure, error) {
	return []OutcomeMeasure{{
		Measure:   "Specimen rejection rate",
		Benchmark: 2,
		Series: []analytics.TrendPoint{
			{Period: "2024-01", Value: 1.8},
			{Period: "2024-02", Value: 2.6},
			{Period: "2024-03", Value: 3.1},
		},
	}}, nil
}

func TestClinicalOutcomesLowerIsBetterRecommendation(t *testing.T) {
	res := build(t, &ClinicalOutcomesBuilder{Source: risingRateSource{}})

	report := res.Data.(*ClinicalOutcomesReport)
	require.Len(t, report.Measures, 1)
	assert.False(t, report.Measures[0].MeetsBenchmark)
	assert.True(t, report.Measures[0].Worsening)
	assert.Equal(t, 1, res.Summary.CriticalFindings)

	require.Len(t, res.Summary.Recommendations, 1)
	assert.Contains(t, res.Summary.Recommendations[0], "misses its benchmark")
	assert.NotContains(t, res.Summary.Recommendations[0], "below")
}
