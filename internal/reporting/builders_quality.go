package reporting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/medlims/compliance-engine/internal/analytics"
	"github.com/medlims/compliance-engine/internal/compliance"
)

// MonthlyQC is the pass rate of QC runs in one month
type MonthlyQC struct {
	Month    string  `json:"month"`
	Runs     int     `json:"runs"`
	Passed   int     `json:"passed"`
	PassRate float64 `json:"pass_rate"`
}

// QualityAssuranceReport is the payload of a quality assurance report
type QualityAssuranceReport struct {
	TotalRuns int             `json:"total_runs"`
	PassRate  float64         `json:"pass_rate"`
	Rejected  []QCRun         `json:"rejected"`
	ByAnalyte map[string]int  `json:"runs_by_analyte"`
	Monthly   []MonthlyQC     `json:"monthly"`
	Trend     analytics.Trend `json:"trend"`
}

// QualityAssuranceBuilder evaluates QC runs against control limits. Rejected runs are critical.
type QualityAssuranceBuilder struct {
	Source MetricsSource
}

func (b *QualityAssuranceBuilder) Type() compliance.ReportType {
	return compliance.ReportTypeQualityAssurance
}

func (b *QualityAssuranceBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	runs, err := b.Source.QCRuns(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load QC runs: %w", err)
	}

	report := &QualityAssuranceReport{
		TotalRuns: len(runs),
		Rejected:  []QCRun{},
		ByAnalyte: map[string]int{},
		Monthly:   []MonthlyQC{},
	}
	months := map[string]*MonthlyQC{}
	passed := 0
	for _, run := range runs {
		report.ByAnalyte[run.Analyte]++
		key := run.Date.Format("2006-01")
		m, ok := months[key]
		if !ok {
			m = &MonthlyQC{Month: key}
			months[key] = m
		}
		m.Runs++
		if run.WithinLimits {
			m.Passed++
			passed++
		}
		if run.Rejected {
			report.Rejected = append(report.Rejected, run)
		}
	}

	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	points := make([]analytics.TrendPoint, 0, len(keys))
	for _, k := range keys {
		m := months[k]
		m.PassRate = compliance.Rate(m.Passed, m.Runs)
		report.Monthly = append(report.Monthly, *m)
		points = append(points, analytics.TrendPoint{Period: k, Value: m.PassRate})
	}
	report.Trend = analytics.ClassifyTrend(points)
	report.PassRate = compliance.Rate(passed, len(runs))

	var recommendations []string
	for _, run := range report.Rejected {
		recommendations = append(recommendations, fmt.Sprintf("Review %s %s run on %s rejected by %s rule",
			run.Analyte, run.Level, run.Date.Format("2006-01-02"), run.Rule))
	}
	if report.Trend == analytics.TrendDecreasing {
		recommendations = append(recommendations, "QC pass rate is declining; schedule instrument review")
	}

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(runs), passed, len(report.Rejected), recommendations),
	}, nil
}

// TestTurnaround is one evaluated test turnaround
type TestTurnaround struct {
	TATMetric
	OnTimeRate  float64 `json:"on_time_rate"`
	MeetsTarget bool    `json:"meets_target"`
}

// TurnaroundReport is the payload of a turnaround time report
type TurnaroundReport struct {
	Tests         []TestTurnaround `json:"tests"`
	OverallOnTime float64          `json:"overall_on_time"`
	TotalVolume   int              `json:"total_volume"`
}

// TurnaroundTimeBuilder compares average turnaround with each test's target.
// STAT tests over target are critical.
type TurnaroundTimeBuilder struct {
	Source MetricsSource
}

func (b *TurnaroundTimeBuilder) Type() compliance.ReportType {
	return compliance.ReportTypeTurnaroundTime
}

func (b *TurnaroundTimeBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	metrics, err := b.Source.TurnaroundTimes(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load turnaround times: %w", err)
	}

	report := &TurnaroundReport{Tests: []TestTurnaround{}}
	compliant, critical, within := 0, 0, 0
	var recommendations []string

	for _, m := range metrics {
		t := TestTurnaround{
			TATMetric:   m,
			OnTimeRate:  compliance.Rate(m.WithinTarget, m.Volume),
			MeetsTarget: m.AverageMinutes <= m.TargetMinutes,
		}
		report.TotalVolume += m.Volume
		within += m.WithinTarget

		if t.MeetsTarget {
			compliant++
		} else {
			if strings.EqualFold(m.Priority, "stat") {
				critical++
			}
			recommendations = append(recommendations, fmt.Sprintf("%s (%s) averages %.0f min against a %.0f min target",
				m.TestName, m.Priority, m.AverageMinutes, m.TargetMinutes))
		}
		report.Tests = append(report.Tests, t)
	}
	report.OverallOnTime = compliance.Rate(within, report.TotalVolume)

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(metrics), compliant, critical, recommendations),
	}, nil
}

// InstrumentStatus is the evaluated maintenance state of one instrument
type InstrumentStatus struct {
	EquipmentRecord
	MaintenanceOverdue bool `json:"maintenance_overdue"`
	CalibrationOverdue bool `json:"calibration_overdue"`
	DaysUntilNextDue   int  `json:"days_until_next_due"`
}

// EquipmentReport is the payload of an equipment maintenance report
type EquipmentReport struct {
	Instruments []InstrumentStatus `json:"instruments"`
	UpToDate    int                `json:"up_to_date"`
	ByType      map[string]int     `json:"by_type"`
}

// EquipmentMaintenanceBuilder checks maintenance and calibration due dates against the
// end of the period. Overdue calibration is critical.
type EquipmentMaintenanceBuilder struct {
	Source MetricsSource
}

func (b *EquipmentMaintenanceBuilder) Type() compliance.ReportType {
	return compliance.ReportTypeEquipmentMaintenance
}

func (b *EquipmentMaintenanceBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	records, err := b.Source.EquipmentRecords(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load equipment records: %w", err)
	}

	report := &EquipmentReport{Instruments: []InstrumentStatus{}, ByType: map[string]int{}}
	critical := 0
	var recommendations []string

	for _, r := range records {
		next := r.NextMaintenanceDue
		if r.CalibrationDue.Before(next) {
			next = r.CalibrationDue
		}
		s := InstrumentStatus{
			EquipmentRecord:    r,
			MaintenanceOverdue: r.NextMaintenanceDue.Before(period.End),
			CalibrationOverdue: r.CalibrationDue.Before(period.End),
			DaysUntilNextDue:   int(math.Floor(next.Sub(period.End).Hours() / 24)),
		}
		report.ByType[r.Type]++

		if s.CalibrationOverdue {
			critical++
			recommendations = append(recommendations, fmt.Sprintf("Calibrate %s (%s) before further patient testing", r.Name, r.ID))
		}
		if s.MaintenanceOverdue {
			recommendations = append(recommendations, fmt.Sprintf("Perform overdue maintenance on %s (%s)", r.Name, r.ID))
		}
		if !s.CalibrationOverdue && !s.MaintenanceOverdue {
			report.UpToDate++
		}
		report.Instruments = append(report.Instruments, s)
	}

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(records), report.UpToDate, critical, recommendations),
	}, nil
}

// PopulationHealthReport is the payload of a population health report
type PopulationHealthReport struct {
	Conditions      []ConditionMetric         `json:"conditions"`
	TotalCases      int                       `json:"total_cases"`
	AgeDistribution []analytics.CategoryTotal `json:"age_distribution"`
	ByRegion        []analytics.CategoryTotal `json:"by_region"`
	ByCondition     []analytics.CategoryTotal `json:"by_condition"`
	OnTimeRate      float64                   `json:"on_time_reporting_rate"`
}

// PopulationHealthBuilder rolls condition metrics up by age group, region and
// condition. Reportable conditions count toward the summary: on-time reporting of
// every case is compliant and a reportable condition with no case reported on time
// is critical.
type PopulationHealthBuilder struct {
	Source MetricsSource
}

func (b *PopulationHealthBuilder) Type() compliance.ReportType {
	return compliance.ReportTypePopulationHealth
}

func (b *PopulationHealthBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	metrics, err := b.Source.ConditionMetrics(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load condition metrics: %w", err)
	}

	ages := make([]analytics.CategoryCounts, 0, len(metrics))
	regions := make([]analytics.CategoryCounts, 0, len(metrics))
	conditions := make([]analytics.CategoryCounts, 0, len(metrics))

	report := &PopulationHealthReport{Conditions: nonNilSlice(metrics)}
	reportable, onTime, critical := 0, 0, 0
	reportableCases, reportedCases := 0, 0
	var recommendations []string

	for _, m := range metrics {
		report.TotalCases += m.Cases
		ages = append(ages, analytics.CategoryCounts{Source: m.Condition, Counts: m.AgeGroups})
		regions = append(regions, analytics.CategoryCounts{Source: m.Condition, Counts: map[string]int{m.Region: m.Cases}})
		conditions = append(conditions, analytics.CategoryCounts{Source: m.Region, Counts: map[string]int{m.Condition: m.Cases}})

		if !m.Reportable {
			continue
		}
		reportable++
		reportableCases += m.Cases
		reportedCases += m.ReportedOnTime
		switch {
		case m.ReportedOnTime >= m.Cases:
			onTime++
		case m.Cases > 0 && m.ReportedOnTime == 0:
			critical++
			recommendations = append(recommendations, fmt.Sprintf("Report %d %s cases in %s to public health immediately", m.Cases, m.Condition, m.Region))
		default:
			recommendations = append(recommendations, fmt.Sprintf("%d of %d %s cases in %s were reported late", m.Cases-m.ReportedOnTime, m.Cases, m.Condition, m.Region))
		}
	}

	report.AgeDistribution = analytics.SortedTotals(analytics.AggregateCounts(ages))
	report.ByRegion = analytics.SortedTotals(analytics.AggregateCounts(regions))
	report.ByCondition = analytics.SortedTotals(analytics.AggregateCounts(conditions))
	report.OnTimeRate = compliance.Rate(reportedCases, reportableCases)

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(reportable, onTime, critical, recommendations),
	}, nil
}

// MeasureResult is one evaluated outcome measure
type MeasureResult struct {
	Measure          string          `json:"measure"`
	Current          float64         `json:"current"`
	Benchmark        float64         `json:"benchmark"`
	MeetsBenchmark   bool            `json:"meets_benchmark"`
	Trend            analytics.Trend `json:"trend"`
	Worsening        bool            `json:"worsening"`
	ChangePercentage float64         `json:"change_percentage"`
}

// ClinicalOutcomesReport is the payload of a clinical outcomes report
type ClinicalOutcomesReport struct {
	Measures []MeasureResult `json:"measures"`
}

// ClinicalOutcomesBuilder compares each measure's latest value with its benchmark and
// classifies its trend. A worsening measure that misses its benchmark is critical.
type ClinicalOutcomesBuilder struct {
	Source MetricsSource
}

func (b *ClinicalOutcomesBuilder) Type() compliance.ReportType {
	return compliance.ReportTypeClinicalOutcomes
}

func (b *ClinicalOutcomesBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	measures, err := b.Source.OutcomeMeasures(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome measures: %w", err)
	}

	report := &ClinicalOutcomesReport{Measures: []MeasureResult{}}
	meets, critical := 0, 0
	var recommendations []string

	for _, m := range measures {
		if len(m.Series) == 0 {
			return nil, fmt.Errorf("outcome measure %q has no data points", m.Measure)
		}
		current := m.Series[len(m.Series)-1].Value
		trend := analytics.ClassifyTrend(m.Series)
		change, _ := analytics.PercentChange(m.Series[0].Value, current)

		r := MeasureResult{
			Measure:          m.Measure,
			Current:          current,
			Benchmark:        m.Benchmark,
			Trend:            trend,
			ChangePercentage: round2(change),
		}
		if m.HigherIsBetter {
			r.MeetsBenchmark = current >= m.Benchmark
			r.Worsening = trend == analytics.TrendDecreasing
		} else {
			r.MeetsBenchmark = current <= m.Benchmark
			r.Worsening = trend == analytics.TrendIncreasing
		}

		switch {
		case r.MeetsBenchmark:
			meets++
		case r.Worsening:
			critical++
			recommendations = append(recommendations, fmt.Sprintf("%s is %s and misses its benchmark; open a corrective action", m.Measure, trend))
		default:
			recommendations = append(recommendations, fmt.Sprintf("%s misses its benchmark of %.1f", m.Measure, m.Benchmark))
		}
		report.Measures = append(report.Measures, r)
	}

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(measures), meets, critical, recommendations),
	}, nil
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

func lower(s string) string {
	return strings.ToLower(s)
}

func nonNil(d []Deficiency) []Deficiency {
	if d == nil {
		return []Deficiency{}
	}
	return d
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
