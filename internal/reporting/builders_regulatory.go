package reporting

import (
	"context"
	"fmt"
	"sort"

	"github.com/medlims/compliance-engine/internal/analytics"
	"github.com/medlims/compliance-engine/internal/compliance"
)

const (
	cliaCompliantScore = 90.0
	cliaCriticalScore  = 70.0
	ptAcceptableScore  = 80.0
)

type cliaRequirement struct {
	ID       string
	Name     string
	Critical bool
}

// cliaRequirements are the 42 CFR 493 checks every CLIA report evaluates
var cliaRequirements = []cliaRequirement{
	{ID: "493.1101", Name: "Facilities"},
	{ID: "493.1105", Name: "Retention of records"},
	{ID: "493.1235", Name: "Personnel competency assessment"},
	{ID: "493.1251", Name: "Procedure manual"},
	{ID: "493.1252", Name: "Test systems, equipment, instruments and reagents"},
	{ID: "493.1253", Name: "Establishment of performance specifications", Critical: true},
	{ID: "493.1255", Name: "Calibration and calibration verification", Critical: true},
	{ID: "493.1256", Name: "Control procedures", Critical: true},
	{ID: "493.1281", Name: "Comparison of test results"},
	{ID: "493.1291", Name: "Test report"},
}

// ScoreComponent is one input of a composite score
type ScoreComponent struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Status string  `json:"status"`
}

// RequirementResult is one evaluated regulatory requirement
type RequirementResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Met      bool   `json:"met"`
	Critical bool   `json:"critical"`
}

// CLIAReport is the payload of a CLIA compliance report
type CLIAReport struct {
	OverallScore float64             `json:"overall_score"`
	Status       string              `json:"status"`
	Components   []ScoreComponent    `json:"components"`
	Requirements []RequirementResult `json:"requirements"`
	Deficiencies []Deficiency        `json:"deficiencies"`
}

// CLIABuilder scores personnel, QC, proficiency testing and turnaround compliance
type CLIABuilder struct {
	Source MetricsSource
}

func (b *CLIABuilder) Type() compliance.ReportType { return compliance.ReportTypeCLIA }

func (b *CLIABuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	m, err := b.Source.CLIAMetrics(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load CLIA metrics: %w", err)
	}

	components := []ScoreComponent{
		{Name: "Personnel qualifications", Score: compliance.Rate(m.PersonnelQualified, m.PersonnelTotal)},
		{Name: "Quality control", Score: m.QCCompliance},
		{Name: "Proficiency testing", Score: m.ProficiencyScore},
		{Name: "Turnaround time", Score: m.TATCompliance},
	}

	var deficiencies []Deficiency
	var recommendations []string
	total := 0.0
	for i := range components {
		c := &components[i]
		total += c.Score
		c.Status = StatusCompliant
		if c.Score < cliaCompliantScore {
			c.Status = StatusNonCompliant
			recommendations = append(recommendations, fmt.Sprintf("Improve %s (currently %.1f%%)", lower(c.Name), c.Score))
		}
	}
	overall := round2(total / float64(len(components)))
	if overall < cliaCriticalScore {
		deficiencies = append(deficiencies, Deficiency{
			Area:        "Overall CLIA compliance",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("Overall CLIA score %.1f%% is below the %.0f%% minimum", overall, cliaCriticalScore),
		})
	}

	requirements := make([]RequirementResult, 0, len(cliaRequirements))
	met := 0
	for _, r := range cliaRequirements {
		ok := m.Requirements[r.ID]
		requirements = append(requirements, RequirementResult{ID: r.ID, Name: r.Name, Met: ok, Critical: r.Critical})
		if ok {
			met++
			continue
		}
		severity := SeverityMajor
		if r.Critical {
			severity = SeverityCritical
		}
		deficiencies = append(deficiencies, Deficiency{
			Area:        r.ID,
			Severity:    severity,
			Description: fmt.Sprintf("%s requirement not met", r.Name),
		})
		recommendations = append(recommendations, fmt.Sprintf("Address §%s %s", r.ID, r.Name))
	}

	status := StatusNonCompliant
	if overall >= cliaCompliantScore {
		status = StatusCompliant
	}

	return &BuildResult{
		Data: &CLIAReport{
			OverallScore: overall,
			Status:       status,
			Components:   components,
			Requirements: requirements,
			Deficiencies: nonNil(deficiencies),
		},
		Summary: compliance.NewSummary(len(cliaRequirements), met, countCritical(deficiencies), recommendations),
	}, nil
}

// CAPReport is the payload of a CAP inspection readiness report
type CAPReport struct {
	ReadinessScore      float64            `json:"readiness_score"`
	Sections            []SectionReadiness `json:"sections"`
	PhaseIDeficiencies  []ChecklistItem    `json:"phase_i_deficiencies"`
	PhaseIIDeficiencies []ChecklistItem    `json:"phase_ii_deficiencies"`
}

// SectionReadiness counts checklist items of one section
type SectionReadiness struct {
	Section   string  `json:"section"`
	Total     int     `json:"total"`
	Compliant int     `json:"compliant"`
	Rate      float64 `json:"rate"`
}

// CAPBuilder evaluates the CAP accreditation checklist. Phase II deficiencies are critical.
type CAPBuilder struct {
	Source MetricsSource
}

func (b *CAPBuilder) Type() compliance.ReportType { return compliance.ReportTypeCAPInspection }

func (b *CAPBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	items, err := b.Source.CAPChecklist(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load CAP checklist: %w", err)
	}

	report := &CAPReport{
		PhaseIDeficiencies:  []ChecklistItem{},
		PhaseIIDeficiencies: []ChecklistItem{},
	}
	sections := map[string]*SectionReadiness{}
	var order []string
	compliant := 0

	for _, item := range items {
		s, ok := sections[item.Section]
		if !ok {
			s = &SectionReadiness{Section: item.Section}
			sections[item.Section] = s
			order = append(order, item.Section)
		}
		s.Total++
		if item.Compliant {
			s.Compliant++
			compliant++
			continue
		}
		if item.Phase == "II" {
			report.PhaseIIDeficiencies = append(report.PhaseIIDeficiencies, item)
		} else {
			report.PhaseIDeficiencies = append(report.PhaseIDeficiencies, item)
		}
	}

	for _, name := range order {
		s := sections[name]
		s.Rate = compliance.Rate(s.Compliant, s.Total)
		report.Sections = append(report.Sections, *s)
	}
	report.ReadinessScore = compliance.Rate(compliant, len(items))

	var recommendations []string
	for _, item := range report.PhaseIIDeficiencies {
		recommendations = append(recommendations, fmt.Sprintf("Correct Phase II deficiency %s (%s) before inspection", item.ID, item.Requirement))
	}
	if n := len(report.PhaseIDeficiencies); n > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Document corrective action for %d Phase I deficiencies", n))
	}

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(items), compliant, len(report.PhaseIIDeficiencies), recommendations),
	}, nil
}

// phiResourceTypes hold protected health information
var phiResourceTypes = map[string]bool{
	"Patient":           true,
	"Observation":       true,
	"DiagnosticReport":  true,
	"Specimen":          true,
	"ServiceRequest":    true,
	"Encounter":         true,
	"Condition":         true,
	"MedicationRequest": true,
}

// HIPAAReport is the payload of a HIPAA audit report
type HIPAAReport struct {
	TotalAccessEvents int                          `json:"total_access_events"`
	UniqueUsers       int                          `json:"unique_users"`
	AfterHoursAccess  int                          `json:"after_hours_access"`
	FailedAccess      int                          `json:"failed_access"`
	PHIAccessEvents   int                          `json:"phi_access_events"`
	ByResourceType    map[string]int               `json:"by_resource_type"`
	ByAction          map[string]int               `json:"by_action"`
	FlaggedEvents     []compliance.AuditTrailEntry `json:"flagged_events"`
}

// HIPAABuilder reviews access events from the audit trail. Failed access to PHI is critical.
type HIPAABuilder struct {
	Audit AuditSource
}

func (b *HIPAABuilder) Type() compliance.ReportType { return compliance.ReportTypeHIPAAAudit }

func (b *HIPAABuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	if b.Audit == nil {
		return nil, fmt.Errorf("no audit source configured for %s", b.Type())
	}
	entries := b.Audit.EntriesIn(ctx, period)

	report := &HIPAAReport{
		ByResourceType: make(map[string]int),
		ByAction:       make(map[string]int),
		FlaggedEvents:  []compliance.AuditTrailEntry{},
	}
	users := map[string]struct{}{}
	compliant, critical := 0, 0

	for _, e := range entries {
		report.TotalAccessEvents++
		if e.Actor.ID != "" {
			users[e.Actor.ID] = struct{}{}
		}
		if e.ResourceType != "" {
			report.ByResourceType[e.ResourceType]++
		}
		report.ByAction[e.Action]++

		phi := phiResourceTypes[e.ResourceType]
		if phi {
			report.PHIAccessEvents++
		}
		failed := e.Outcome == compliance.OutcomeFailure
		afterHours := analytics.IsAfterHours(e.Timestamp)
		if failed {
			report.FailedAccess++
		}
		if afterHours {
			report.AfterHoursAccess++
		}
		if failed && phi {
			critical++
		}
		if failed || afterHours {
			report.FlaggedEvents = append(report.FlaggedEvents, e)
		} else {
			compliant++
		}
	}
	report.UniqueUsers = len(users)

	var recommendations []string
	if critical > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Investigate %d failed access attempts to PHI", critical))
	}
	if report.AfterHoursAccess > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Review %d after-hours access events", report.AfterHoursAccess))
	}
	if report.TotalAccessEvents == 0 {
		recommendations = append(recommendations, "No audit events found for the period; verify audit logging is enabled")
	}

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(report.TotalAccessEvents, compliant, critical, recommendations),
	}, nil
}

// AnalyteProficiency is the graded history of one analyte
type AnalyteProficiency struct {
	Analyte        string             `json:"analyte"`
	Events         []ProficiencyEvent `json:"events"`
	AverageScore   float64            `json:"average_score"`
	Unsatisfactory int                `json:"unsatisfactory"`
	Unsuccessful   bool               `json:"unsuccessful"`
}

// ProficiencyReport is the payload of a proficiency testing report
type ProficiencyReport struct {
	Analytes       []AnalyteProficiency `json:"analytes"`
	AcceptableRate float64              `json:"acceptable_rate"`
	PassingScore   float64              `json:"passing_score"`
}

// ProficiencyTestingBuilder grades PT events. Every unsatisfactory event is a critical
// finding; an analyte failing two of its last three events is also flagged unsuccessful.
type ProficiencyTestingBuilder struct {
	Source MetricsSource
}

func (b *ProficiencyTestingBuilder) Type() compliance.ReportType {
	return compliance.ReportTypeProficiencyTesting
}

func (b *ProficiencyTestingBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	events, err := b.Source.ProficiencyEvents(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load proficiency events: %w", err)
	}

	byAnalyte := map[string][]ProficiencyEvent{}
	var order []string
	acceptable := 0
	for _, ev := range events {
		if _, ok := byAnalyte[ev.Analyte]; !ok {
			order = append(order, ev.Analyte)
		}
		byAnalyte[ev.Analyte] = append(byAnalyte[ev.Analyte], ev)
		if ev.Score >= ptAcceptableScore {
			acceptable++
		}
	}

	report := &ProficiencyReport{PassingScore: ptAcceptableScore, Analytes: []AnalyteProficiency{}}
	critical := 0
	var recommendations []string
	for _, analyte := range order {
		evs := byAnalyte[analyte]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Date.Before(evs[j].Date) })

		ap := AnalyteProficiency{Analyte: analyte, Events: evs}
		sum := 0.0
		for _, ev := range evs {
			sum += ev.Score
			if ev.Score < ptAcceptableScore {
				ap.Unsatisfactory++
			}
		}
		ap.AverageScore = round2(sum / float64(len(evs)))

		recent := evs
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		failures := 0
		for _, ev := range recent {
			if ev.Score < ptAcceptableScore {
				failures++
			}
		}
		critical += ap.Unsatisfactory
		if failures >= 2 {
			ap.Unsuccessful = true
			recommendations = append(recommendations, fmt.Sprintf("Suspend patient testing review for %s: unsuccessful PT performance", analyte))
		} else if ap.Unsatisfactory > 0 {
			recommendations = append(recommendations, fmt.Sprintf("Document root cause for unsatisfactory %s PT result", analyte))
		}
		report.Analytes = append(report.Analytes, ap)
	}
	report.AcceptableRate = compliance.Rate(acceptable, len(events))

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(events), acceptable, critical, recommendations),
	}, nil
}

// StaffCompetency is the evaluated competency of one staff member
type StaffCompetency struct {
	CompetencyRecord
	AssessmentCurrent bool   `json:"assessment_current"`
	LicenseValid      bool   `json:"license_valid"`
	Status            string `json:"status"`
}

// PersonnelReport is the payload of a personnel competency report
type PersonnelReport struct {
	Staff       []StaffCompetency `json:"staff"`
	CurrentRate float64           `json:"current_rate"`
	ByRole      map[string]int    `json:"by_role"`
}

// PersonnelCompetencyBuilder checks annual competency assessments, training and
// licensure. Expired licenses are critical.
type PersonnelCompetencyBuilder struct {
	Source MetricsSource
}

func (b *PersonnelCompetencyBuilder) Type() compliance.ReportType {
	return compliance.ReportTypePersonnelCompetency
}

func (b *PersonnelCompetencyBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	records, err := b.Source.CompetencyRecords(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load competency records: %w", err)
	}

	assessmentCutoff := period.End.AddDate(-1, 0, 0)
	report := &PersonnelReport{Staff: []StaffCompetency{}, ByRole: map[string]int{}}
	current, critical := 0, 0
	var recommendations []string

	for _, r := range records {
		sc := StaffCompetency{
			CompetencyRecord:  r,
			AssessmentCurrent: !r.LastAssessment.Before(assessmentCutoff),
			LicenseValid:      r.LicenseExpiry.After(period.End),
		}
		report.ByRole[r.Role]++

		switch {
		case !sc.LicenseValid:
			sc.Status = "license-expired"
			critical++
			recommendations = append(recommendations, fmt.Sprintf("Remove %s from testing until license is renewed", r.Name))
		case !sc.AssessmentCurrent:
			sc.Status = "assessment-overdue"
			recommendations = append(recommendations, fmt.Sprintf("Complete annual competency assessment for %s", r.Name))
		case !r.TrainingComplete:
			sc.Status = "training-incomplete"
			recommendations = append(recommendations, fmt.Sprintf("Complete required training for %s", r.Name))
		default:
			sc.Status = "current"
			current++
		}
		report.Staff = append(report.Staff, sc)
	}
	report.CurrentRate = compliance.Rate(current, len(records))

	return &BuildResult{
		Data:    report,
		Summary: compliance.NewSummary(len(records), current, critical, recommendations),
	}, nil
}
