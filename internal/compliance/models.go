package compliance

import (
	"time"
)

// ReportType identifies one of the fixed compliance report kinds
type ReportType string

// Report types
const (
	ReportTypeCLIA                 ReportType = "clia-compliance"
	ReportTypeCAPInspection        ReportType = "cap-inspection"
	ReportTypeHIPAAAudit           ReportType = "hipaa-audit"
	ReportTypeQualityAssurance     ReportType = "quality-assurance"
	ReportTypeTurnaroundTime       ReportType = "turnaround-time"
	ReportTypeProficiencyTesting   ReportType = "proficiency-testing"
	ReportTypePersonnelCompetency  ReportType = "personnel-competency"
	ReportTypeEquipmentMaintenance ReportType = "equipment-maintenance"
	ReportTypePopulationHealth     ReportType = "population-health"
	ReportTypeClinicalOutcomes     ReportType = "clinical-outcomes"
)

var reportTitles = map[ReportType]string{
	ReportTypeCLIA:                 "CLIA Compliance Report",
	ReportTypeCAPInspection:        "CAP Inspection Readiness Report",
	ReportTypeHIPAAAudit:           "HIPAA Audit Report",
	ReportTypeQualityAssurance:     "Quality Assurance Report",
	ReportTypeTurnaroundTime:       "Turnaround Time Report",
	ReportTypeProficiencyTesting:   "Proficiency Testing Report",
	ReportTypePersonnelCompetency:  "Personnel Competency Report",
	ReportTypeEquipmentMaintenance: "Equipment Maintenance Report",
	ReportTypePopulationHealth:     "Population Health Report",
	ReportTypeClinicalOutcomes:     "Clinical Outcomes Report",
}

// ReportTypes returns every supported report type in a stable order
func ReportTypes() []ReportType {
	return []ReportType{
		ReportTypeCLIA,
		ReportTypeCAPInspection,
		ReportTypeHIPAAAudit,
		ReportTypeQualityAssurance,
		ReportTypeTurnaroundTime,
		ReportTypeProficiencyTesting,
		ReportTypePersonnelCompetency,
		ReportTypeEquipmentMaintenance,
		ReportTypePopulationHealth,
		ReportTypeClinicalOutcomes,
	}
}

// Valid reports whether t is one of the supported report types
func (t ReportType) Valid() bool {
	_, ok := reportTitles[t]
	return ok
}

// Title returns the display title of the report type
func (t ReportType) Title() string {
	if title, ok := reportTitles[t]; ok {
		return title
	}
	return string(t)
}

// ReportStatus is the lifecycle state of a report
type ReportStatus string

// Report statuses
const (
	ReportStatusGenerating ReportStatus = "generating"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s
func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// Period is the reporting window of a report
type Period struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required,gtefield=Start"`
}

// Contains reports whether t falls inside the period (inclusive)
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// ComplianceReport represents a generated compliance report
type ComplianceReport struct {
	ID          string             `json:"id"`
	Type        ReportType         `json:"type"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	GeneratedAt time.Time          `json:"generated_at"`
	Period      Period             `json:"period"`
	Status      ReportStatus       `json:"status"`
	Data        interface{}        `json:"data,omitempty"`
	Summary     *ComplianceSummary `json:"summary,omitempty"`
	Error       string             `json:"error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	RequestedBy string             `json:"requested_by,omitempty"`
}

// Clone returns a copy of the report that shares only the immutable payload
func (r *ComplianceReport) Clone() ComplianceReport {
	c := *r
	if r.Summary != nil {
		s := *r.Summary
		s.Recommendations = append([]string(nil), r.Summary.Recommendations...)
		c.Summary = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Actor identifies who performed an audited action
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Outcome is the result of an audited action
type Outcome string

// Audit outcomes
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// AuditTrailEntry represents one audited action. Entries are read-only once recorded.
type AuditTrailEntry struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Actor        Actor                  `json:"actor"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Outcome      Outcome                `json:"outcome"`
}

// AuditFilters narrows an audit trail query
type AuditFilters struct {
	ActorID      string     `json:"actor_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	Action       string     `json:"action,omitempty"`
	Outcome      Outcome    `json:"outcome,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Matches reports whether the entry satisfies every set filter
func (f AuditFilters) Matches(e AuditTrailEntry) bool {
	if f.ActorID != "" && e.Actor.ID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Audit actions recorded by the engine itself
const (
	ActionReportRequested = "report.requested"
	ActionReportCompleted = "report.completed"
	ActionReportFailed    = "report.failed"
	ActionReportExported  = "report.exported"
	ActionReportViewed    = "report.viewed"
)
