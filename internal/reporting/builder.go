package reporting

import (
	"context"

	"github.com/medlims/compliance-engine/internal/compliance"
)

// Builder computes the payload and summary of one report type
type Builder interface {
	Type() compliance.ReportType
	Build(ctx context.Context, period compliance.Period) (*BuildResult, error)
}

// BuildResult is the outcome of a successful build. Builders return either a
// complete result or an error, never a partial result.
type BuildResult struct {
	Data    interface{}
	Summary compliance.ComplianceSummary
}

// DefaultBuilders returns a builder for every report type
func DefaultBuilders(src MetricsSource, audit AuditSource) []Builder {
	return []Builder{
		&CLIABuilder{Source: src},
		&CAPBuilder{Source: src},
		&HIPAABuilder{Audit: audit},
		&QualityAssuranceBuilder{Source: src},
		&TurnaroundTimeBuilder{Source: src},
		&ProficiencyTestingBuilder{Source: src},
		&PersonnelCompetencyBuilder{Source: src},
		&EquipmentMaintenanceBuilder{Source: src},
		&PopulationHealthBuilder{Source: src},
		&ClinicalOutcomesBuilder{Source: src},
	}
}

// Compliance status labels used in payloads
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non-compliant"
)

// Finding severities
const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
	SeverityMinor    = "minor"
)

// Deficiency is a named finding inside a report payload
type Deficiency struct {
	Area        string `json:"area"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

func countCritical(deficiencies []Deficiency) int {
	n := 0
	for _, d := range deficiencies {
		if d.Severity == SeverityCritical {
			n++
		}
	}
	return n
}
