package compliance

import (
	"math"
)

// ComplianceSummary is the computed outcome of a report
type ComplianceSummary struct {
	TotalItems        int      `json:"total_items"`
	CompliantItems    int      `json:"compliant_items"`
	NonCompliantItems int      `json:"non_compliant_items"`
	ComplianceRate    float64  `json:"compliance_rate"`
	CriticalFindings  int      `json:"critical_findings"`
	Recommendations   []string `json:"recommendations"`
}

// NewSummary builds a summary whose derived fields always agree with its counts.
// NonCompliantItems = total - compliant and ComplianceRate is 0 when total is 0.
func NewSummary(total, compliant, critical int, recommendations []string) ComplianceSummary {
	if total < 0 {
		total = 0
	}
	if compliant < 0 {
		compliant = 0
	}
	if compliant > total {
		compliant = total
	}
	if critical < 0 {
		critical = 0
	}
	if recommendations == nil {
		recommendations = []string{}
	}

	return ComplianceSummary{
		TotalItems:        total,
		CompliantItems:    compliant,
		NonCompliantItems: total - compliant,
		ComplianceRate:    Rate(compliant, total),
		CriticalFindings:  critical,
		Recommendations:   recommendations,
	}
}

// Rate returns part/total as a percentage rounded to two decimals, 0 when total is 0
func Rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	rate := float64(part) / float64(total) * 100
	rate = math.Max(0, math.Min(100, rate))
	return math.Round(rate*100) / 100
}
