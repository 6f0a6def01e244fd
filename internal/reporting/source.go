package reporting

import (
	"context"
	"time"

	"github.com/medlims/compliance-engine/internal/analytics"
	"github.com/medlims/compliance-engine/internal/compliance"
)

// MetricsSource supplies the laboratory inputs each report type is computed from
type MetricsSource interface {
	CLIAMetrics(ctx context.Context, period compliance.Period) (*CLIAMetrics, error)
	CAPChecklist(ctx context.Context, period compliance.Period) ([]ChecklistItem, error)
	QCRuns(ctx context.Context, period compliance.Period) ([]QCRun, error)
	TurnaroundTimes(ctx context.Context, period compliance.Period) ([]TATMetric, error)
	ProficiencyEvents(ctx context.Context, period compliance.Period) ([]ProficiencyEvent, error)
	CompetencyRecords(ctx context.Context, period compliance.Period) ([]CompetencyRecord, error)
	EquipmentRecords(ctx context.Context, period compliance.Period) ([]EquipmentRecord, error)
	ConditionMetrics(ctx context.Context, period compliance.Period) ([]ConditionMetric, error)
	OutcomeMeasures(ctx context.Context, period compliance.Period) ([]OutcomeMeasure, error)
}

// AuditSource supplies audit entries for access reviews
type AuditSource interface {
	EntriesIn(ctx context.Context, period compliance.Period) []compliance.AuditTrailEntry
}

// CLIAMetrics are the inputs of the CLIA compliance score
type CLIAMetrics struct {
	PersonnelQualified int             `json:"personnel_qualified"`
	PersonnelTotal     int             `json:"personnel_total"`
	QCCompliance       float64         `json:"qc_compliance"`
	ProficiencyScore   float64         `json:"proficiency_score"`
	TATCompliance      float64         `json:"tat_compliance"`
	Requirements       map[string]bool `json:"requirements"`
}

// ChecklistItem is one CAP accreditation checklist requirement
type ChecklistItem struct {
	ID          string `json:"id"`
	Section     string `json:"section"`
	Requirement string `json:"requirement"`
	Phase       string `json:"phase"`
	Compliant   bool   `json:"compliant"`
}

// QCRun is one quality control run
type QCRun struct {
	Date         time.Time `json:"date"`
	Analyte      string    `json:"analyte"`
	Instrument   string    `json:"instrument"`
	Level        string    `json:"level"`
	WithinLimits bool      `json:"within_limits"`
	Rejected     bool      `json:"rejected"`
	Rule         string    `json:"rule,omitempty"`
}

// TATMetric is the turnaround time of one test over the period
type TATMetric struct {
	TestCode       string  `json:"test_code"`
	TestName       string  `json:"test_name"`
	Priority       string  `json:"priority"`
	TargetMinutes  float64 `json:"target_minutes"`
	AverageMinutes float64 `json:"average_minutes"`
	Volume         int     `json:"volume"`
	WithinTarget   int     `json:"within_target"`
}

// ProficiencyEvent is one graded proficiency testing challenge
type ProficiencyEvent struct {
	Program string    `json:"program"`
	Event   string    `json:"event"`
	Date    time.Time `json:"date"`
	Analyte string    `json:"analyte"`
	Score   float64   `json:"score"`
}

// CompetencyRecord is the competency state of one staff member
type CompetencyRecord struct {
	EmployeeID       string    `json:"employee_id"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	LastAssessment   time.Time `json:"last_assessment"`
	LicenseExpiry    time.Time `json:"license_expiry"`
	TrainingComplete bool      `json:"training_complete"`
}

// EquipmentRecord is the maintenance state of one instrument
type EquipmentRecord struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	LastMaintenance    time.Time `json:"last_maintenance"`
	NextMaintenanceDue time.Time `json:"next_maintenance_due"`
	LastCalibration    time.Time `json:"last_calibration"`
	CalibrationDue     time.Time `json:"calibration_due"`
}

// ConditionMetric is case reporting for one condition in one region
type ConditionMetric struct {
	Condition      string         `json:"condition"`
	Region         string         `json:"region"`
	Reportable     bool           `json:"reportable"`
	Cases          int            `json:"cases"`
	ReportedOnTime int            `json:"reported_on_time"`
	AgeGroups      map[string]int `json:"age_groups"`
}

// OutcomeMeasure is a clinical quality measure tracked against a benchmark
type OutcomeMeasure struct {
	Measure        string                 `json:"measure"`
	Benchmark      float64                `json:"benchmark"`
	HigherIsBetter bool                   `json:"higher_is_better"`
	Series         []analytics.TrendPoint `json:"series"`
}

// StaticSource is a deterministic MetricsSource used when no laboratory data
// feed is connected. Dates are relative to the end of the requested period.
type StaticSource struct{}

func (StaticSource) CLIAMetrics(ctx context.Context, period compliance.Period) (*CLIAMetrics, error) {
	reqs := make(map[string]bool, len(cliaRequirements))
	for _, r := range cliaRequirements {
		reqs[r.ID] = true
	}
	reqs["493.1291"] = false

	return &CLIAMetrics{
		PersonnelQualified: 24,
		PersonnelTotal:     25,
		QCCompliance:       96.5,
		ProficiencyScore:   92.0,
		TATCompliance:      88.4,
		Requirements:       reqs,
	}, nil
}

func (StaticSource) CAPChecklist(ctx context.Context, period compliance.Period) ([]ChecklistItem, error) {
	return []ChecklistItem{
		{ID: "GEN.20316", Section: "General", Requirement: "QM/QC program documented", Phase: "II", Compliant: true},
		{ID: "GEN.41304", Section: "General", Requirement: "Patient confidentiality policy", Phase: "II", Compliant: true},
		{ID: "GEN.55500", Section: "General", Requirement: "Personnel competency assessment", Phase: "II", Compliant: true},
		{ID: "COM.01200", Section: "All Common", Requirement: "Activity menu current", Phase: "I", Compliant: true},
		{ID: "COM.04250", Section: "All Common", Requirement: "Comparability of instruments", Phase: "II", Compliant: false},
		{ID: "COM.30450", Section: "All Common", Requirement: "Reagent labeling", Phase: "II", Compliant: true},
		{ID: "CHM.13900", Section: "Chemistry", Requirement: "Calibration verification", Phase: "II", Compliant: true},
		{ID: "CHM.14000", Section: "Chemistry", Requirement: "QC at two levels daily", Phase: "II", Compliant: true},
		{ID: "HEM.22100", Section: "Hematology", Requirement: "Manual differential review", Phase: "I", Compliant: false},
		{ID: "MIC.21300", Section: "Microbiology", Requirement: "Media QC records", Phase: "I", Compliant: true},
	}, nil
}

func (StaticSource) QCRuns(ctx context.Context, period compliance.Period) ([]QCRun, error) {
	var runs []QCRun
	end := period.End
	analytes := []string{"Glucose", "Potassium", "Hemoglobin"}
	for month := 2; month >= 0; month-- {
		date := end.AddDate(0, -month, 0)
		for i, analyte := range analytes {
			for level := 1; level <= 2; level++ {
				run := QCRun{
					Date:         date.AddDate(0, 0, -i),
					Analyte:      analyte,
					Instrument:   "AU5800",
					Level:        map[int]string{1: "L1", 2: "L2"}[level],
					WithinLimits: true,
				}
				// one 1-3s rejection in the oldest month
				if month == 2 && analyte == "Potassium" && level == 2 {
					run.WithinLimits = false
					run.Rejected = true
					run.Rule = "1-3s"
				}
				runs = append(runs, run)
			}
		}
	}
	return runs, nil
}

func (StaticSource) TurnaroundTimes(ctx context.Context, period compliance.Period) ([]TATMetric, error) {
	return []TATMetric{
		{TestCode: "BMP", TestName: "Basic Metabolic Panel", Priority: "routine", TargetMinutes: 240, AverageMinutes: 185, Volume: 1200, WithinTarget: 1130},
		{TestCode: "CBC", TestName: "Complete Blood Count", Priority: "routine", TargetMinutes: 120, AverageMinutes: 95, Volume: 1500, WithinTarget: 1440},
		{TestCode: "TROP", TestName: "Troponin I", Priority: "stat", TargetMinutes: 60, AverageMinutes: 52, Volume: 310, WithinTarget: 281},
		{TestCode: "K-STAT", TestName: "Potassium", Priority: "stat", TargetMinutes: 45, AverageMinutes: 49, Volume: 220, WithinTarget: 170},
		{TestCode: "LIPID", TestName: "Lipid Panel", Priority: "routine", TargetMinutes: 480, AverageMinutes: 510, Volume: 640, WithinTarget: 520},
	}, nil
}

func (StaticSource) ProficiencyEvents(ctx context.Context, period compliance.Period) ([]ProficiencyEvent, error) {
	end := period.End
	return []ProficiencyEvent{
		{Program: "CAP C-A", Event: "2023-C", Date: end.AddDate(0, -8, 0), Analyte: "Glucose", Score: 100},
		{Program: "CAP C-A", Event: "2024-A", Date: end.AddDate(0, -4, 0), Analyte: "Glucose", Score: 100},
		{Program: "CAP C-A", Event: "2024-B", Date: end.AddDate(0, -1, 0), Analyte: "Glucose", Score: 80},
		{Program: "CAP C-A", Event: "2023-C", Date: end.AddDate(0, -8, 0), Analyte: "Sodium", Score: 100},
		{Program: "CAP C-A", Event: "2024-A", Date: end.AddDate(0, -4, 0), Analyte: "Sodium", Score: 60},
		{Program: "CAP C-A", Event: "2024-B", Date: end.AddDate(0, -1, 0), Analyte: "Sodium", Score: 100},
		{Program: "CAP FH", Event: "2024-A", Date: end.AddDate(0, -4, 0), Analyte: "Hemoglobin", Score: 100},
		{Program: "CAP FH", Event: "2024-B", Date: end.AddDate(0, -1, 0), Analyte: "Hemoglobin", Score: 100},
	}, nil
}

func (StaticSource) CompetencyRecords(ctx context.Context, period compliance.Period) ([]CompetencyRecord, error) {
	end := period.End
	return []CompetencyRecord{
		{EmployeeID: "E-101", Name: "A. Sharma", Role: "Medical Technologist", LastAssessment: end.AddDate(0, -3, 0), LicenseExpiry: end.AddDate(1, 0, 0), TrainingComplete: true},
		{EmployeeID: "E-102", Name: "R. Iyer", Role: "Medical Technologist", LastAssessment: end.AddDate(0, -6, 0), LicenseExpiry: end.AddDate(0, 8, 0), TrainingComplete: true},
		{EmployeeID: "E-103", Name: "K. Das", Role: "Lab Technician", LastAssessment: end.AddDate(0, -14, 0), LicenseExpiry: end.AddDate(0, 5, 0), TrainingComplete: true},
		{EmployeeID: "E-104", Name: "M. Khan", Role: "Phlebotomist", LastAssessment: end.AddDate(0, -2, 0), LicenseExpiry: end.AddDate(0, 0, -10), TrainingComplete: true},
		{EmployeeID: "E-105", Name: "S. Nair", Role: "Pathologist", LastAssessment: end.AddDate(0, -1, 0), LicenseExpiry: end.AddDate(2, 0, 0), TrainingComplete: true},
		{EmployeeID: "E-106", Name: "P. Gupta", Role: "Lab Technician", LastAssessment: end.AddDate(0, -5, 0), LicenseExpiry: end.AddDate(1, 6, 0), TrainingComplete: false},
	}, nil
}

func (StaticSource) EquipmentRecords(ctx context.Context, period compliance.Period) ([]EquipmentRecord, error) {
	end := period.End
	return []EquipmentRecord{
		{ID: "EQ-01", Name: "AU5800", Type: "Chemistry Analyzer", LastMaintenance: end.AddDate(0, 0, -20), NextMaintenanceDue: end.AddDate(0, 0, 10), LastCalibration: end.AddDate(0, 0, -30), CalibrationDue: end.AddDate(0, 5, 0)},
		{ID: "EQ-02", Name: "XN-1000", Type: "Hematology Analyzer", LastMaintenance: end.AddDate(0, 0, -5), NextMaintenanceDue: end.AddDate(0, 0, 25), LastCalibration: end.AddDate(0, -2, 0), CalibrationDue: end.AddDate(0, 4, 0)},
		{ID: "EQ-03", Name: "Centrifuge 5702", Type: "Centrifuge", LastMaintenance: end.AddDate(0, -2, 0), NextMaintenanceDue: end.AddDate(0, 0, -3), LastCalibration: end.AddDate(0, -6, 0), CalibrationDue: end.AddDate(0, 6, 0)},
		{ID: "EQ-04", Name: "VITEK 2", Type: "Microbiology System", LastMaintenance: end.AddDate(0, 0, -12), NextMaintenanceDue: end.AddDate(0, 0, 18), LastCalibration: end.AddDate(0, -7, 0), CalibrationDue: end.AddDate(0, 0, -7)},
	}, nil
}

func (StaticSource) ConditionMetrics(ctx context.Context, period compliance.Period) ([]ConditionMetric, error) {
	return []ConditionMetric{
		{Condition: "Diabetes", Region: "North", Reportable: false, Cases: 312, ReportedOnTime: 312, AgeGroups: map[string]int{"18-44": 60, "45-64": 142, "65+": 110}},
		{Condition: "Tuberculosis", Region: "North", Reportable: true, Cases: 14, ReportedOnTime: 14, AgeGroups: map[string]int{"18-44": 8, "45-64": 4, "65+": 2}},
		{Condition: "Tuberculosis", Region: "South", Reportable: true, Cases: 9, ReportedOnTime: 7, AgeGroups: map[string]int{"0-17": 1, "18-44": 5, "45-64": 3}},
		{Condition: "Dengue", Region: "South", Reportable: true, Cases: 41, ReportedOnTime: 41, AgeGroups: map[string]int{"0-17": 12, "18-44": 21, "45-64": 6, "65+": 2}},
		{Condition: "Hepatitis B", Region: "East", Reportable: true, Cases: 6, ReportedOnTime: 0, AgeGroups: map[string]int{"18-44": 4, "45-64": 2}},
	}, nil
}

func (StaticSource) OutcomeMeasures(ctx context.Context, period compliance.Period) ([]OutcomeMeasure, error) {
	return []OutcomeMeasure{
		{
			Measure: "HbA1c control (<8%)", Benchmark: 70, HigherIsBetter: true,
			Series: []analytics.TrendPoint{{Period: "Q1", Value: 68}, {Period: "Q2", Value: 71}, {Period: "Q3", Value: 74}},
		},
		{
			Measure: "Critical value notification within 30 min", Benchmark: 95, HigherIsBetter: true,
			Series: []analytics.TrendPoint{{Period: "Q1", Value: 96}, {Period: "Q2", Value: 95}, {Period: "Q3", Value: 89}},
		},
		{
			Measure: "Specimen rejection rate", Benchmark: 3.0, HigherIsBetter: false,
			Series: []analytics.TrendPoint{{Period: "Q1", Value: 2.8}, {Period: "Q2", Value: 3.2}, {Period: "Q3", Value: 3.0}},
		},
		{
			Measure: "Blood culture contamination", Benchmark: 3.0, HigherIsBetter: false,
			Series: []analytics.TrendPoint{{Period: "Q1", Value: 2.9}, {Period: "Q2", Value: 2.5}, {Period: "Q3", Value: 2.2}},
		},
	}, nil
}
