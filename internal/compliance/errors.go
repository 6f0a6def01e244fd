package compliance

import "errors"

var (
	// ErrUnsupportedReportType is returned when no builder exists for a report type
	ErrUnsupportedReportType = errors.New("unsupported report type")
	// ErrInvalidPeriod is returned when a reporting period ends before it starts
	ErrInvalidPeriod = errors.New("invalid reporting period")
	// ErrReportNotFound is returned when a report id is unknown
	ErrReportNotFound = errors.New("report not found")
)
