package reporting

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
)

// Format is an export file format
type Format string

// Export formats
const (
	FormatPDF   Format = "pdf"
	FormatExcel Format = "excel"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

var (
	// ErrUnsupportedFormat is returned for an unknown export format
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrReportNotReady is returned when exporting a report that is still generating
	ErrReportNotReady = errors.New("report is still generating")
)

// ExportResult is a rendered report file
type ExportResult struct {
	Content     []byte
	ContentType string
	Filename    string
}

// Row is one flattened line of a report
type Row struct {
	Section string
	Key     string
	Value   string
}

// Exporter renders reports to files
type Exporter struct {
	fontFamily  string
	orientation string
	sheetName   string
}

// NewExporter creates an exporter from the reporting format settings
func NewExporter(cfg config.ReportingConfig) *Exporter {
	e := &Exporter{
		fontFamily:  cfg.PDF.FontFamily,
		orientation: cfg.PDF.Orientation,
		sheetName:   cfg.Excel.SheetName,
	}
	if e.fontFamily == "" {
		e.fontFamily = "Arial"
	}
	if e.orientation == "" {
		e.orientation = "P"
	}
	if e.sheetName == "" {
		e.sheetName = "Report"
	}
	return e
}

// ParseFormat maps a format name, accepting "xlsx" for Excel
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPDF, FormatExcel, FormatCSV, FormatJSON:
		return f, nil
	case "xlsx":
		return FormatExcel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Export renders report in the given format
func (e *Exporter) Export(report compliance.ComplianceReport, format Format) (*ExportResult, error) {
	if report.Status == compliance.ReportStatusGenerating {
		return nil, fmt.Errorf("%w: %s", ErrReportNotReady, report.ID)
	}

	var (
		content     []byte
		contentType string
		ext         string
		err         error
	)
	switch format {
	case FormatPDF:
		content, err = e.pdf(report)
		contentType, ext = "application/pdf", "pdf"
	case FormatExcel:
		content, err = e.excel(report)
		contentType, ext = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"
	case FormatCSV:
		content, err = e.csv(report)
		contentType, ext = "text/csv", "csv"
	case FormatJSON:
		content, err = json.MarshalIndent(report, "", "  ")
		contentType, ext = "application/json", "json"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export report %s as %s: %w", report.ID, format, err)
	}

	return &ExportResult{
		Content:     content,
		ContentType: contentType,
		Filename:    fmt.Sprintf("%s-%s.%s", report.Type, report.ID, ext),
	}, nil
}

// Rows flattens a report into report, summary and data rows. Data keys are dotted
// paths into the payload, array elements by index.
func Rows(report compliance.ComplianceReport) ([]Row, error) {
	rows := []Row{
		{"report", "id", report.ID},
		{"report", "type", string(report.Type)},
		{"report", "title", report.Title},
		{"report", "status", string(report.Status)},
		{"report", "period_start", report.Period.Start.Format(time.RFC3339)},
		{"report", "period_end", report.Period.End.Format(time.RFC3339)},
		{"report", "generated_at", report.GeneratedAt.Format(time.RFC3339)},
	}
	if report.Error != "" {
		rows = append(rows, Row{"report", "error", report.Error})
	}

	if s := report.Summary; s != nil {
		rows = append(rows,
			Row{"summary", "total_items", strconv.Itoa(s.TotalItems)},
			Row{"summary", "compliant_items", strconv.Itoa(s.CompliantItems)},
			Row{"summary", "non_compliant_items", strconv.Itoa(s.NonCompliantItems)},
			Row{"summary", "compliance_rate", strconv.FormatFloat(s.ComplianceRate, 'f', 2, 64)},
			Row{"summary", "critical_findings", strconv.Itoa(s.CriticalFindings)},
		)
		for i, rec := range s.Recommendations {
			rows = append(rows, Row{"recommendation", strconv.Itoa(i + 1), rec})
		}
	}

	if report.Data == nil {
		return rows, nil
	}
	raw, err := json.Marshal(report.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report data: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode report data: %w", err)
	}

	flat := map[string]string{}
	flatten("", generic, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, Row{"data", k, flat[k]})
	}
	return rows, nil
}

func flatten(prefix string, v interface{}, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			flatten(join(k), child, out)
		}
	case []interface{}:
		if len(val) == 0 && prefix != "" {
			out[prefix] = ""
		}
		for i, child := range val {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	case nil:
		out[prefix] = ""
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

func (e *Exporter) pdf(report compliance.ComplianceReport) ([]byte, error) {
	rows, err := Rows(report)
	if err != nil {
		return nil, err
	}

	pdf := gofpdf.New(e.orientation, "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(report.Title), false)
	pdf.AddPage()

	pdf.SetFont(e.fontFamily, "B", 16)
	pdf.Cell(40, 10, tr(report.Title))
	pdf.Ln(12)

	pdf.SetFont(e.fontFamily, "", 10)
	pdf.Cell(40, 6, fmt.Sprintf("Period: %s to %s",
		report.Period.Start.Format("2006-01-02"), report.Period.End.Format("2006-01-02")))
	pdf.Ln(6)
	pdf.Cell(40, 6, fmt.Sprintf("Status: %s", report.Status))
	pdf.Ln(10)

	section := ""
	for _, row := range rows {
		if row.Section == "report" {
			continue
		}
		if row.Section != section {
			section = row.Section
			pdf.SetFont(e.fontFamily, "B", 12)
			pdf.Cell(40, 8, strings.ToUpper(section[:1])+section[1:])
			pdf.Ln(8)
			pdf.SetFont(e.fontFamily, "", 9)
		}
		pdf.CellFormat(80, 5, tr(row.Key), "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 5, tr(row.Value), "", "L", false)
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) excel(report compliance.ComplianceReport) ([]byte, error) {
	rows, err := Rows(report)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", e.sheetName); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(e.sheetName, "A1", &[]interface{}{"Section", "Key", "Value"}); err != nil {
		return nil, err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(e.sheetName, cell, &[]interface{}{row.Section, row.Key, row.Value}); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(e.sheetName, "B", "B", 40); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) csv(report compliance.ComplianceReport) ([]byte, error) {
	rows, err := Rows(report)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"section", "key", "value"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Section, row.Key, row.Value}); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
