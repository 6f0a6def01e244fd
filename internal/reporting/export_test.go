package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
)

func completedReport(t *testing.T) compliance.ComplianceReport {
	t.Helper()
	res, err := (&TurnaroundTimeBuilder{Source: StaticSource{}}).Build(context.Background(), testPeriod)
	require.NoError(t, err)

	done := testPeriod.End.Add(time.Minute)
	return compliance.ComplianceReport{
		ID:          "rep-1",
		Type:        compliance.ReportTypeTurnaroundTime,
		Title:       "Turnaround Time Report",
		GeneratedAt: testPeriod.End,
		Period:      testPeriod,
		Status:      compliance.ReportStatusCompleted,
		Data:        res.Data,
		Summary:     &res.Summary,
		CompletedAt: &done,
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"pdf", FormatPDF, false},
		{" PDF ", FormatPDF, false},
		{"excel", FormatExcel, false},
		{"xlsx", FormatExcel, false},
		{"csv", FormatCSV, false},
		{"json", FormatJSON, false},
		{"docx", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRows(t *testing.T) {
	rows, err := Rows(completedReport(t))
	require.NoError(t, err)

	index := map[string]string{}
	for _, r := range rows {
		index[r.Section+":"+r.Key] = r.Value
	}
	assert.Equal(t, "rep-1", index["report:id"])
	assert.Equal(t, "5", index["summary:total_items"])
	assert.Equal(t, "60.00", index["summary:compliance_rate"])
	assert.Equal(t, "BMP", index["data:tests.0.test_code"])
	assert.Equal(t, "3870", index["data:total_volume"])
	assert.Contains(t, index, "recommendation:1")
}

func TestExport(t *testing.T) {
	exporter := NewExporter(config.ReportingConfig{})
	report := completedReport(t)

	t.Run("pdf", func(t *testing.T) {
		res, err := exporter.Export(report, FormatPDF)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(res.Content, []byte("%PDF")))
		assert.Equal(t, "application/pdf", res.ContentType)
		assert.Equal(t, "turnaround-time-rep-1.pdf", res.Filename)
	})

	t.Run("excel", func(t *testing.T) {
		res, err := exporter.Export(report, FormatExcel)
		require.NoError(t, err)
		assert.Equal(t, "turnaround-time-rep-1.xlsx", res.Filename)

		f, err := excelize.OpenReader(bytes.NewReader(res.Content))
		require.NoError(t, err)
		defer f.Close()

		header, err := f.GetCellValue("Report", "A1")
		require.NoError(t, err)
		assert.Equal(t, "Section", header)
		id, err := f.GetCellValue("Report", "C2")
		require.NoError(t, err)
		assert.Equal(t, "rep-1", id)
	})

	t.Run("csv", func(t *testing.T) {
		res, err := exporter.Export(report, FormatCSV)
		require.NoError(t, err)
		assert.Equal(t, "text/csv", res.ContentType)

		records, err := csv.NewReader(bytes.NewReader(res.Content)).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, []string{"section", "key", "value"}, records[0])
		assert.Equal(t, []string{"report", "id", "rep-1"}, records[1])
	})

	t.Run("json", func(t *testing.T) {
		res, err := exporter.Export(report, FormatJSON)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(res.Content, &decoded))
		assert.Equal(t, "rep-1", decoded["id"])
		assert.Equal(t, "completed", decoded["status"])
	})

	t.Run("failed reports export their error", func(t *testing.T) {
		failed := compliance.ComplianceReport{
			ID:     "rep-2",
			Type:   compliance.ReportTypeCLIA,
			Title:  "CLIA Compliance Report",
			Period: testPeriod,
			Status: compliance.ReportStatusFailed,
			Error:  "source unavailable",
		}
		res, err := exporter.Export(failed, FormatCSV)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(res.Content), "source unavailable"))
	})

	t.Run("generating reports are not ready", func(t *testing.T) {
		generating := report
		generating.Status = compliance.ReportStatusGenerating
		_, err := exporter.Export(generating, FormatPDF)
		assert.ErrorIs(t, err, ErrReportNotReady)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := exporter.Export(report, Format("docx"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})
}
