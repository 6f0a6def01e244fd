package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
)

const reportColumns = `id, report_type, title, description, status, period_start, period_end,
	generated_at, completed_at, requested_by, data, summary, error`

type reportRow struct {
	ID          string             `db:"id"`
	ReportType  string             `db:"report_type"`
	Title       string             `db:"title"`
	Description string             `db:"description"`
	Status      string             `db:"status"`
	PeriodStart time.Time          `db:"period_start"`
	PeriodEnd   time.Time          `db:"period_end"`
	GeneratedAt time.Time          `db:"generated_at"`
	CompletedAt *time.Time         `db:"completed_at"`
	RequestedBy string             `db:"requested_by"`
	Data        types.NullJSONText `db:"data"`
	Summary     types.NullJSONText `db:"summary"`
	Error       string             `db:"error"`
}

func toReportRow(r compliance.ComplianceReport) (reportRow, error) {
	row := reportRow{
		ID:          r.ID,
		ReportType:  string(r.Type),
		Title:       r.Title,
		Description: r.Description,
		Status:      string(r.Status),
		PeriodStart: r.Period.Start,
		PeriodEnd:   r.Period.End,
		GeneratedAt: r.GeneratedAt,
		CompletedAt: r.CompletedAt,
		RequestedBy: r.RequestedBy,
		Error:       r.Error,
	}
	if r.Data != nil {
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return reportRow{}, fmt.Errorf("failed to encode report data: %w", err)
		}
		row.Data = types.NullJSONText{JSONText: raw, Valid: true}
	}
	if r.Summary != nil {
		raw, err := json.Marshal(r.Summary)
		if err != nil {
			return reportRow{}, fmt.Errorf("failed to encode report summary: %w", err)
		}
		row.Summary = types.NullJSONText{JSONText: raw, Valid: true}
	}
	return row, nil
}

func (row reportRow) toReport() (compliance.ComplianceReport, error) {
	r := compliance.ComplianceReport{
		ID:          row.ID,
		Type:        compliance.ReportType(row.ReportType),
		Title:       row.Title,
		Description: row.Description,
		Status:      compliance.ReportStatus(row.Status),
		Period:      compliance.Period{Start: row.PeriodStart.UTC(), End: row.PeriodEnd.UTC()},
		GeneratedAt: row.GeneratedAt.UTC(),
		CompletedAt: row.CompletedAt,
		RequestedBy: row.RequestedBy,
		Error:       row.Error,
	}
	if row.Data.Valid {
		var data interface{}
		if err := row.Data.Unmarshal(&data); err != nil {
			return r, fmt.Errorf("failed to decode report data: %w", err)
		}
		r.Data = data
	}
	if row.Summary.Valid {
		var summary compliance.ComplianceSummary
		if err := row.Summary.Unmarshal(&summary); err != nil {
			return r, fmt.Errorf("failed to decode report summary: %w", err)
		}
		r.Summary = &summary
	}
	return r, nil
}

// ReportRepository stores compliance reports
type ReportRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewReportRepository creates a report repository
func NewReportRepository(db *sqlx.DB, logger *zap.Logger) *ReportRepository {
	return &ReportRepository{db: db, logger: logger}
}

// SaveReport inserts or updates a report. A terminal row is never overwritten by a
// generating one.
func (r *ReportRepository) SaveReport(ctx context.Context, report compliance.ComplianceReport) error {
	row, err := toReportRow(report)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO compliance_reports (` + reportColumns + `, updated_at)
		VALUES (
			:id, :report_type, :title, :description, :status, :period_start, :period_end,
			:generated_at, :completed_at, :requested_by, :data, :summary, :error, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			data = EXCLUDED.data,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error,
			updated_at = NOW()
		WHERE compliance_reports.status = 'generating' OR EXCLUDED.status <> 'generating'`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		r.logger.Error("Failed to save report", zap.String("report_id", report.ID), zap.Error(err))
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetReport returns a report by id, or nil, nil when it does not exist
func (r *ReportRepository) GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	var row reportRow
	err := r.db.GetContext(ctx, &row, `SELECT `+reportColumns+` FROM compliance_reports WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	report, err := row.toReport()
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListReports returns the most recent reports, newest first
func (r *ReportRepository) ListReports(ctx context.Context, limit int) ([]compliance.ComplianceReport, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []reportRow
	query := `SELECT ` + reportColumns + ` FROM compliance_reports ORDER BY generated_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]compliance.ComplianceReport, 0, len(rows))
	for _, row := range rows {
		report, err := row.toReport()
		if err != nil {
			r.logger.Warn("Skipping undecodable report", zap.String("report_id", row.ID), zap.Error(err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
