package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/reporting"
)

type generateRequest struct {
	ReportType  compliance.ReportType `json:"report_type" binding:"required"`
	PeriodStart time.Time             `json:"period_start" binding:"required"`
	PeriodEnd   time.Time             `json:"period_end" binding:"required"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
}

// GenerateReport starts an asynchronous report generation and returns the
// generating report
func (h *ComplianceHandler) GenerateReport(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	actor := actorFrom(c)
	period := compliance.Period{Start: req.PeriodStart, End: req.PeriodEnd}
	gen, err := h.reports.GenerateComplianceReport(c.Request.Context(), req.ReportType, period, reporting.GenerateOptions{
		RequestedBy: actor.ID,
		Title:       req.Title,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, compliance.ErrInvalidPeriod):
		h.warn(c.Request.Context(), "Invalid reporting period", err.Error())
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, reporting.ErrServiceNotRunning):
		errorJSON(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to request report", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Failed to request report")
		return
	}

	h.recordAudit(c, compliance.ActionReportRequested, gen.Report.ID, compliance.OutcomeSuccess, map[string]interface{}{
		"report_type":  string(req.ReportType),
		"period_start": period.Start.Format(time.RFC3339),
		"period_end":   period.End.Format(time.RFC3339),
	})
	c.JSON(http.StatusAccepted, gen.Report)
}

// ListReports returns known reports, newest first. Optional filters: type, status, limit.
func (h *ComplianceHandler) ListReports(c *gin.Context) {
	reportType := compliance.ReportType(c.Query("type"))
	status := compliance.ReportStatus(c.Query("status"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	reports := make([]compliance.ComplianceReport, 0)
	for _, r := range h.reports.Reports() {
		if reportType != "" && r.Type != reportType {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		reports = append(reports, r)
		if limit > 0 && len(reports) == limit {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// GetReport returns one report
func (h *ComplianceHandler) GetReport(c *gin.Context) {
	report, ok := h.lookupReport(c)
	if !ok {
		return
	}
	h.recordAudit(c, compliance.ActionReportViewed, report.ID, compliance.OutcomeSuccess, nil)
	c.JSON(http.StatusOK, report)
}

// ExportReport renders a completed report as pdf, excel, csv or json
func (h *ComplianceHandler) ExportReport(c *gin.Context) {
	format, err := reporting.ParseFormat(c.DefaultQuery("format", string(reporting.FormatPDF)))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	report, ok := h.lookupReport(c)
	if !ok {
		return
	}

	result, err := h.exporter.Export(*report, format)
	switch {
	case errors.Is(err, reporting.ErrReportNotReady):
		errorJSON(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to export report", zap.String("report_id", report.ID), zap.Error(err))
		h.recordAudit(c, compliance.ActionReportExported, report.ID, compliance.OutcomeFailure, map[string]interface{}{
			"format": string(format),
			"error":  err.Error(),
		})
		errorJSON(c, http.StatusInternalServerError, "Failed to export report")
		return
	}

	h.metrics.RecordExport(string(format))
	h.recordAudit(c, compliance.ActionReportExported, report.ID, compliance.OutcomeSuccess, map[string]interface{}{
		"format": string(format),
	})
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Content)
}

func (h *ComplianceHandler) lookupReport(c *gin.Context) (*compliance.ComplianceReport, bool) {
	id := c.Param("report_id")
	report, err := h.reports.Report(c.Request.Context(), id)
	switch {
	case errors.Is(err, compliance.ErrReportNotFound):
		errorJSON(c, http.StatusNotFound, "Report not found")
		return nil, false
	case err != nil:
		h.logger.Error("Failed to load report", zap.String("report_id", id), zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Failed to load report")
		return nil, false
	}
	return report, true
}

// GetReportTypes lists the report types this service can build
func (h *ComplianceHandler) GetReportTypes(c *gin.Context) {
	types := h.reports.SupportedTypes()
	out := make([]gin.H, 0, len(types))
	for _, t := range types {
		out = append(out, gin.H{"type": t, "title": t.Title()})
	}
	c.JSON(http.StatusOK, gin.H{"report_types": out})
}

type scheduleRequest struct {
	ReportType compliance.ReportType `json:"report_type" binding:"required"`
	Spec       string                `json:"spec" binding:"required"`
	Lookback   string                `json:"lookback"`
}

// CreateSchedule registers a recurring report
func (h *ComplianceHandler) CreateSchedule(c *gin.Context) {
	if !h.schedulerAvailable(c) {
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	var lookback time.Duration
	if req.Lookback != "" {
		d, err := time.ParseDuration(req.Lookback)
		if err != nil || d <= 0 {
			errorJSON(c, http.StatusBadRequest, "lookback must be a positive duration such as 720h")
			return
		}
		lookback = d
	}

	sc, err := h.scheduler.Add(reporting.Schedule{
		ReportType:  req.ReportType,
		Spec:        req.Spec,
		Lookback:    lookback,
		RequestedBy: actorFrom(c).ID,
	})
	switch {
	case errors.Is(err, reporting.ErrTooManySchedules):
		errorJSON(c, http.StatusConflict, err.Error())
		return
	case err != nil:
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, sc)
}

// ListSchedules returns every registered schedule
func (h *ComplianceHandler) ListSchedules(c *gin.Context) {
	if !h.schedulerAvailable(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": h.scheduler.List()})
}

// DeleteSchedule removes a schedule
func (h *ComplianceHandler) DeleteSchedule(c *gin.Context) {
	if !h.schedulerAvailable(c) {
		return
	}
	if err := h.scheduler.Remove(c.Param("schedule_id")); err != nil {
		if errors.Is(err, reporting.ErrScheduleNotFound) {
			errorJSON(c, http.StatusNotFound, "Schedule not found")
			return
		}
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// RunSchedule fires a schedule immediately
func (h *ComplianceHandler) RunSchedule(c *gin.Context) {
	if !h.schedulerAvailable(c) {
		return
	}
	gen, err := h.scheduler.RunNow(c.Request.Context(), c.Param("schedule_id"))
	switch {
	case errors.Is(err, reporting.ErrScheduleNotFound):
		errorJSON(c, http.StatusNotFound, "Schedule not found")
		return
	case errors.Is(err, reporting.ErrServiceNotRunning):
		errorJSON(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gen.Report)
}

func (h *ComplianceHandler) schedulerAvailable(c *gin.Context) bool {
	if h.scheduler == nil {
		errorJSON(c, http.StatusServiceUnavailable, "Report scheduling is disabled")
		return false
	}
	return true
}
