// Package handlers exposes the compliance engine over HTTP.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/audit"
	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/currency"
	"github.com/medlims/compliance-engine/internal/metrics"
	"github.com/medlims/compliance-engine/internal/notification"
	"github.com/medlims/compliance-engine/internal/reporting"
)

// Dependencies are the components served by ComplianceHandler. Scheduler,
// Notifier, Metrics and Realtime may be nil.
type Dependencies struct {
	Reports   *reporting.Service
	Scheduler *reporting.Scheduler
	Exporter  *reporting.Exporter
	Trail     *audit.Trail
	Currency  *currency.Service
	Notifier  notification.Notifier
	Metrics   *metrics.Collector
	Realtime  http.Handler

	// RecordRequests writes report requests, views and exports into the audit trail
	RecordRequests bool
}

// ComplianceHandler handles compliance reporting HTTP requests
type ComplianceHandler struct {
	reports   *reporting.Service
	scheduler *reporting.Scheduler
	exporter  *reporting.Exporter
	trail     *audit.Trail
	currency  *currency.Service
	notifier  notification.Notifier
	metrics   *metrics.Collector
	realtime  http.Handler
	recordReq bool
	security  config.SecurityConfig
	logger    *zap.Logger
}

// NewComplianceHandler creates a new compliance handler
func NewComplianceHandler(deps Dependencies, security config.SecurityConfig, logger *zap.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		reports:   deps.Reports,
		scheduler: deps.Scheduler,
		exporter:  deps.Exporter,
		trail:     deps.Trail,
		currency:  deps.Currency,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		realtime:  deps.Realtime,
		recordReq: deps.RecordRequests,
		security:  security,
		logger:    logger,
	}
}

// RegisterRoutes registers all compliance routes
func (h *ComplianceHandler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestLogger(h.logger, h.metrics))
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api/v1")
	api.GET("/health", h.HealthCheck)
	api.Use(Auth(h.security, h.logger))

	// Reports
	api.POST("/reports/generate", h.GenerateReport)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/types", h.GetReportTypes)
	api.GET("/reports/schedules", h.ListSchedules)
	api.POST("/reports/schedules", h.CreateSchedule)
	api.DELETE("/reports/schedules/:schedule_id", h.DeleteSchedule)
	api.POST("/reports/schedules/:schedule_id/run", h.RunSchedule)
	api.GET("/reports/:report_id", h.GetReport)
	api.GET("/reports/:report_id/export", h.ExportReport)

	// Audit trail
	api.GET("/audit/trail", h.GetAuditTrail)
	api.GET("/audit/statistics", h.GetAuditStatistics)
	api.POST("/audit/sync", h.SyncAuditTrail)

	// Currency
	api.POST("/currency/sum", h.SumAmounts)
	api.POST("/currency/format", h.FormatAmount)

	if h.realtime != nil {
		api.GET("/ws", gin.WrapH(h.realtime))
	}
}

// HealthCheck reports service liveness
func (h *ComplianceHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       "compliance-engine",
		"timestamp":     time.Now().UTC(),
		"reports":       len(h.reports.Reports()),
		"audit_entries": h.trail.Len(),
	})
}

// recordAudit writes a request into the audit trail. Failures are logged only.
func (h *ComplianceHandler) recordAudit(c *gin.Context, action, resourceID string, outcome compliance.Outcome, details map[string]interface{}) {
	if !h.recordReq {
		return
	}
	entry := compliance.AuditTrailEntry{
		Actor:        actorFrom(c),
		Action:       action,
		ResourceType: "ComplianceReport",
		ResourceID:   resourceID,
		Outcome:      outcome,
		Details:      details,
	}
	if _, err := h.trail.Record(c.Request.Context(), entry); err != nil {
		h.logger.Warn("Failed to record audit entry", zap.String("action", action), zap.Error(err))
	}
}

func (h *ComplianceHandler) warn(ctx context.Context, title, body string) {
	if err := notification.Warning(ctx, h.notifier, title, body); err != nil {
		h.logger.Debug("Failed to send notification", zap.Error(err))
	}
}

func errorJSON(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
