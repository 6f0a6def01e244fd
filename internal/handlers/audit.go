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
	"github.com/medlims/compliance-engine/internal/fhir"
)

const maxAuditPage = 1000

// parseAuditFilters reads actor_id, resource_type, action, outcome, start_time,
// end_time (RFC 3339), limit and offset from the query string
func parseAuditFilters(c *gin.Context) (compliance.AuditFilters, error) {
	f := compliance.AuditFilters{
		ActorID:      c.Query("actor_id"),
		ResourceType: c.Query("resource_type"),
		Action:       c.Query("action"),
		Outcome:      compliance.Outcome(c.Query("outcome")),
	}

	parseTime := func(name string) (*time.Time, error) {
		raw := c.Query(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		return &t, nil
	}
	parseInt := func(name string) (int, error) {
		raw := c.Query(name)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%s must be a non-negative integer", name)
		}
		return n, nil
	}

	var err error
	if f.StartTime, err = parseTime("start_time"); err != nil {
		return f, err
	}
	if f.EndTime, err = parseTime("end_time"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt("limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt("offset"); err != nil {
		return f, err
	}
	if f.Limit > maxAuditPage {
		f.Limit = maxAuditPage
	}
	return f, nil
}

// GetAuditTrail returns audit entries matching the query filters, newest first
func (h *ComplianceHandler) GetAuditTrail(c *gin.Context) {
	filters, err := parseAuditFilters(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	entries := h.trail.Query(filters)
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"filters": filters,
	})
}

// GetAuditStatistics summarizes audit entries matching the query filters
func (h *ComplianceHandler) GetAuditStatistics(c *gin.Context) {
	filters, err := parseAuditFilters(c)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, h.trail.Statistics(filters))
}

type syncRequest struct {
	PeriodStart *time.Time `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end"`
}

// SyncAuditTrail imports FHIR AuditEvents for a period, by default the last 24 hours
func (h *ComplianceHandler) SyncAuditTrail(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	end := time.Now().UTC()
	if req.PeriodEnd != nil {
		end = *req.PeriodEnd
	}
	start := end.Add(-24 * time.Hour)
	if req.PeriodStart != nil {
		start = *req.PeriodStart
	}
	if end.Before(start) {
		errorJSON(c, http.StatusBadRequest, compliance.ErrInvalidPeriod.Error())
		return
	}

	result, err := h.trail.Sync(c.Request.Context(), compliance.Period{Start: start, End: end})
	if err != nil {
		if errors.Is(err, fhir.ErrNotConfigured) {
			errorJSON(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("Audit sync failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Audit sync failed")
		return
	}
	if result.Degraded {
		h.warn(c.Request.Context(), "Audit sync degraded", "FHIR server unavailable; no entries imported")
	}
	c.JSON(http.StatusOK, result)
}
