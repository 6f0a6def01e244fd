package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "compliance_engine"

// Collector manages Prometheus metrics for the compliance engine.
// A nil *Collector is valid and records nothing.
type Collector struct {
	reportsTotal       *prometheus.CounterVec
	reportDuration     *prometheus.HistogramVec
	reportsInFlight    prometheus.Gauge
	reportsExported    *prometheus.CounterVec
	auditEntriesTotal  *prometheus.CounterVec
	auditSyncTotal     *prometheus.CounterVec
	errorsHandled      *prometheus.CounterVec
	fhirRequestsTotal  *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
	scheduledRuns      *prometheus.CounterVec
}

// NewCollector registers all metrics on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		reportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Total number of report generations by type and terminal status",
			},
			[]string{"type", "status"},
		),
		reportDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_generation_duration_seconds",
				Help:      "Time from request to terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"type"},
		),
		reportsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reports_generating",
				Help:      "Number of reports currently generating",
			},
		),
		reportsExported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_exported_total",
				Help:      "Total number of report exports by format",
			},
			[]string{"format"},
		),
		auditEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_entries_total",
				Help:      "Total number of audit trail entries recorded",
			},
			[]string{"outcome"},
		),
		auditSyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_syncs_total",
				Help:      "Total number of FHIR audit event syncs",
			},
			[]string{"status"},
		),
		errorsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_handled_total",
				Help:      "Errors forwarded to the error handler by context",
			},
			[]string{"context"},
		),
		fhirRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fhir_requests_total",
				Help:      "Total number of FHIR requests by resource type and status",
			},
			[]string{"resource_type", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		scheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_runs_total",
				Help:      "Total number of scheduled report runs",
			},
			[]string{"type", "status"},
		),
	}
}

// ReportStarted marks a generation as in flight
func (c *Collector) ReportStarted() {
	if c == nil {
		return
	}
	c.reportsInFlight.Inc()
}

// ReportFinished records a terminal report status
func (c *Collector) ReportFinished(reportType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.reportsInFlight.Dec()
	c.reportsTotal.WithLabelValues(reportType, status).Inc()
	c.reportDuration.WithLabelValues(reportType).Observe(duration.Seconds())
}

func (c *Collector) RecordExport(format string) {
	if c == nil {
		return
	}
	c.reportsExported.WithLabelValues(format).Inc()
}

func (c *Collector) RecordAuditEntry(outcome string) {
	if c == nil {
		return
	}
	c.auditEntriesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAuditSync(status string) {
	if c == nil {
		return
	}
	c.auditSyncTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordHandledError(context string) {
	if c == nil {
		return
	}
	c.errorsHandled.WithLabelValues(context).Inc()
}

func (c *Collector) RecordFHIRRequest(resourceType, status string) {
	if c == nil {
		return
	}
	c.fhirRequestsTotal.WithLabelValues(resourceType, status).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	c.httpRequestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) RecordScheduledRun(reportType, status string) {
	if c == nil {
		return
	}
	c.scheduledRuns.WithLabelValues(reportType, status).Inc()
}
