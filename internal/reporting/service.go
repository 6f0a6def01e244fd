package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/metrics"
	"github.com/medlims/compliance-engine/internal/notification"
	"github.com/medlims/compliance-engine/internal/pubsub"
)

// ErrorContext is the tag generation failures are reported under
const ErrorContext = "compliance-report-generation"

var (
	// ErrServiceNotRunning is returned when a report is requested before Start or after Stop
	ErrServiceNotRunning = errors.New("reporting service is not running")
	// ErrServiceStopped is returned by Start once the service has been stopped
	ErrServiceStopped = errors.New("reporting service already stopped")
)

// ReportStore persists terminal reports
type ReportStore interface {
	SaveReport(ctx context.Context, report compliance.ComplianceReport) error
	GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error)
	ListReports(ctx context.Context, limit int) ([]compliance.ComplianceReport, error)
}

// ReportCache keeps completed reports for lookups after they leave memory.
// GetReport returns nil, nil on a miss.
type ReportCache interface {
	SetReport(ctx context.Context, report compliance.ComplianceReport) error
	GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error)
}

// EventPublisher announces finished reports
type EventPublisher interface {
	PublishReport(ctx context.Context, report compliance.ComplianceReport) error
}

// AuditRecorder receives report lifecycle entries
type AuditRecorder interface {
	Record(ctx context.Context, entry compliance.AuditTrailEntry) (compliance.AuditTrailEntry, error)
}

// GenerateOptions carries the optional attributes of a report request
type GenerateOptions struct {
	RequestedBy string
	Title       string
	Description string
}

// Service generates compliance reports and publishes the report collection
type Service struct {
	cfg          config.ReportingConfig
	logger       *zap.Logger
	validate     *validator.Validate
	builders     map[compliance.ReportType]Builder
	errorHandler notification.ErrorHandler
	notifier     notification.Notifier
	metrics      *metrics.Collector
	store        ReportStore
	cache        ReportCache
	events       EventPublisher
	audit        AuditRecorder
	now          func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	reports *pubsub.Broadcaster[[]compliance.ComplianceReport]
}

// Option configures a Service
type Option func(*Service)

// WithBuilders replaces the report builders
func WithBuilders(builders ...Builder) Option {
	return func(s *Service) {
		s.builders = make(map[compliance.ReportType]Builder, len(builders))
		for _, b := range builders {
			s.builders[b.Type()] = b
		}
	}
}

// WithErrorHandler sets the collaborator generation failures are forwarded to
func WithErrorHandler(h notification.ErrorHandler) Option {
	return func(s *Service) { s.errorHandler = h }
}

// WithNotifier sets where completion notifications go
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records generation metrics
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStore persists terminal reports
func WithStore(store ReportStore) Option {
	return func(s *Service) { s.store = store }
}

// WithCache caches completed reports
func WithCache(c ReportCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEvents publishes report lifecycle events
func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithAuditRecorder records completed and failed generations in the audit trail
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a reporting service. Without WithBuilders every report type
// is built from StaticSource, and HIPAA reports fail for lack of an audit source.
func NewService(cfg config.ReportingConfig, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		reports:  pubsub.New([]compliance.ComplianceReport{}),
	}
	WithBuilders(DefaultBuilders(StaticSource{}, nil)...)(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.errorHandler == nil {
		s.errorHandler = notification.NewErrorHandler(logger, s.metrics, s.notifier)
	}
	return s
}

// Start accepts report requests and loads persisted reports when a store is set
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		s.logger.Warn("Failed to load persisted reports", zap.Error(err))
	}
	s.logger.Info("Reporting service started", zap.Int("builders", len(s.builders)))
	return nil
}

// Stop rejects new requests, waits for in-flight generations and closes every subscription
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for in-flight reports: %w", ctx.Err())
	}

	s.cancel()
	s.reports.Close()
	s.logger.Info("Reporting service stopped")
	return err
}

// Load merges recently persisted reports into the collection
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.ListReports(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}
	for _, r := range stored {
		s.upsert(r)
	}
	return nil
}

// SupportedTypes returns the report types with a registered builder
func (s *Service) SupportedTypes() []compliance.ReportType {
	var out []compliance.ReportType
	for _, t := range compliance.ReportTypes() {
		if _, ok := s.builders[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// GenerateComplianceReport validates the request, publishes a generating report
// and builds it in the background. Build failures never surface here; they mark
// the report failed and go to the error handler. The returned Generation reports
// the final outcome.
func (s *Service) GenerateComplianceReport(ctx context.Context, reportType compliance.ReportType, period compliance.Period, opts GenerateOptions) (*Generation, error) {
	if err := s.validate.StructCtx(ctx, period); err != nil {
		return nil, fmt.Errorf("%w: %v", compliance.ErrInvalidPeriod, err)
	}

	title := opts.Title
	if title == "" {
		title = reportType.Title()
	}
	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("%s for %s to %s", title,
			period.Start.Format("2006-01-02"), period.End.Format("2006-01-02"))
	}

	report := compliance.ComplianceReport{
		ID:          uuid.NewString(),
		Type:        reportType,
		Title:       title,
		Description: description,
		GeneratedAt: s.now(),
		Period:      period,
		Status:      compliance.ReportStatusGenerating,
		RequestedBy: opts.RequestedBy,
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrServiceNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.upsert(report)
	gen := &Generation{Report: report.Clone(), done: make(chan struct{})}

	s.logger.Info("Report generation requested",
		zap.String("report_id", report.ID),
		zap.String("report_type", string(reportType)),
		zap.String("requested_by", opts.RequestedBy),
	)

	go s.run(gen, report)
	return gen, nil
}

func (s *Service) run(gen *Generation, report compliance.ComplianceReport) {
	defer s.wg.Done()

	s.metrics.ReportStarted()
	result, err := s.build(report)
	completed := s.now()
	report.CompletedAt = &completed

	if err != nil {
		report.Status = compliance.ReportStatusFailed
		report.Error = err.Error()
	} else {
		summary := result.Summary
		report.Status = compliance.ReportStatusCompleted
		report.Data = result.Data
		report.Summary = &summary
	}
	s.metrics.ReportFinished(string(report.Type), string(report.Status), completed.Sub(report.GeneratedAt))

	s.persist(report)
	s.upsert(report)

	if err != nil {
		s.errorHandler.HandleError(fmt.Errorf("report %s (%s): %w", report.ID, report.Type, err), ErrorContext)
	} else {
		s.logger.Info("Report generated",
			zap.String("report_id", report.ID),
			zap.String("report_type", string(report.Type)),
			zap.Float64("compliance_rate", report.Summary.ComplianceRate),
			zap.Int("critical_findings", report.Summary.CriticalFindings),
		)
		if nerr := notification.Success(s.ctx, s.notifier, "Report ready", fmt.Sprintf("%s has been generated", report.Title)); nerr != nil {
			s.logger.Warn("Failed to send completion notification", zap.Error(nerr))
		}
	}

	gen.finish(report.Clone(), err)
}

func (s *Service) build(report compliance.ComplianceReport) (result *BuildResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("report builder panicked: %v", r)
		}
	}()

	b, ok := s.builders[report.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", compliance.ErrUnsupportedReportType, report.Type)
	}
	result, err = b.Build(s.ctx, report.Period)
	if err == nil && result == nil {
		err = fmt.Errorf("builder for %s returned no result", report.Type)
	}
	return result, err
}

// persist writes a terminal report to the store, cache, event stream and audit trail.
// Each step is best effort.
func (s *Service) persist(report compliance.ComplianceReport) {
	ctx := s.ctx
	fields := []zap.Field{zap.String("report_id", report.ID)}

	if s.store != nil {
		if err := s.store.SaveReport(ctx, report); err != nil {
			s.logger.Warn("Failed to persist report", append(fields, zap.Error(err))...)
		}
	}
	if s.cache != nil && report.Status == compliance.ReportStatusCompleted {
		if err := s.cache.SetReport(ctx, report); err != nil {
			s.logger.Warn("Failed to cache report", append(fields, zap.Error(err))...)
		}
	}
	if s.events != nil {
		if err := s.events.PublishReport(ctx, report); err != nil {
			s.logger.Warn("Failed to publish report event", append(fields, zap.Error(err))...)
		}
	}
	if s.audit != nil {
		entry := compliance.AuditTrailEntry{
			Actor:        compliance.Actor{ID: report.RequestedBy},
			Action:       compliance.ActionReportCompleted,
			ResourceType: "ComplianceReport",
			ResourceID:   report.ID,
			Outcome:      compliance.OutcomeSuccess,
			Details:      map[string]interface{}{"report_type": string(report.Type)},
		}
		if entry.Actor.ID == "" {
			entry.Actor = compliance.Actor{ID: "system", Name: "Compliance Engine"}
		}
		if report.Status == compliance.ReportStatusFailed {
			entry.Action = compliance.ActionReportFailed
			entry.Outcome = compliance.OutcomeFailure
			entry.Details["error"] = report.Error
		}
		if _, err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("Failed to audit report", append(fields, zap.Error(err))...)
		}
	}
}

// upsert replaces a report by id, newest first. A terminal report is never
// replaced by a non-terminal one.
func (s *Service) upsert(report compliance.ComplianceReport) {
	s.reports.Update(func(cur []compliance.ComplianceReport) []compliance.ComplianceReport {
		next := make([]compliance.ComplianceReport, 0, len(cur)+1)
		found := false
		for _, r := range cur {
			if r.ID != report.ID {
				next = append(next, r)
				continue
			}
			found = true
			if r.Status.IsTerminal() && !report.Status.IsTerminal() {
				next = append(next, r)
			} else {
				next = append(next, report)
			}
		}
		if !found {
			next = append([]compliance.ComplianceReport{report}, next...)
		}
		return next
	})
}

// Reports returns the current report collection, newest first
func (s *Service) Reports() []compliance.ComplianceReport {
	cur := s.reports.Value()
	out := make([]compliance.ComplianceReport, len(cur))
	for i := range cur {
		out[i] = cur[i].Clone()
	}
	return out
}

// Report looks a report up in memory, then in the cache, then in the store
func (s *Service) Report(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	for _, r := range s.reports.Value() {
		if r.ID == id {
			c := r.Clone()
			return &c, nil
		}
	}

	if s.cache != nil {
		cached, err := s.cache.GetReport(ctx, id)
		if err != nil {
			s.logger.Warn("Report cache lookup failed", zap.String("report_id", id), zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	if s.store != nil {
		stored, err := s.store.GetReport(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			if s.cache != nil && stored.Status == compliance.ReportStatusCompleted {
				if err := s.cache.SetReport(ctx, *stored); err != nil {
					s.logger.Warn("Failed to cache report", zap.String("report_id", id), zap.Error(err))
				}
			}
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", compliance.ErrReportNotFound, id)
}

// Subscribe delivers the report collection now and after every change
func (s *Service) Subscribe() *pubsub.Subscription[[]compliance.ComplianceReport] {
	return s.reports.Subscribe()
}

// Generation is the handle of one report request
type Generation struct {
	// Report is the generating snapshot returned at request time
	Report compliance.ComplianceReport

	done  chan struct{}
	final compliance.ComplianceReport
	err   error
}

// Done is closed once the report reaches a terminal status
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the report is terminal and returns it with the build error, if any.
// If ctx ends first the generating snapshot and ctx's error are returned.
func (g *Generation) Wait(ctx context.Context) (compliance.ComplianceReport, error) {
	select {
	case <-g.done:
		return g.final, g.err
	case <-ctx.Done():
		return g.Report, ctx.Err()
	}
}

func (g *Generation) finish(report compliance.ComplianceReport, err error) {
	g.final = report
	g.err = err
	close(g.done)
}
