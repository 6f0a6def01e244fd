package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/metrics"
)

var (
	// ErrScheduleNotFound is returned for an unknown schedule id
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrTooManySchedules is returned when the configured schedule limit is reached
	ErrTooManySchedules = errors.New("maximum number of scheduled reports reached")
)

const defaultScheduleLookback = 30 * 24 * time.Hour

// Generator requests reports
type Generator interface {
	GenerateComplianceReport(ctx context.Context, reportType compliance.ReportType, period compliance.Period, opts GenerateOptions) (*Generation, error)
}

// Schedule is a recurring report request. Every firing covers [now-Lookback, now].
type Schedule struct {
	ID           string                `json:"id"`
	ReportType   compliance.ReportType `json:"report_type" validate:"required"`
	Spec         string                `json:"spec" validate:"required"`
	Lookback     time.Duration         `json:"lookback"`
	RequestedBy  string                `json:"requested_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	LastRun      *time.Time            `json:"last_run,omitempty"`
	NextRun      *time.Time            `json:"next_run,omitempty"`
	LastReportID string                `json:"last_report_id,omitempty"`
	RunCount     int                   `json:"run_count"`
	ErrorCount   int                   `json:"error_count"`

	entryID cron.EntryID
}

// Scheduler fires recurring report requests with robfig/cron
type Scheduler struct {
	cfg       config.SchedulingConfig
	generator Generator
	logger    *zap.Logger
	metrics   *metrics.Collector
	validate  *validator.Validate
	cron      *cron.Cron
	lookback  time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	schedules map[string]*Schedule
}

// NewScheduler creates a scheduler. Schedules from cfg are added on Start.
func NewScheduler(cfg config.ReportingConfig, generator Generator, logger *zap.Logger, m *metrics.Collector) *Scheduler {
	lookback := cfg.DefaultLookback
	if lookback <= 0 {
		lookback = defaultScheduleLookback
	}
	return &Scheduler{
		cfg:       cfg.Scheduling,
		generator: generator,
		logger:    logger,
		metrics:   m,
		validate:  validator.New(),
		cron:      cron.New(cron.WithLocation(time.UTC)),
		lookback:  lookback,
		now:       func() time.Time { return time.Now().UTC() },
		schedules: make(map[string]*Schedule),
	}
}

// Start registers the configured schedules and starts the cron loop
func (s *Scheduler) Start() error {
	for _, sc := range s.cfg.Schedules {
		if _, err := s.Add(Schedule{
			ReportType: compliance.ReportType(sc.ReportType),
			Spec:       sc.Cron,
			Lookback:   sc.Lookback,
		}); err != nil {
			return fmt.Errorf("failed to add configured schedule %s (%s): %w", sc.ReportType, sc.Cron, err)
		}
	}
	s.cron.Start()
	s.logger.Info("Report scheduler started", zap.Int("schedules", len(s.List())))
	return nil
}

// Stop stops the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Report scheduler stopped")
}

// Add validates and registers a schedule
func (s *Scheduler) Add(sc Schedule) (Schedule, error) {
	if err := s.validate.Struct(sc); err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule: %w", err)
	}
	if !sc.ReportType.Valid() {
		return Schedule{}, fmt.Errorf("%w: %q", compliance.ErrUnsupportedReportType, sc.ReportType)
	}
	if _, err := cron.ParseStandard(sc.Spec); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", sc.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.cfg.MaxScheduledReports; limit > 0 && len(s.schedules) >= limit {
		return Schedule{}, ErrTooManySchedules
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Lookback <= 0 {
		sc.Lookback = s.lookback
	}
	sc.CreatedAt = s.now()

	stored := &sc
	id := sc.ID
	entryID, err := s.cron.AddFunc(sc.Spec, func() {
		if _, err := s.RunNow(context.Background(), id); err != nil {
			s.logger.Error("Scheduled report failed to start", zap.String("schedule_id", id), zap.Error(err))
		}
	})
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to schedule report: %w", err)
	}
	stored.entryID = entryID
	s.schedules[id] = stored
	s.refreshNext(stored)

	s.logger.Info("Report scheduled",
		zap.String("schedule_id", id),
		zap.String("report_type", string(sc.ReportType)),
		zap.String("spec", sc.Spec),
	)
	return *stored, nil
}

// Remove unregisters a schedule
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.cron.Remove(sc.entryID)
	delete(s.schedules, id)
	return nil
}

// List returns every schedule ordered by creation time
func (s *Scheduler) List() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RunNow requests the schedule's report immediately
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Generation, error) {
	s.mu.RLock()
	sc, ok := s.schedules[id]
	var reportType compliance.ReportType
	var lookback time.Duration
	var requestedBy string
	if ok {
		reportType, lookback, requestedBy = sc.ReportType, sc.Lookback, sc.RequestedBy
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	now := s.now()
	if requestedBy == "" {
		requestedBy = "scheduler"
	}
	gen, err := s.generator.GenerateComplianceReport(ctx, reportType, compliance.Period{
		Start: now.Add(-lookback),
		End:   now,
	}, GenerateOptions{
		RequestedBy: requestedBy,
		Description: fmt.Sprintf("Scheduled %s", reportType.Title()),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok = s.schedules[id]; ok {
		sc.LastRun = &now
		sc.RunCount++
		if err != nil {
			sc.ErrorCount++
		} else {
			sc.LastReportID = gen.Report.ID
		}
		s.refreshNext(sc)
	}

	status := "started"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordScheduledRun(string(reportType), status)
	if err != nil {
		return nil, fmt.Errorf("failed to request scheduled %s report: %w", reportType, err)
	}
	return gen, nil
}

// refreshNext must be called with the lock held
func (s *Scheduler) refreshNext(sc *Schedule) {
	entry := s.cron.Entry(sc.entryID)
	if entry.Valid() && !entry.Next.IsZero() {
		next := entry.Next
		sc.NextRun = &next
	}
}
