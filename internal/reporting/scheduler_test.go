package reporting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
)

type generateCall struct {
	reportType compliance.ReportType
	period     compliance.Period
	opts       GenerateOptions
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	err   error
}

func (g *fakeGenerator) GenerateComplianceReport(ctx context.Context, rt compliance.ReportType, period compliance.Period, opts GenerateOptions) (*Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, generateCall{reportType: rt, period: period, opts: opts})
	if g.err != nil {
		return nil, g.err
	}
	return &Generation{
		Report: compliance.ComplianceReport{ID: "gen-1", Type: rt, Status: compliance.ReportStatusGenerating},
		done:   make(chan struct{}),
	}, nil
}

func newTestScheduler(gen Generator, cfg config.ReportingConfig) *Scheduler {
	s := NewScheduler(cfg, gen, zap.NewNop(), nil)
	s.now = func() time.Time { return testPeriod.End }
	return s
}

func TestSchedulerAdd(t *testing.T) {
	s := newTestScheduler(&fakeGenerator{}, config.ReportingConfig{})

	sc, err := s.Add(Schedule{ReportType: compliance.ReportTypeCLIA, Spec: "0 6 * * 1"})
	require.NoError(t, err)
	assert.NotEmpty(t, sc.ID)
	assert.Equal(t, defaultScheduleLookback, sc.Lookback)
	assert.Len(t, s.List(), 1)

	tests := []struct {
		name     string
		schedule Schedule
		wantErr  error
	}{
		{"missing type", Schedule{Spec: "@daily"}, nil},
		{"unknown type", Schedule{ReportType: "bogus", Spec: "@daily"}, compliance.ErrUnsupportedReportType},
		{"bad cron", Schedule{ReportType: compliance.ReportTypeCLIA, Spec: "every day"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Add(tt.schedule)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
	assert.Len(t, s.List(), 1)
}

func TestSchedulerLimit(t *testing.T) {
	cfg := config.ReportingConfig{Scheduling: config.SchedulingConfig{MaxScheduledReports: 1}}
	s := newTestScheduler(&fakeGenerator{}, cfg)

	_, err := s.Add(Schedule{ReportType: compliance.ReportTypeCLIA, Spec: "@daily"})
	require.NoError(t, err)
	_, err = s.Add(Schedule{ReportType: compliance.ReportTypeCAPInspection, Spec: "@daily"})
	assert.ErrorIs(t, err, ErrTooManySchedules)
}

func TestSchedulerRunNow(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestScheduler(gen, config.ReportingConfig{})

	sc, err := s.Add(Schedule{ReportType: compliance.ReportTypeTurnaroundTime, Spec: "@weekly", Lookback: 7 * 24 * time.Hour})
	require.NoError(t, err)

	g, err := s.RunNow(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "gen-1", g.Report.ID)

	require.Len(t, gen.calls, 1)
	call := gen.calls[0]
	assert.Equal(t, compliance.ReportTypeTurnaroundTime, call.reportType)
	assert.Equal(t, testPeriod.End, call.period.End)
	assert.Equal(t, testPeriod.End.Add(-7*24*time.Hour), call.period.Start)
	assert.Equal(t, "scheduler", call.opts.RequestedBy)

	listed := s.List()[0]
	assert.Equal(t, 1, listed.RunCount)
	assert.Equal(t, "gen-1", listed.LastReportID)
	require.NotNil(t, listed.LastRun)

	t.Run("generator errors are counted", func(t *testing.T) {
		gen.err = errors.New("not running")
		_, err := s.RunNow(context.Background(), sc.ID)
		require.Error(t, err)
		assert.Equal(t, 1, s.List()[0].ErrorCount)
	})

	t.Run("unknown schedule", func(t *testing.T) {
		_, err := s.RunNow(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})
}

func TestSchedulerRemove(t *testing.T) {
	s := newTestScheduler(&fakeGenerator{}, config.ReportingConfig{})
	sc, err := s.Add(Schedule{ReportType: compliance.ReportTypeCLIA, Spec: "@hourly"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(sc.ID))
	assert.Empty(t, s.List())
	assert.ErrorIs(t, s.Remove(sc.ID), ErrScheduleNotFound)
}

func TestSchedulerStartWithConfiguredSchedules(t *testing.T) {
	cfg := config.ReportingConfig{
		DefaultLookback: 24 * time.Hour,
		Scheduling: config.SchedulingConfig{
			EnableScheduler: true,
			Schedules: []config.ScheduleConfig{
				{ReportType: string(compliance.ReportTypeCLIA), Cron: "0 2 * * *"},
			},
		},
	}
	s := newTestScheduler(&fakeGenerator{}, cfg)
	require.NoError(t, s.Start())
	defer s.Stop()

	schedules := s.List()
	require.Len(t, schedules, 1)
	assert.Equal(t, 24*time.Hour, schedules[0].Lookback)
	assert.Equal(t, compliance.ReportTypeCLIA, schedules[0].ReportType)
}
