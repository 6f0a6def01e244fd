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
	"go.uber.org/zap/zaptest"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/notification"
)

type recordedError struct {
	err error
	tag string
}

type recordingHandler struct {
	mu     sync.Mutex
	errors []recordedError
}

func (h *recordingHandler) HandleError(err error, contextTag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, recordedError{err: err, tag: contextTag})
}

func (h *recordingHandler) recorded() []recordedError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedError(nil), h.errors...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// gatedBuilder blocks until release is closed
type gatedBuilder struct {
	release chan struct{}
}

func (b *gatedBuilder) Type() compliance.ReportType { return compliance.ReportTypeCLIA }

func (b *gatedBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	<-b.release
	return &BuildResult{Data: map[string]int{"checks": 1}, Summary: compliance.NewSummary(1, 1, 0, nil)}, nil
}

type panickingBuilder struct{}

func (panickingBuilder) Type() compliance.ReportType { return compliance.ReportTypeCAPInspection }

func (panickingBuilder) Build(ctx context.Context, period compliance.Period) (*BuildResult, error) {
	panic("checklist corrupted")
}

type memoryReportStore struct {
	mu      sync.Mutex
	reports map[string]compliance.ComplianceReport
}

func newMemoryReportStore() *memoryReportStore {
	return &memoryReportStore{reports: map[string]compliance.ComplianceReport{}}
}

func (m *memoryReportStore) SaveReport(ctx context.Context, r compliance.ComplianceReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = r
	return nil
}

func (m *memoryReportStore) GetReport(ctx context.Context, id string) (*compliance.ComplianceReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memoryReportStore) ListReports(ctx context.Context, limit int) ([]compliance.ComplianceReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []compliance.ComplianceReport
	for _, r := range m.reports {
		out = append(out, r)
	}
	return out, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []compliance.AuditTrailEntry
}

func (a *memoryAudit) Record(ctx context.Context, e compliance.AuditTrailEntry) (compliance.AuditTrailEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return e, nil
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s := NewService(config.ReportingConfig{}, zaptest.NewLogger(t), opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
	})
	return s
}

func waitFor(t *testing.T, gen *Generation) (compliance.ComplianceReport, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := gen.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "generation did not finish")
	return report, err
}

func TestGenerateComplianceReport(t *testing.T) {
	t.Run("CLIA completes with ten requirement checks", func(t *testing.T) {
		s := newTestService(t)

		gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{RequestedBy: "u1"})
		require.NoError(t, err)
		assert.Equal(t, compliance.ReportStatusGenerating, gen.Report.Status)
		assert.Equal(t, "CLIA Compliance Report", gen.Report.Title)
		assert.NotEmpty(t, gen.Report.ID)

		report, err := waitFor(t, gen)
		require.NoError(t, err)
		assert.Equal(t, compliance.ReportStatusCompleted, report.Status)
		require.NotNil(t, report.Summary)
		assert.Equal(t, 10, report.Summary.TotalItems)
		assert.NotNil(t, report.Data)
		assert.NotNil(t, report.CompletedAt)
		assert.Equal(t, "u1", report.RequestedBy)
	})

	t.Run("unsupported type fails asynchronously", func(t *testing.T) {
		handler := &recordingHandler{}
		s := newTestService(t, WithErrorHandler(handler))

		gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportType("bogus"), testPeriod, GenerateOptions{})
		require.NoError(t, err)
		assert.Equal(t, compliance.ReportStatusGenerating, gen.Report.Status)

		report, err := waitFor(t, gen)
		require.ErrorIs(t, err, compliance.ErrUnsupportedReportType)
		assert.Equal(t, compliance.ReportStatusFailed, report.Status)
		assert.Contains(t, report.Error, "unsupported report type")
		assert.Contains(t, report.Error, "bogus")
		assert.Nil(t, report.Data)
		assert.Nil(t, report.Summary)

		recorded := handler.recorded()
		require.Len(t, recorded, 1)
		assert.Equal(t, ErrorContext, recorded[0].tag)
		assert.ErrorIs(t, recorded[0].err, compliance.ErrUnsupportedReportType)

		stored, err := s.Report(context.Background(), report.ID)
		require.NoError(t, err)
		assert.Equal(t, compliance.ReportStatusFailed, stored.Status)
	})

	t.Run("invalid period is rejected synchronously", func(t *testing.T) {
		s := newTestService(t)

		_, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, compliance.Period{
			Start: testPeriod.End,
			End:   testPeriod.Start,
		}, GenerateOptions{})
		require.ErrorIs(t, err, compliance.ErrInvalidPeriod)
		assert.Empty(t, s.Reports())
	})

	t.Run("zero period is rejected", func(t *testing.T) {
		s := newTestService(t)
		_, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, compliance.Period{}, GenerateOptions{})
		require.ErrorIs(t, err, compliance.ErrInvalidPeriod)
	})

	t.Run("builder panic marks the report failed", func(t *testing.T) {
		handler := &recordingHandler{}
		s := newTestService(t, WithBuilders(panickingBuilder{}), WithErrorHandler(handler))

		gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCAPInspection, testPeriod, GenerateOptions{})
		require.NoError(t, err)

		report, err := waitFor(t, gen)
		require.Error(t, err)
		assert.Equal(t, compliance.ReportStatusFailed, report.Status)
		assert.Contains(t, report.Error, "checklist corrupted")
		assert.Len(t, handler.recorded(), 1)
	})

	t.Run("not running", func(t *testing.T) {
		s := NewService(config.ReportingConfig{}, zap.NewNop())
		_, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{})
		require.ErrorIs(t, err, ErrServiceNotRunning)
	})

	t.Run("title and description override", func(t *testing.T) {
		s := newTestService(t)
		gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{
			Title:       "Q2 CLIA",
			Description: "Quarterly review",
		})
		require.NoError(t, err)
		assert.Equal(t, "Q2 CLIA", gen.Report.Title)
		assert.Equal(t, "Quarterly review", gen.Report.Description)
		_, err = waitFor(t, gen)
		require.NoError(t, err)
	})
}

func TestStatusSequence(t *testing.T) {
	gate := &gatedBuilder{release: make(chan struct{})}
	notifier := &recordingNotifier{}
	s := newTestService(t, WithBuilders(gate), WithNotifier(notifier))

	sub := s.Subscribe()
	defer sub.Unsubscribe()
	initial := <-sub.C
	assert.Empty(t, initial)

	gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{})
	require.NoError(t, err)

	snapshot := <-sub.C
	require.Len(t, snapshot, 1)
	assert.Equal(t, compliance.ReportStatusGenerating, snapshot[0].Status)
	assert.Equal(t, compliance.ReportStatusGenerating, s.Reports()[0].Status)

	close(gate.release)
	report, err := waitFor(t, gen)
	require.NoError(t, err)
	assert.Equal(t, compliance.ReportStatusCompleted, report.Status)

	snapshot = <-sub.C
	require.Len(t, snapshot, 1)
	assert.Equal(t, compliance.ReportStatusCompleted, snapshot[0].Status)
	assert.Equal(t, gen.Report.ID, snapshot[0].ID)
	assert.Equal(t, 1, notifier.count())
}

func TestReportsNewestFirst(t *testing.T) {
	s := newTestService(t)

	first, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCAPInspection, testPeriod, GenerateOptions{})
	require.NoError(t, err)
	_, err = waitFor(t, first)
	require.NoError(t, err)

	second, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeTurnaroundTime, testPeriod, GenerateOptions{})
	require.NoError(t, err)
	_, err = waitFor(t, second)
	require.NoError(t, err)

	reports := s.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, second.Report.ID, reports[0].ID)
	assert.Equal(t, first.Report.ID, reports[1].ID)
}

func TestUpsertKeepsTerminalReports(t *testing.T) {
	s := newTestService(t)

	s.upsert(compliance.ComplianceReport{ID: "r-1", Type: compliance.ReportTypeCLIA, Status: compliance.ReportStatusCompleted})
	s.upsert(compliance.ComplianceReport{ID: "r-1", Type: compliance.ReportTypeCLIA, Status: compliance.ReportStatusGenerating})

	reports := s.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, compliance.ReportStatusCompleted, reports[0].Status)

	s.upsert(compliance.ComplianceReport{ID: "r-1", Type: compliance.ReportTypeCLIA, Status: compliance.ReportStatusFailed, Error: "regenerated"})
	reports = s.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, compliance.ReportStatusFailed, reports[0].Status)

	s.upsert(compliance.ComplianceReport{ID: "r-2", Type: compliance.ReportTypeCAPInspection, Status: compliance.ReportStatusGenerating})
	reports = s.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "r-2", reports[0].ID)
}

func TestReportLookup(t *testing.T) {
	store := newMemoryReportStore()
	audit := &memoryAudit{}
	s := newTestService(t, WithStore(store), WithAuditRecorder(audit))

	gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeEquipmentMaintenance, testPeriod, GenerateOptions{})
	require.NoError(t, err)
	_, err = waitFor(t, gen)
	require.NoError(t, err)

	t.Run("persisted and audited", func(t *testing.T) {
		saved, err := store.GetReport(context.Background(), gen.Report.ID)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, compliance.ReportStatusCompleted, saved.Status)

		audit.mu.Lock()
		defer audit.mu.Unlock()
		require.Len(t, audit.entries, 1)
		assert.Equal(t, compliance.ActionReportCompleted, audit.entries[0].Action)
		assert.Equal(t, "system", audit.entries[0].Actor.ID)
	})

	t.Run("falls back to the store", func(t *testing.T) {
		other := compliance.ComplianceReport{ID: "archived", Type: compliance.ReportTypeCLIA, Status: compliance.ReportStatusCompleted}
		require.NoError(t, store.SaveReport(context.Background(), other))

		found, err := s.Report(context.Background(), "archived")
		require.NoError(t, err)
		assert.Equal(t, "archived", found.ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Report(context.Background(), "missing")
		require.ErrorIs(t, err, compliance.ErrReportNotFound)
	})
}

func TestLoadFromStore(t *testing.T) {
	store := newMemoryReportStore()
	require.NoError(t, store.SaveReport(context.Background(), compliance.ComplianceReport{
		ID:     "r-1",
		Type:   compliance.ReportTypeCLIA,
		Status: compliance.ReportStatusCompleted,
	}))

	s := newTestService(t, WithStore(store))
	reports := s.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "r-1", reports[0].ID)
}

func TestStopWaitsAndClosesSubscriptions(t *testing.T) {
	gate := &gatedBuilder{release: make(chan struct{})}
	s := NewService(config.ReportingConfig{}, zap.NewNop(), WithBuilders(gate))
	require.NoError(t, s.Start(context.Background()))

	gen, err := s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{})
	require.NoError(t, err)
	sub := s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, s.Stop(ctx), "stop should time out while a build is blocked")

	close(gate.release)
	<-gen.Done()

	for range sub.C {
	}
	_, err = s.GenerateComplianceReport(context.Background(), compliance.ReportTypeCLIA, testPeriod, GenerateOptions{})
	assert.ErrorIs(t, err, ErrServiceNotRunning)
	assert.ErrorIs(t, s.Start(context.Background()), ErrServiceStopped)
}

func TestSupportedTypes(t *testing.T) {
	s := NewService(config.ReportingConfig{}, zap.NewNop())
	assert.Equal(t, compliance.ReportTypes(), s.SupportedTypes())

	s = NewService(config.ReportingConfig{}, zap.NewNop(), WithBuilders(&gatedBuilder{}))
	assert.Equal(t, []compliance.ReportType{compliance.ReportTypeCLIA}, s.SupportedTypes())
}
