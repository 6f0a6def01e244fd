package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/fhir"
	"github.com/medlims/compliance-engine/internal/metrics"
	"github.com/medlims/compliance-engine/internal/pubsub"
)

// ErrMissingAction is returned when an entry has no action
var ErrMissingAction = errors.New("audit entry action is required")

// EntryStore persists audit entries
type EntryStore interface {
	SaveEntry(ctx context.Context, entry compliance.AuditTrailEntry) error
	ListEntries(ctx context.Context, filters compliance.AuditFilters) ([]compliance.AuditTrailEntry, error)
}

// EventSource searches a FHIR server and follows searchset paging
type EventSource interface {
	Search(ctx context.Context, resourceType string, params fhir.SearchParams) (*fhir.Bundle, error)
	Next(ctx context.Context, resourceType string, b *fhir.Bundle) (*fhir.Bundle, error)
}

// maxFetchPages bounds how many searchset pages one fetch follows
const maxFetchPages = 50

// Trail keeps the audit trail and publishes it to subscribers
type Trail struct {
	cfg      config.AuditConfig
	logger   *zap.Logger
	metrics  *metrics.Collector
	store    EntryStore
	source   EventSource
	pageSize int

	mu      sync.Mutex
	known   map[string]struct{}
	entries *pubsub.Broadcaster[[]compliance.AuditTrailEntry]
}

// Option configures a Trail
type Option func(*Trail)

// WithStore persists every recorded entry
func WithStore(s EntryStore) Option {
	return func(t *Trail) { t.store = s }
}

// WithEventSource enables FHIR AuditEvent fetches
func WithEventSource(src EventSource, pageSize int) Option {
	return func(t *Trail) {
		t.source = src
		if pageSize > 0 {
			t.pageSize = pageSize
		}
	}
}

// WithMetrics records audit metrics
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Trail) { t.metrics = m }
}

// NewTrail creates an empty audit trail
func NewTrail(cfg config.AuditConfig, logger *zap.Logger, opts ...Option) *Trail {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	t := &Trail{
		cfg:      cfg,
		logger:   logger,
		pageSize: 100,
		known:    make(map[string]struct{}),
		entries:  pubsub.New([]compliance.AuditTrailEntry{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load fills the trail from the store
func (t *Trail) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	stored, err := t.store.ListEntries(ctx, compliance.AuditFilters{Limit: t.cfg.MaxEntries})
	if err != nil {
		return fmt.Errorf("failed to load audit entries: %w", err)
	}
	added := t.merge(stored)
	t.logger.Info("Audit trail loaded", zap.Int("entries", added))
	return nil
}

// Record appends an entry, filling in ID, timestamp and outcome when missing
func (t *Trail) Record(ctx context.Context, entry compliance.AuditTrailEntry) (compliance.AuditTrailEntry, error) {
	if entry.Action == "" {
		return compliance.AuditTrailEntry{}, ErrMissingAction
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Outcome == "" {
		entry.Outcome = compliance.OutcomeSuccess
	}

	t.merge([]compliance.AuditTrailEntry{entry})
	t.metrics.RecordAuditEntry(string(entry.Outcome))

	if t.store != nil {
		if err := t.store.SaveEntry(ctx, entry); err != nil {
			t.logger.Warn("Failed to persist audit entry",
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
		}
	}

	t.logger.Debug("Audit entry recorded",
		zap.String("entry_id", entry.ID),
		zap.String("action", entry.Action),
		zap.String("actor_id", entry.Actor.ID),
	)
	return entry, nil
}

// merge appends entries not seen before and republishes; returns how many were added
func (t *Trail) merge(incoming []compliance.AuditTrailEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []compliance.AuditTrailEntry
	for _, e := range incoming {
		if _, ok := t.known[e.ID]; ok {
			continue
		}
		t.known[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return 0
	}

	t.entries.Update(func(cur []compliance.AuditTrailEntry) []compliance.AuditTrailEntry {
		next := make([]compliance.AuditTrailEntry, 0, len(cur)+len(fresh))
		next = append(next, cur...)
		next = append(next, fresh...)
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].Timestamp.Before(next[j].Timestamp)
		})
		if over := len(next) - t.cfg.MaxEntries; over > 0 {
			for _, dropped := range next[:over] {
				delete(t.known, dropped.ID)
			}
			next = next[over:]
		}
		return next
	})
	return len(fresh)
}

// Query returns matching entries, newest first, paginated by Limit and Offset
func (t *Trail) Query(filters compliance.AuditFilters) []compliance.AuditTrailEntry {
	return apply(t.entries.Value(), filters)
}

// Subscribe delivers the filtered trail now and after every change
func (t *Trail) Subscribe(filters compliance.AuditFilters) *pubsub.Subscription[[]compliance.AuditTrailEntry] {
	return t.entries.SubscribeMap(func(all []compliance.AuditTrailEntry) []compliance.AuditTrailEntry {
		return apply(all, filters)
	})
}

// Len returns the number of entries held
func (t *Trail) Len() int {
	return len(t.entries.Value())
}

// Close releases every subscription
func (t *Trail) Close() {
	t.entries.Close()
}

func apply(all []compliance.AuditTrailEntry, filters compliance.AuditFilters) []compliance.AuditTrailEntry {
	out := make([]compliance.AuditTrailEntry, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if filters.Matches(all[i]) {
			out = append(out, all[i])
		}
	}

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return []compliance.AuditTrailEntry{}
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(out) {
		out = out[:filters.Limit]
	}
	return out
}

// FetchFHIR searches AuditEvents recorded in period. Failures are logged and yield
// an empty result.
func (t *Trail) FetchFHIR(ctx context.Context, period compliance.Period) []compliance.AuditTrailEntry {
	entries, err := t.fetch(ctx, period)
	if err != nil {
		if !errors.Is(err, fhir.ErrNotConfigured) {
			t.logger.Error("Failed to fetch FHIR audit events", zap.Error(err))
			t.metrics.RecordAuditSync("error")
		}
		return []compliance.AuditTrailEntry{}
	}
	t.metrics.RecordAuditSync("ok")
	return entries
}

func (t *Trail) fetch(ctx context.Context, period compliance.Period) ([]compliance.AuditTrailEntry, error) {
	if t.source == nil {
		return nil, fhir.ErrNotConfigured
	}
	from, to := period.Start, period.End
	bundle, err := t.source.Search(ctx, "AuditEvent", fhir.SearchParams{
		DateFrom: &from,
		DateTo:   &to,
		Count:    t.pageSize,
	})
	if err != nil {
		return nil, err
	}

	var entries []compliance.AuditTrailEntry
	for page := 1; ; page++ {
		events, err := fhir.Resources[fhir.AuditEvent](bundle)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			entry := ev.ToEntry()
			if entry.ID == "" {
				entry.ID = uuid.NewString()
			}
			entries = append(entries, entry)
		}

		if bundle.NextLink() == "" {
			break
		}
		if page >= maxFetchPages {
			t.logger.Warn("FHIR audit fetch stopped at page limit",
				zap.Int("pages", page),
				zap.Int("entries", len(entries)),
			)
			break
		}
		if bundle, err = t.source.Next(ctx, "AuditEvent", bundle); err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page+1, err)
		}
		if bundle == nil {
			break
		}
	}
	if entries == nil {
		entries = []compliance.AuditTrailEntry{}
	}
	return entries, nil
}

// SyncResult reports what a FHIR sync imported
type SyncResult struct {
	Fetched  int  `json:"fetched"`
	Imported int  `json:"imported"`
	Degraded bool `json:"degraded"`
}

// Sync imports AuditEvents recorded in period into the trail
func (t *Trail) Sync(ctx context.Context, period compliance.Period) (SyncResult, error) {
	if t.source == nil {
		return SyncResult{}, fhir.ErrNotConfigured
	}

	entries, err := t.fetch(ctx, period)
	if err != nil {
		t.logger.Error("FHIR audit sync failed", zap.Error(err))
		t.metrics.RecordAuditSync("error")
		return SyncResult{Degraded: true}, nil
	}
	t.metrics.RecordAuditSync("ok")

	imported := t.merge(entries)
	if t.store != nil {
		for _, e := range entries {
			if err := t.store.SaveEntry(ctx, e); err != nil {
				t.logger.Warn("Failed to persist synced audit entry", zap.String("entry_id", e.ID), zap.Error(err))
			}
		}
	}

	t.logger.Info("FHIR audit sync completed",
		zap.Int("fetched", len(entries)),
		zap.Int("imported", imported),
	)
	return SyncResult{Fetched: len(entries), Imported: imported}, nil
}

// EntriesIn returns local entries in period merged with FHIR AuditEvents for the
// same window, oldest first.
func (t *Trail) EntriesIn(ctx context.Context, period compliance.Period) []compliance.AuditTrailEntry {
	start, end := period.Start, period.End
	local := t.Query(compliance.AuditFilters{StartTime: &start, EndTime: &end})

	seen := make(map[string]struct{}, len(local))
	out := make([]compliance.AuditTrailEntry, 0, len(local))
	for i := len(local) - 1; i >= 0; i-- {
		seen[local[i].ID] = struct{}{}
		out = append(out, local[i])
	}
	for _, e := range t.FetchFHIR(ctx, period) {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
