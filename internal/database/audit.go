package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
)

type entryRow struct {
	ID           string             `db:"id"`
	OccurredAt   time.Time          `db:"occurred_at"`
	ActorID      string             `db:"actor_id"`
	ActorName    string             `db:"actor_name"`
	Action       string             `db:"action"`
	ResourceType string             `db:"resource_type"`
	ResourceID   string             `db:"resource_id"`
	Details      types.NullJSONText `db:"details"`
	Outcome      string             `db:"outcome"`
}

// AuditRepository stores audit trail entries
type AuditRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAuditRepository creates an audit repository
func NewAuditRepository(db *sqlx.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// SaveEntry inserts an entry; entries are immutable so a duplicate id is ignored
func (r *AuditRepository) SaveEntry(ctx context.Context, entry compliance.AuditTrailEntry) error {
	row := entryRow{
		ID:           entry.ID,
		OccurredAt:   entry.Timestamp,
		ActorID:      entry.Actor.ID,
		ActorName:    entry.Actor.Name,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Outcome:      string(entry.Outcome),
	}
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		row.Details = types.NullJSONText{JSONText: raw, Valid: true}
	}

	query := `
		INSERT INTO audit_trail_entries (
			id, occurred_at, actor_id, actor_name, action, resource_type, resource_id, details, outcome
		) VALUES (
			:id, :occurred_at, :actor_id, :actor_name, :action, :resource_type, :resource_id, :details, :outcome
		)
		ON CONFLICT (id) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	return nil
}

// ListEntries returns matching entries, newest first
func (r *AuditRepository) ListEntries(ctx context.Context, filters compliance.AuditFilters) ([]compliance.AuditTrailEntry, error) {
	query, args := buildEntryQuery(filters)

	var rows []entryRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]compliance.AuditTrailEntry, 0, len(rows))
	for _, row := range rows {
		entry := compliance.AuditTrailEntry{
			ID:           row.ID,
			Timestamp:    row.OccurredAt.UTC(),
			Actor:        compliance.Actor{ID: row.ActorID, Name: row.ActorName},
			Action:       row.Action,
			ResourceType: row.ResourceType,
			ResourceID:   row.ResourceID,
			Outcome:      compliance.Outcome(row.Outcome),
		}
		if row.Details.Valid {
			if err := row.Details.Unmarshal(&entry.Details); err != nil {
				r.logger.Warn("Dropping undecodable audit details", zap.String("entry_id", row.ID), zap.Error(err))
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func buildEntryQuery(f compliance.AuditFilters) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.StartTime != nil {
		add("occurred_at >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("occurred_at <= $%d", *f.EndTime)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, occurred_at, actor_id, actor_name, action, resource_type, resource_id, details, outcome FROM audit_trail_entries`)
	if len(conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
