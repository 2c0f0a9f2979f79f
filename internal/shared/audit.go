package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleAudit is an immutable record of a role change.
type RoleAudit struct {
	ID            uuid.UUID
	ActorSubject  string
	TargetSubject string
	TargetEmail   string
	OldRole       string
	NewRole       string
	Reason        string
	OccurredAt    time.Time
}

// AuditLogger writes records into role_audit.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the audit entry. Entries are append-only.
func (l *AuditLogger) Record(ctx context.Context, entry RoleAudit) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if entry.ActorSubject == "" || entry.TargetSubject == "" {
		return errors.New("audit entry requires actor and target")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO role_audit (id, actor_subject, target_subject, target_email, old_role, new_role, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE(NULLIF($8, '0001-01-01 00:00:00+00'::timestamptz), NOW()))`,
		entry.ID, entry.ActorSubject, entry.TargetSubject, entry.TargetEmail, entry.OldRole, entry.NewRole, entry.Reason, entry.OccurredAt)
	return err
}

// ListRecent returns the most recent role changes, newest first.
func (l *AuditLogger) ListRecent(ctx context.Context, limit int) ([]RoleAudit, error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("audit logger not initialised")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, actor_subject, target_subject, target_email, old_role, new_role, reason, occurred_at
		 FROM role_audit ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []RoleAudit
	for rows.Next() {
		var e RoleAudit
		if err := rows.Scan(&e.ID, &e.ActorSubject, &e.TargetSubject, &e.TargetEmail, &e.OldRole, &e.NewRole, &e.Reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
