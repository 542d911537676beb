package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// AuditRepository handles audit event data access
type AuditRepository struct {
	db bun.IDB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(idb bun.IDB) *AuditRepository {
	return &AuditRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *AuditRepository) WithTx(tx bun.Tx) *AuditRepository {
	return &AuditRepository{db: tx}
}

// Create appends an audit event
func (r *AuditRepository) Create(ctx context.Context, ev *models.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NewInsert().Model(ev).Exec(ctx); err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}
	return nil
}

// List lists audit events newest first, optionally filtered by action
func (r *AuditRepository) List(ctx context.Context, action string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}

	events := []*models.AuditEvent{}
	q := r.db.NewSelect().Model(&events)
	if action != "" {
		q = q.Where("ae.action = ?", action)
	}
	if err := q.OrderExpr("ae.id DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// CountByAction counts events of one action since a point in time
func (r *AuditRepository) CountByAction(ctx context.Context, action string, since time.Time) (int, error) {
	n, err := r.db.NewSelect().
		Model((*models.AuditEvent)(nil)).
		Where("action = ?", action).
		Where("created_at >= ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}
