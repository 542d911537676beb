package repository

import (
	"context"
	"fmt"

	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// Ledger list bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// CertRepository is the append-only issuance ledger
type CertRepository struct {
	db bun.IDB
}

// NewCertRepository creates a new ledger repository
func NewCertRepository(idb bun.IDB) *CertRepository {
	return &CertRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *CertRepository) WithTx(tx bun.Tx) *CertRepository {
	return &CertRepository{db: tx}
}

// Create appends an issue record. There is no update or delete.
func (r *CertRepository) Create(ctx context.Context, issue *models.CertificateIssue) error {
	if _, err := r.db.NewInsert().Model(issue).Exec(ctx); err != nil {
		return mapErr(err, fmt.Sprintf("certificate serial %d", issue.Serial))
	}
	return nil
}

// List returns the newest records first. limit is clamped to [1, MaxListLimit]
// and defaults to DefaultListLimit.
func (r *CertRepository) List(ctx context.Context, limit int) ([]*models.CertificateIssue, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	issues := []*models.CertificateIssue{}
	err := r.db.NewSelect().
		Model(&issues).
		OrderExpr("ci.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificate issues: %w", err)
	}
	return issues, nil
}

// GetBySerial retrieves the record for a serial
func (r *CertRepository) GetBySerial(ctx context.Context, serial uint64) (*models.CertificateIssue, error) {
	issue := new(models.CertificateIssue)
	if err := r.db.NewSelect().Model(issue).Where("ci.serial = ?", int64(serial)).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("certificate serial %d", serial))
	}
	return issue, nil
}

// Count returns the number of ledger rows
func (r *CertRepository) Count(ctx context.Context) (int, error) {
	n, err := r.db.NewSelect().Model((*models.CertificateIssue)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count certificate issues: %w", err)
	}
	return n, nil
}
