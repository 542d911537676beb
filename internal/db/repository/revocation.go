package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// RevocationRepository records revoked serials; rows are append-only
type RevocationRepository struct {
	db bun.IDB
}

// NewRevocationRepository creates a new revocation repository
func NewRevocationRepository(idb bun.IDB) *RevocationRepository {
	return &RevocationRepository{db: idb}
}

// Create revokes a serial. Revoking twice is a Conflict.
func (r *RevocationRepository) Create(ctx context.Context, rev *models.Revocation) error {
	rev.CreatedAt = time.Now().UTC()
	if _, err := r.db.NewInsert().Model(rev).Exec(ctx); err != nil {
		return mapErr(err, fmt.Sprintf("revocation of serial %d", rev.Serial))
	}
	return nil
}

// List returns every revocation ordered by serial
func (r *RevocationRepository) List(ctx context.Context) ([]*models.Revocation, error) {
	revs := []*models.Revocation{}
	if err := r.db.NewSelect().Model(&revs).OrderExpr("r.serial ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list revocations: %w", err)
	}
	return revs, nil
}

// IsRevoked reports whether serial has been revoked
func (r *RevocationRepository) IsRevoked(ctx context.Context, serial uint64) (bool, error) {
	ok, err := r.db.NewSelect().Model((*models.Revocation)(nil)).Where("serial = ?", int64(serial)).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return ok, nil
}
