package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// PrincipalRepository handles principal data access
type PrincipalRepository struct {
	db bun.IDB
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(idb bun.IDB) *PrincipalRepository {
	return &PrincipalRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *PrincipalRepository) WithTx(tx bun.Tx) *PrincipalRepository {
	return &PrincipalRepository{db: tx}
}

// Create creates a new principal
func (r *PrincipalRepository) Create(ctx context.Context, p *models.Principal) error {
	p.CreatedAt = time.Now().UTC()
	if _, err := r.db.NewInsert().Model(p).Exec(ctx); err != nil {
		return mapErr(err, fmt.Sprintf("principal %q", p.Name))
	}
	return nil
}

// GetByID retrieves a principal by ID
func (r *PrincipalRepository) GetByID(ctx context.Context, id int64) (*models.Principal, error) {
	p := new(models.Principal)
	if err := r.db.NewSelect().Model(p).Where("p.id = ?", id).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("principal %d", id))
	}
	return p, nil
}

// GetByName retrieves a principal by name
func (r *PrincipalRepository) GetByName(ctx context.Context, name string) (*models.Principal, error) {
	p := new(models.Principal)
	if err := r.db.NewSelect().Model(p).Where("p.name = ?", name).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("principal %q", name))
	}
	return p, nil
}

// List lists all principals in creation order
func (r *PrincipalRepository) List(ctx context.Context) ([]*models.Principal, error) {
	principals := []*models.Principal{}
	if err := r.db.NewSelect().Model(&principals).OrderExpr("p.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	return principals, nil
}

// Delete removes a principal and every grant that references it
func (r *PrincipalRepository) Delete(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context, tx bun.IDB) error {
		if _, err := tx.NewDelete().Model((*models.UserPrincipal)(nil)).Where("principal_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete user grants: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.HostPrincipal)(nil)).Where("principal_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete host grants: %w", err)
		}
		res, err := tx.NewDelete().Model((*models.Principal)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete principal: %w", err)
		}
		return requireAffected(res, fmt.Sprintf("principal %d", id))
	})
}
