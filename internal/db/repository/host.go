package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// HostRepository handles host data access
type HostRepository struct {
	db bun.IDB
}

// NewHostRepository creates a new host repository
func NewHostRepository(idb bun.IDB) *HostRepository {
	return &HostRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *HostRepository) WithTx(tx bun.Tx) *HostRepository {
	return &HostRepository{db: tx}
}

// Create creates a new host without a token
func (r *HostRepository) Create(ctx context.Context, host *models.Host) error {
	host.CreatedAt = time.Now().UTC()
	if _, err := r.db.NewInsert().Model(host).Exec(ctx); err != nil {
		return mapErr(err, fmt.Sprintf("host %q", host.Hostname))
	}
	host.Principals = []string{}
	return nil
}

// GetByID retrieves a host and its granted principal names
func (r *HostRepository) GetByID(ctx context.Context, id int64) (*models.Host, error) {
	host := new(models.Host)
	if err := r.db.NewSelect().Model(host).Where("h.id = ?", id).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("host %d", id))
	}
	return r.withPrincipals(ctx, host)
}

// GetByHostname retrieves a host by hostname
func (r *HostRepository) GetByHostname(ctx context.Context, hostname string) (*models.Host, error) {
	host := new(models.Host)
	if err := r.db.NewSelect().Model(host).Where("h.hostname = ?", hostname).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("host %q", hostname))
	}
	return r.withPrincipals(ctx, host)
}

func (r *HostRepository) withPrincipals(ctx context.Context, host *models.Host) (*models.Host, error) {
	names, err := hostPrincipalNames(ctx, r.db, host.ID)
	if err != nil {
		return nil, err
	}
	host.Principals = names
	return host, nil
}

// List lists all hosts in creation order
func (r *HostRepository) List(ctx context.Context) ([]*models.Host, error) {
	hosts := []*models.Host{}
	if err := r.db.NewSelect().Model(&hosts).OrderExpr("h.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	byHost, err := principalNamesByHost(ctx, r.db)
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		h.Principals = byHost[h.ID]
		if h.Principals == nil {
			h.Principals = []string{}
		}
	}
	return hosts, nil
}

// UpdateToken replaces the stored token credential in a single-row update,
// so the previous token stops verifying the moment this commits.
func (r *HostRepository) UpdateToken(ctx context.Context, id int64, hash, salt string, at time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*models.Host)(nil)).
		Set("token_hash = ?", hash).
		Set("token_salt = ?", salt).
		Set("token_created_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update host token: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("host %d", id))
}

// UpdateHostname renames a host. Grants and the token are kept.
func (r *HostRepository) UpdateHostname(ctx context.Context, id int64, hostname string) error {
	res, err := r.db.NewUpdate().
		Model((*models.Host)(nil)).
		Set("hostname = ?", hostname).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapErr(err, fmt.Sprintf("host %q", hostname))
	}
	return requireAffected(res, fmt.Sprintf("host %d", id))
}

// Delete removes a host and its grants in one transaction
func (r *HostRepository) Delete(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context, tx bun.IDB) error {
		if _, err := tx.NewDelete().Model((*models.HostPrincipal)(nil)).Where("host_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete host grants: %w", err)
		}
		res, err := tx.NewDelete().Model((*models.Host)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete host: %w", err)
		}
		return requireAffected(res, fmt.Sprintf("host %d", id))
	})
}
