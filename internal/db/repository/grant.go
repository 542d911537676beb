package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// GrantRepository manages the user and host principal grant relations
type GrantRepository struct {
	db bun.IDB
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(idb bun.IDB) *GrantRepository {
	return &GrantRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *GrantRepository) WithTx(tx bun.Tx) *GrantRepository {
	return &GrantRepository{db: tx}
}

// GrantUser grants a principal to a user. Re-granting is a no-op.
func (r *GrantRepository) GrantUser(ctx context.Context, userID, principalID int64) error {
	return insertGrant(ctx, r.db, &models.UserPrincipal{UserID: userID, PrincipalID: principalID},
		fmt.Sprintf("grant of principal %d to user %d", principalID, userID))
}

// RevokeUser removes a single user grant
func (r *GrantRepository) RevokeUser(ctx context.Context, userID, principalID int64) error {
	res, err := r.db.NewDelete().
		Model((*models.UserPrincipal)(nil)).
		Where("user_id = ?", userID).
		Where("principal_id = ?", principalID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke user grant: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("grant of principal %d to user %d", principalID, userID))
}

// SetUserPrincipals replaces a user's grants with principalIDs atomically
func (r *GrantRepository) SetUserPrincipals(ctx context.Context, userID int64, principalIDs []int64) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context, tx bun.IDB) error {
		exists, err := tx.NewSelect().Model((*models.User)(nil)).Where("id = ?", userID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if !exists {
			return apperr.NotFound("user %d not found", userID)
		}
		if _, err := tx.NewDelete().Model((*models.UserPrincipal)(nil)).Where("user_id = ?", userID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear user grants: %w", err)
		}
		for _, pid := range dedupeIDs(principalIDs) {
			if err := insertGrant(ctx, tx, &models.UserPrincipal{UserID: userID, PrincipalID: pid},
				fmt.Sprintf("principal %d", pid)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GrantHost grants a principal to a host. Re-granting is a no-op.
func (r *GrantRepository) GrantHost(ctx context.Context, hostID, principalID int64) error {
	return insertGrant(ctx, r.db, &models.HostPrincipal{HostID: hostID, PrincipalID: principalID},
		fmt.Sprintf("grant of principal %d to host %d", principalID, hostID))
}

// RevokeHost removes a single host grant
func (r *GrantRepository) RevokeHost(ctx context.Context, hostID, principalID int64) error {
	res, err := r.db.NewDelete().
		Model((*models.HostPrincipal)(nil)).
		Where("host_id = ?", hostID).
		Where("principal_id = ?", principalID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to revoke host grant: %w", err)
	}
	return requireAffected(res, fmt.Sprintf("grant of principal %d to host %d", principalID, hostID))
}

// SetHostPrincipals replaces a host's grants with principalIDs atomically
func (r *GrantRepository) SetHostPrincipals(ctx context.Context, hostID int64, principalIDs []int64) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context, tx bun.IDB) error {
		exists, err := tx.NewSelect().Model((*models.Host)(nil)).Where("id = ?", hostID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("failed to check host: %w", err)
		}
		if !exists {
			return apperr.NotFound("host %d not found", hostID)
		}
		if _, err := tx.NewDelete().Model((*models.HostPrincipal)(nil)).Where("host_id = ?", hostID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear host grants: %w", err)
		}
		for _, pid := range dedupeIDs(principalIDs) {
			if err := insertGrant(ctx, tx, &models.HostPrincipal{HostID: hostID, PrincipalID: pid},
				fmt.Sprintf("principal %d", pid)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UserPrincipalNames returns the names granted to a user, sorted
func (r *GrantRepository) UserPrincipalNames(ctx context.Context, userID int64) ([]string, error) {
	return userPrincipalNames(ctx, r.db, userID)
}

func insertGrant(ctx context.Context, idb bun.IDB, grant any, what string) error {
	exists, err := idb.NewSelect().Model(grant).WherePK().Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check grant: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := idb.NewInsert().Model(grant).Exec(ctx); err != nil {
		mapped := mapErr(err, what)
		if errors.Is(mapped, apperr.ErrConflict) {
			return nil
		}
		return mapped
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func userPrincipalNames(ctx context.Context, idb bun.IDB, userID int64) ([]string, error) {
	names := []string{}
	err := idb.NewSelect().
		Model((*models.Principal)(nil)).
		ColumnExpr("p.name").
		Join("JOIN user_principals AS up ON up.principal_id = p.id").
		Where("up.user_id = ?", userID).
		OrderExpr("p.name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, fmt.Errorf("failed to list user principals: %w", err)
	}
	return names, nil
}

func hostPrincipalNames(ctx context.Context, idb bun.IDB, hostID int64) ([]string, error) {
	names := []string{}
	err := idb.NewSelect().
		Model((*models.Principal)(nil)).
		ColumnExpr("p.name").
		Join("JOIN host_principals AS hp ON hp.principal_id = p.id").
		Where("hp.host_id = ?", hostID).
		OrderExpr("p.name ASC").
		Scan(ctx, &names)
	if err != nil {
		return nil, fmt.Errorf("failed to list host principals: %w", err)
	}
	return names, nil
}

type ownerPrincipal struct {
	OwnerID int64  `bun:"owner_id"`
	Name    string `bun:"name"`
}

func principalNamesByUser(ctx context.Context, idb bun.IDB) (map[int64][]string, error) {
	var rows []ownerPrincipal
	err := idb.NewSelect().
		Model((*models.Principal)(nil)).
		ColumnExpr("up.user_id AS owner_id").
		ColumnExpr("p.name AS name").
		Join("JOIN user_principals AS up ON up.principal_id = p.id").
		OrderExpr("p.name ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list user principals: %w", err)
	}
	return groupByOwner(rows), nil
}

func principalNamesByHost(ctx context.Context, idb bun.IDB) (map[int64][]string, error) {
	var rows []ownerPrincipal
	err := idb.NewSelect().
		Model((*models.Principal)(nil)).
		ColumnExpr("hp.host_id AS owner_id").
		ColumnExpr("p.name AS name").
		Join("JOIN host_principals AS hp ON hp.principal_id = p.id").
		OrderExpr("p.name ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list host principals: %w", err)
	}
	return groupByOwner(rows), nil
}

func groupByOwner(rows []ownerPrincipal) map[int64][]string {
	out := make(map[int64][]string)
	for _, row := range rows {
		out[row.OwnerID] = append(out[row.OwnerID], row.Name)
	}
	return out
}
