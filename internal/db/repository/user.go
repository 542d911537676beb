package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/db"
	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// UserRepository handles user data access
type UserRepository struct {
	db bun.IDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(idb bun.IDB) *UserRepository {
	return &UserRepository{db: idb}
}

// WithTx returns a repository bound to tx
func (r *UserRepository) WithTx(tx bun.Tx) *UserRepository {
	return &UserRepository{db: tx}
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	if _, err := r.db.NewInsert().Model(user).Exec(ctx); err != nil {
		return mapErr(err, fmt.Sprintf("user %q", user.Username))
	}
	user.Principals = []string{}
	return nil
}

// GetByID retrieves a user and its granted principal names
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	user := new(models.User)
	if err := r.db.NewSelect().Model(user).Where("u.id = ?", id).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("user %d", id))
	}
	return r.withPrincipals(ctx, user)
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	if err := r.db.NewSelect().Model(user).Where("u.username = ?", username).Scan(ctx); err != nil {
		return nil, mapErr(err, fmt.Sprintf("user %q", username))
	}
	return r.withPrincipals(ctx, user)
}

func (r *UserRepository) withPrincipals(ctx context.Context, user *models.User) (*models.User, error) {
	names, err := userPrincipalNames(ctx, r.db, user.ID)
	if err != nil {
		return nil, err
	}
	user.Principals = names
	return user, nil
}

// List lists all users in creation order
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	users := []*models.User{}
	if err := r.db.NewSelect().Model(&users).OrderExpr("u.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	byUser, err := principalNamesByUser(ctx, r.db)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		u.Principals = byUser[u.ID]
		if u.Principals == nil {
			u.Principals = []string{}
		}
	}
	return users, nil
}

// Update persists the mutable columns. Username is never changed.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := r.db.NewUpdate().
		Model(user).
		Column("email", "password_hash", "totp_secret", "active", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapErr(err, fmt.Sprintf("user %d", user.ID))
	}
	return requireAffected(res, fmt.Sprintf("user %d", user.ID))
}

// Delete removes a user and its grants in one transaction
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	return db.RunInTx(ctx, r.db, func(ctx context.Context, tx bun.IDB) error {
		if _, err := tx.NewDelete().Model((*models.UserPrincipal)(nil)).Where("user_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete user grants: %w", err)
		}
		res, err := tx.NewDelete().Model((*models.User)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return requireAffected(res, fmt.Sprintf("user %d", id))
	})
}
