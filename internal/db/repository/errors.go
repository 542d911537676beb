package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/adamscao/sshca/internal/apperr"
	"github.com/adamscao/sshca/internal/db"
)

// mapErr converts storage errors into the shared taxonomy; what names the
// record for the caller-facing detail.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s not found", what)
	}
	mapped := db.MapDBError(err)
	switch {
	case errors.Is(mapped, db.ErrDuplicate):
		return apperr.Conflict("%s already exists", what)
	case errors.Is(mapped, db.ErrForeignKey):
		return apperr.NotFound("%s references a missing record", what)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// requireAffected turns a zero-row mutation into NotFound.
func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("%s not found", what)
	}
	return nil
}
