package db

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrForeignKey is returned when a referenced row does not exist.
	ErrForeignKey = errors.New("referenced record does not exist")
)

// MapDBError maps driver constraint violations to package sentinels by
// inspecting the message, so no driver package needs importing here.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	le := strings.ToLower(err.Error())
	switch {
	// MySQL duplicate entry, Postgres unique violation (23505), SQLite unique constraint
	case strings.Contains(le, "duplicate") || strings.Contains(le, "unique") ||
		strings.Contains(le, "23505") || strings.Contains(le, "1062"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	// SQLite, Postgres (23503) and MySQL (1452) foreign key failures
	case strings.Contains(le, "foreign key") || strings.Contains(le, "23503") || strings.Contains(le, "1452"):
		return fmt.Errorf("%w: %v", ErrForeignKey, err)
	}
	return err
}
