package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, bdb *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit tx: %w", err)
	}

	return nil
}

// RunInTx starts a transaction when idb is a *bun.DB and otherwise joins
// the transaction idb already is.
func RunInTx(ctx context.Context, idb bun.IDB, fn func(ctx context.Context, tx bun.IDB) error) error {
	if bdb, ok := idb.(*bun.DB); ok {
		return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
			return fn(ctx, tx)
		})
	}
	return fn(ctx, idb)
}

// ExecRaw runs a raw statement through bun's placeholder formatting.
func ExecRaw(ctx context.Context, idb bun.IDB, query string, args ...any) (int64, error) {
	res, err := idb.NewRaw(query, args...).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueryRawInto runs a raw query and scans the result into dest.
func QueryRawInto(ctx context.Context, idb bun.IDB, dest any, query string, args ...any) error {
	return idb.NewRaw(query, args...).Scan(ctx, dest)
}
