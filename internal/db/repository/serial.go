package repository

import (
	"context"
	"fmt"

	"github.com/adamscao/sshca/internal/db"
	"github.com/uptrace/bun"
)

// SerialAllocator hands out certificate serials from the durable
// serial_counters row. The increment happens before the read, inside the
// caller's transaction, so the row lock linearizes concurrent callers.
type SerialAllocator struct {
	name string
}

// NewSerialAllocator returns the allocator for certificate serials
func NewSerialAllocator() *SerialAllocator {
	return &SerialAllocator{name: db.SerialCounterName}
}

// Next advances the counter and returns the new value. idb must be a
// transaction; the serial is consumed once that transaction commits.
func (a *SerialAllocator) Next(ctx context.Context, idb bun.IDB) (uint64, error) {
	n, err := db.ExecRaw(ctx, idb, "UPDATE serial_counters SET value = value + 1 WHERE name = ?", a.name)
	if err != nil {
		return 0, fmt.Errorf("failed to advance serial counter: %w", err)
	}
	if n != 1 {
		return 0, fmt.Errorf("serial counter %q is missing", a.name)
	}
	return a.Current(ctx, idb)
}

// Current returns the last allocated serial (0 before the first issue)
func (a *SerialAllocator) Current(ctx context.Context, idb bun.IDB) (uint64, error) {
	var value int64
	if err := db.QueryRawInto(ctx, idb, &value, "SELECT value FROM serial_counters WHERE name = ?", a.name); err != nil {
		return 0, fmt.Errorf("failed to read serial counter: %w", err)
	}
	return uint64(value), nil
}

// Reconcile raises the counter to at least the highest serial recorded in
// the ledger, so allocation after a restore never reuses a serial.
func (a *SerialAllocator) Reconcile(ctx context.Context, bdb *bun.DB) (uint64, error) {
	var current uint64
	err := db.WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		var maxSerial int64
		if err := db.QueryRawInto(ctx, tx, &maxSerial, "SELECT COALESCE(MAX(serial), 0) FROM cert_issues"); err != nil {
			return fmt.Errorf("failed to read highest issued serial: %w", err)
		}
		if _, err := db.ExecRaw(ctx, tx, "UPDATE serial_counters SET value = ? WHERE name = ? AND value < ?", maxSerial, a.name, maxSerial); err != nil {
			return fmt.Errorf("failed to reconcile serial counter: %w", err)
		}
		var err error
		current, err = a.Current(ctx, tx)
		return err
	})
	return current, err
}
