package db

import (
	"context"
	"fmt"
	"time"

	"github.com/adamscao/sshca/internal/models"
	"github.com/uptrace/bun"
)

// SerialCounterName is the counter row backing certificate serials.
const SerialCounterName = "cert"

type schemaVersion struct {
	bun.BaseModel `bun:"table:schema_version"`

	Version   int       `bun:"version,notnull"`
	AppliedAt time.Time `bun:"applied_at,notnull"`
}

type migration struct {
	version int
	up      func(ctx context.Context, tx bun.Tx) error
}

var migrations = []migration{
	{version: 1, up: initializeSchema},
}

// RunMigrations applies every migration newer than the recorded schema version
func RunMigrations(ctx context.Context, bdb *bun.DB) error {
	if _, err := bdb.NewCreateTable().Model((*schemaVersion)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := SchemaVersion(ctx, bdb)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
			if err := m.up(ctx, tx); err != nil {
				return err
			}
			_, err := tx.NewInsert().Model(&schemaVersion{Version: m.version, AppliedAt: time.Now().UTC()}).Exec(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database
func SchemaVersion(ctx context.Context, bdb bun.IDB) (int, error) {
	var current int
	err := bdb.NewSelect().
		Model((*schemaVersion)(nil)).
		ColumnExpr("COALESCE(MAX(version), 0)").
		Scan(ctx, &current)
	if err != nil {
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}
	return current, nil
}

// initializeSchema creates all tables for a new database
func initializeSchema(ctx context.Context, tx bun.Tx) error {
	tables := []struct {
		model       any
		foreignKeys []string
	}{
		{model: (*models.User)(nil)},
		{model: (*models.Principal)(nil)},
		{model: (*models.Host)(nil)},
		{
			model: (*models.UserPrincipal)(nil),
			foreignKeys: []string{
				"(user_id) REFERENCES users (id)",
				"(principal_id) REFERENCES principals (id)",
			},
		},
		{
			model: (*models.HostPrincipal)(nil),
			foreignKeys: []string{
				"(host_id) REFERENCES hosts (id)",
				"(principal_id) REFERENCES principals (id)",
			},
		},
		{model: (*models.CertificateIssue)(nil)},
		{model: (*models.Revocation)(nil)},
		{model: (*models.SerialCounter)(nil)},
		{model: (*models.AuditEvent)(nil)},
	}

	for _, t := range tables {
		q := tx.NewCreateTable().Model(t.model)
		for _, fk := range t.foreignKeys {
			q = q.ForeignKey(fk)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", t.model, err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column []string
	}{
		{(*models.CertificateIssue)(nil), "idx_cert_issues_created_at", []string{"created_at"}},
		{(*models.CertificateIssue)(nil), "idx_cert_issues_requester", []string{"requester_type", "requester_id"}},
		{(*models.UserPrincipal)(nil), "idx_user_principals_principal", []string{"principal_id"}},
		{(*models.HostPrincipal)(nil), "idx_host_principals_principal", []string{"principal_id"}},
		{(*models.AuditEvent)(nil), "idx_audit_events_created_at", []string{"created_at"}},
	}
	for _, idx := range indexes {
		if _, err := tx.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.column...).Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	if _, err := tx.NewInsert().Model(&models.SerialCounter{Name: SerialCounterName, Value: 0}).Exec(ctx); err != nil {
		return fmt.Errorf("seed serial counter: %w", err)
	}

	return nil
}
