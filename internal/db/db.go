// Package db opens the configured database behind bun and owns the schema.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/adamscao/sshca/internal/config"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Open connects to the configured backend, applies pool settings and
// verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*bun.DB, error) {
	driverName, dsn, err := driverDSN(cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite works best with a single writer; in-memory databases also
		// live and die with their one connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newBunDB(sqlDB, cfg.Driver), nil
}

func driverDSN(cfg config.DatabaseConfig) (string, string, error) {
	switch cfg.Driver {
	case "sqlite":
		return "sqlite3", sqliteDSN(cfg.DSN), nil
	case "postgres":
		// The pgx stdlib registers driver name "pgx".
		return "pgx", cfg.DSN, nil
	case "mysql":
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		mc.ParseTime = true
		return "mysql", mc.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// sqliteDSN appends the pragmas the store relies on: enforced foreign keys,
// a busy timeout, and BEGIN IMMEDIATE so writers serialize at transaction start.
func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !strings.Contains(path, ":memory:") && !strings.Contains(path, "mode=memory") {
		params += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func newBunDB(sqlDB *sql.DB, driver string) *bun.DB {
	switch driver {
	case "postgres":
		return bun.NewDB(sqlDB, pgdialect.New())
	case "mysql":
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// OpenMemory opens a private in-memory SQLite database with the schema applied.
func OpenMemory(ctx context.Context) (*bun.DB, error) {
	bdb, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"})
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, bdb); err != nil {
		bdb.Close()
		return nil, err
	}
	return bdb, nil
}
