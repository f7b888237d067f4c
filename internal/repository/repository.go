// Package repository opens the configured database and picks the matching
// subscriber repository implementation.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/repository/memory"
	"github.com/countryballcards/signup/internal/repository/mysql"
	"github.com/countryballcards/signup/internal/repository/postgres"
	"github.com/countryballcards/signup/internal/service/subscriber"
	mysqldrv "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// Open creates a pooled connection for cfg and verifies it with a ping.
// The memory driver returns a nil *sql.DB.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.URL
	switch cfg.Driver {
	case DriverMemory:
		return nil, nil
	case DriverPostgres:
	case DriverMySQL:
		var err error
		if dsn, err = MySQLDSN(cfg.URL); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("database url is required for driver %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

// MySQLDSN forces the connection options the mysql repository depends on.
func MySQLDSN(raw string) (string, error) {
	c, err := mysqldrv.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	c.ParseTime = true
	c.ClientFoundRows = true
	c.Loc = time.UTC
	c.Collation = "utf8mb4_unicode_ci"
	return c.FormatDSN(), nil
}

// NewSubscriberRepo returns the repository for driver.
func NewSubscriberRepo(driver string, db *sql.DB) (subscriber.Repository, error) {
	switch driver {
	case DriverPostgres:
		return postgres.NewSubscriberRepo(db), nil
	case DriverMySQL:
		return mysql.NewSubscriberRepo(db), nil
	case DriverMemory:
		return memory.NewSubscriberRepo(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Schema returns the DDL statements for driver; memory has none.
func Schema(driver string) ([]string, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Schema(), nil
	case DriverMySQL:
		return mysql.Schema(), nil
	case DriverMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// EnsureSchema creates the subscriber tables if they do not exist.
func EnsureSchema(ctx context.Context, driver string, db *sql.DB) error {
	stmts, err := Schema(driver)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
