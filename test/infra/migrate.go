package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"trustgate/db"
)

// Database is a migrated pool, optionally confined to a private schema so
// runs against a shared server do not see each other's rows.
type Database struct {
	Pool   *pgxpool.Pool
	dsn    string
	schema string
}

// OpenMigrated connects to dsn and applies the embedded migrations. With
// isolate set, every pooled connection is pinned to a fresh run schema.
func OpenMigrated(ctx context.Context, dsn string, isolate bool, log logrus.FieldLogger) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	cfg.MaxConns = 32
	cfg.MaxConnIdleTime = 30 * time.Second

	d := &Database{dsn: dsn}
	if isolate {
		d.schema = fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		if err := d.exec(ctx, "CREATE SCHEMA %s"); err != nil {
			return nil, err
		}
		searchPath := fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{d.schema}.Sanitize())
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, searchPath)
			return err
		}
	}

	d.Pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("infra: open pool: %w", err)
	}
	if err := db.Migrate(ctx, d.Pool, log); err != nil {
		d.Pool.Close()
		return nil, err
	}
	return d, nil
}

// exec runs a schema statement on a dedicated connection, outside the pool.
func (d *Database) exec(ctx context.Context, format string) error {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return fmt.Errorf("infra: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, fmt.Sprintf(format, pgx.Identifier{d.schema}.Sanitize())); err != nil {
		return fmt.Errorf("infra: schema %s: %w", d.schema, err)
	}
	return nil
}

// Close releases the pool and drops the run schema, if any.
func (d *Database) Close(ctx context.Context) error {
	d.Pool.Close()
	if d.schema == "" {
		return nil
	}
	return d.exec(ctx, "DROP SCHEMA IF EXISTS %s CASCADE")
}
