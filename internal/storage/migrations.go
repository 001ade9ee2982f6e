package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	const latest = 1

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		// lock_records rows are never deleted: current_fencing_token is
		// the high-water mark that must survive the holder lease.
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS lock_records (
  tenant_id TEXT NOT NULL,
  lock_key TEXT NOT NULL,
  active_lease_id TEXT,
  current_fencing_token INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (tenant_id, lock_key)
);

CREATE TABLE IF NOT EXISTS leases (
  lease_id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  lock_key TEXT NOT NULL,
  owner_id TEXT NOT NULL,
  status TEXT NOT NULL,
  acquired_at_ns INTEGER NOT NULL,
  expires_at_ns INTEGER NOT NULL,
  last_renewed_at_ns INTEGER,
  fencing_token INTEGER NOT NULL,
  idempotency_key TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_status_expiry ON leases(status, expires_at_ns);
CREATE INDEX IF NOT EXISTS idx_leases_tenant_key ON leases(tenant_id, lock_key);

CREATE TABLE IF NOT EXISTS idempotency_acquire (
  tenant_id TEXT NOT NULL,
  request_id TEXT NOT NULL,
  lease_id TEXT NOT NULL,
  PRIMARY KEY (tenant_id, request_id)
);

CREATE TABLE IF NOT EXISTS idempotency_renew (
  tenant_id TEXT NOT NULL,
  request_id TEXT NOT NULL,
  lease_json TEXT NOT NULL,
  PRIMARY KEY (tenant_id, request_id)
);

CREATE TABLE IF NOT EXISTS idempotency_release (
  tenant_id TEXT NOT NULL,
  request_id TEXT NOT NULL,
  lease_json TEXT NOT NULL,
  PRIMARY KEY (tenant_id, request_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  lock_key TEXT NOT NULL,
  lease_id TEXT NOT NULL,
  actor TEXT NOT NULL,
  at_ns INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
