package db

import (
	"context"
	"database/sql"
	"time"
)

// Per-scope key/value configuration, used when no redis cache is configured.
const (
	sqlSelectPConfig = `SELECT value FROM pconfig WHERE scope = ? AND name = ?`
	sqlUpsertPConfig = `INSERT INTO pconfig(scope, name, value, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(scope, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	sqlDeletePConfig = `DELETE FROM pconfig WHERE scope = ? AND name = ?`
)

// GetPConfig returns the value and whether it was set.
func (db *DB) GetPConfig(ctx context.Context, scope, name string) (string, bool, error) {
	var v string
	err := db.db.QueryRowContext(ctx, sqlSelectPConfig, scope, name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (db *DB) SetPConfig(ctx context.Context, scope, name, value string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertPConfig, scope, name, value, toMillis(time.Now()))
		return err
	})
}

func (db *DB) DeletePConfig(ctx context.Context, scope, name string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePConfig, scope, name)
		return err
	})
}
