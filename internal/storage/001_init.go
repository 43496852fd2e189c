package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE measurements (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_unix_s             INTEGER NOT NULL,
			ts_monotonic_ns       INTEGER NOT NULL,
			interface             TEXT NOT NULL DEFAULT '',
			connection_type       TEXT NOT NULL DEFAULT '',
			kind                  TEXT NOT NULL,
			target                TEXT NOT NULL,
			server_name           TEXT,
			rtt_ms                REAL,
			upload_ms             REAL,
			download_ms           REAL,
			server_processing_us  REAL,
			jitter_ms             REAL,
			loss_pct              REAL,
			status                TEXT NOT NULL,
			error                 TEXT
		) STRICT
	`); err != nil {
		return fmt.Errorf("create measurements table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX measurements_bucket_idx
		ON measurements (kind, target, server_name, ts_unix_s)
	`); err != nil {
		return fmt.Errorf("create measurements index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE events (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_unix_s INTEGER NOT NULL,
			kind      TEXT NOT NULL,
			severity  TEXT NOT NULL,
			details   TEXT NOT NULL DEFAULT ''
		) STRICT
	`); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX events_ts_idx ON events (ts_unix_s)`); err != nil {
		return fmt.Errorf("create events index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE hourly_aggregates (
			hour_start  INTEGER NOT NULL,
			interface   TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL,
			target      TEXT NOT NULL,
			server_name TEXT NOT NULL DEFAULT '',
			count       INTEGER NOT NULL,
			rtt_min_ms  REAL,
			rtt_max_ms  REAL,
			rtt_avg_ms  REAL,
			rtt_p50_ms  REAL,
			rtt_p95_ms  REAL,
			rtt_p99_ms  REAL,
			jitter_min_ms REAL,
			jitter_max_ms REAL,
			jitter_avg_ms REAL,
			loss_avg_pct  REAL,
			upload_avg_ms   REAL,
			download_avg_ms REAL,
			PRIMARY KEY (hour_start, interface, kind, target, server_name)
		) STRICT
	`); err != nil {
		return fmt.Errorf("create hourly_aggregates table: %w", err)
	}

	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	for _, stmt := range []string{
		`DROP TABLE hourly_aggregates`,
		`DROP INDEX events_ts_idx`,
		`DROP TABLE events`,
		`DROP INDEX measurements_bucket_idx`,
		`DROP TABLE measurements`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
