package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS preprocess_jobs (
		id varchar(64) PRIMARY KEY,
		job_type varchar(64) NOT NULL,
		status varchar(32) NOT NULL,
		payload jsonb NOT NULL,
		result jsonb,
		error jsonb,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS preprocess_jobs_created_at_idx ON preprocess_jobs (created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS preprocess_jobs_status_idx ON preprocess_jobs (status)`,
	`CREATE TABLE IF NOT EXISTS uav_tiles_meta (
		id uuid PRIMARY KEY,
		job_id varchar(64) NOT NULL REFERENCES preprocess_jobs(id),
		parcel_id varchar(64),
		mission_id varchar(64),
		tile_path text NOT NULL,
		bounds jsonb NOT NULL,
		crs varchar(64),
		resolution double precision,
		generated_at timestamptz NOT NULL,
		metadata jsonb NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS uav_tiles_meta_job_idx ON uav_tiles_meta (job_id)`,
	`CREATE INDEX IF NOT EXISTS uav_tiles_meta_parcel_mission_idx ON uav_tiles_meta (parcel_id, mission_id)`,
	`CREATE TABLE IF NOT EXISTS sensor_series_norm (
		id bigserial PRIMARY KEY,
		job_id varchar(64) NOT NULL REFERENCES preprocess_jobs(id),
		parcel_id varchar(64),
		sensor_id varchar(128) NOT NULL,
		metric_type varchar(64) NOT NULL,
		observed_at timestamptz NOT NULL,
		value double precision NOT NULL,
		quality_flag varchar(32),
		metadata jsonb NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sensor_series_norm_job_idx ON sensor_series_norm (job_id)`,
	`CREATE INDEX IF NOT EXISTS sensor_series_norm_parcel_idx ON sensor_series_norm (parcel_id, metric_type, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS imagery_files (
		id uuid PRIMARY KEY,
		parcel_id varchar(128) NOT NULL,
		mission_id varchar(128) NOT NULL,
		content_hash char(64) NOT NULL,
		source_path text NOT NULL,
		size_bytes bigint NOT NULL,
		object_name text,
		job_id varchar(64),
		claimed_at timestamptz NOT NULL,
		UNIQUE (parcel_id, mission_id, content_hash)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS preprocess_jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS preprocess_jobs_created_at_idx ON preprocess_jobs (created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS preprocess_jobs_status_idx ON preprocess_jobs (status)`,
	`CREATE TABLE IF NOT EXISTS uav_tiles_meta (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES preprocess_jobs(id),
		parcel_id TEXT,
		mission_id TEXT,
		tile_path TEXT NOT NULL,
		bounds TEXT NOT NULL,
		crs TEXT,
		resolution REAL,
		generated_at TEXT NOT NULL,
		metadata TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS uav_tiles_meta_job_idx ON uav_tiles_meta (job_id)`,
	`CREATE INDEX IF NOT EXISTS uav_tiles_meta_parcel_mission_idx ON uav_tiles_meta (parcel_id, mission_id)`,
	`CREATE TABLE IF NOT EXISTS sensor_series_norm (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES preprocess_jobs(id),
		parcel_id TEXT,
		sensor_id TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		value REAL NOT NULL,
		quality_flag TEXT,
		metadata TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sensor_series_norm_job_idx ON sensor_series_norm (job_id)`,
	`CREATE INDEX IF NOT EXISTS sensor_series_norm_parcel_idx ON sensor_series_norm (parcel_id, metric_type, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS imagery_files (
		id TEXT PRIMARY KEY,
		parcel_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		source_path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		object_name TEXT,
		job_id TEXT,
		claimed_at TEXT NOT NULL,
		UNIQUE (parcel_id, mission_id, content_hash)
	)`,
}

// Migrate creates the preprocess tables and indexes when missing.
func (d *DB) Migrate(ctx context.Context) error {
	var stmts []string
	switch d.drv.Dialect() {
	case dialect.Postgres:
		stmts = postgresSchema
	case dialect.SQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", d.drv.Dialect())
	}

	for _, stmt := range stmts {
		if err := d.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			d.log.Error("schema migration failed", "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	d.log.Info("schema up to date", "dialect", d.drv.Dialect(), "statements", len(stmts))
	return nil
}
