package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements are idempotent so both binaries can run them at boot.
// The two partial unique indexes are the authoritative guard for the
// one-record-per-(student, date[, subject]) invariant; the resolver maps
// violations back to an "already timed in" rejection.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sections (
		id         UUID PRIMARY KEY,
		name       TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT 'JHS',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (name, department)
	)`,
	`CREATE TABLE IF NOT EXISTS subjects (
		id         UUID PRIMARY KEY,
		code       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		department TEXT NOT NULL DEFAULT 'JHS',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS section_subjects (
		section_id UUID NOT NULL REFERENCES sections(id) ON DELETE CASCADE,
		subject_id UUID NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		position   INT  NOT NULL DEFAULT 0,
		PRIMARY KEY (section_id, subject_id)
	)`,
	`CREATE SEQUENCE IF NOT EXISTS student_number_seq`,
	`CREATE TABLE IF NOT EXISTS students (
		id            UUID PRIMARY KEY,
		lrn           TEXT NOT NULL UNIQUE,
		student_id    TEXT NOT NULL UNIQUE,
		first_name    TEXT NOT NULL,
		last_name     TEXT NOT NULL,
		email         TEXT NOT NULL DEFAULT '',
		section_id    UUID REFERENCES sections(id),
		parent_name   TEXT NOT NULL DEFAULT '',
		parent_email  TEXT NOT NULL DEFAULT '',
		parent_mobile TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id         UUID PRIMARY KEY,
		student_id UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		subject_id UUID REFERENCES subjects(id),
		day        DATE NOT NULL,
		time_in    TIMESTAMPTZ,
		time_out   TIMESTAMPTZ,
		status     TEXT NOT NULL DEFAULT 'PRESENT',
		remarks    TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attendance_daily_key
		ON attendance_records (student_id, day) WHERE subject_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attendance_subject_key
		ON attendance_records (student_id, subject_id, day) WHERE subject_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token      TEXT PRIMARY KEY,
		device_id  TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// EnsureSchema creates tables, indexes and sequences when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}
