package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB wraps sqlx.DB so repositories can write queries once with `?` placeholders
// and have them rebound for the active driver.
type DB struct {
	Client *sqlx.DB
}

// NewDB opens the database for driver and applies the schema.
// For sqlite the DSN is a file path; its directory is created when missing.
func NewDB(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// one writer keeps sqlite from returning SQLITE_BUSY under concurrent commits
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

// schema is portable between sqlite and postgres; timestamps are always written in UTC.
const schema = `
CREATE TABLE IF NOT EXISTS teachers (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	lab_name        TEXT NOT NULL,
	uploads_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	password_hash   TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_sessions (
	id          TEXT PRIMARY KEY,
	passcode    TEXT NOT NULL,
	teacher_id  TEXT NOT NULL REFERENCES teachers(id),
	lab_name    TEXT NOT NULL,
	start_time  TIMESTAMP NOT NULL,
	end_time    TIMESTAMP NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exam_sessions_teacher ON exam_sessions(teacher_id);
CREATE INDEX IF NOT EXISTS idx_exam_sessions_passcode ON exam_sessions(passcode);

CREATE TABLE IF NOT EXISTS submissions (
	session_id        TEXT NOT NULL REFERENCES exam_sessions(id),
	serial            INTEGER NOT NULL,
	student_id        TEXT NOT NULL,
	student_name      TEXT NOT NULL DEFAULT '',
	source_address    TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	stored_path       TEXT NOT NULL,
	size              BIGINT NOT NULL,
	checksum          TEXT NOT NULL,
	submitted_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, serial)
);

CREATE INDEX IF NOT EXISTS idx_submissions_student ON submissions(session_id, student_id);
CREATE INDEX IF NOT EXISTS idx_submissions_address ON submissions(session_id, source_address);
`

func migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
