package ledger

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Repository is the durable record of committed submissions.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	ListAll(ctx context.Context) ([]Record, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// SQLRepository persists records in the submissions table.
type SQLRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const recordColumns = `session_id, serial, student_id, student_name, source_address,
	original_filename, stored_path, size, checksum, submitted_at`

// Insert writes one record. The (session_id, serial) primary key rejects a reused serial.
func (r *SQLRepository) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO submissions (`+recordColumns+`)
		VALUES (:session_id, :serial, :student_id, :student_name, :source_address,
			:original_filename, :stored_path, :size, :checksum, :submitted_at)
	`, rec)
	return err
}

// ListBySession returns a session's records in serial order.
func (r *SQLRepository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	var out []Record
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT `+recordColumns+` FROM submissions WHERE session_id = ? ORDER BY serial
	`), sessionID)
	return out, err
}

// ListAll returns every record, grouped by session.
func (r *SQLRepository) ListAll(ctx context.Context) ([]Record, error) {
	var out []Record
	err := r.db.SelectContext(ctx, &out, `SELECT `+recordColumns+` FROM submissions ORDER BY session_id, serial`)
	return out, err
}

// DeleteBySession removes a session's records.
func (r *SQLRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM submissions WHERE session_id = ?`), sessionID)
	return err
}
