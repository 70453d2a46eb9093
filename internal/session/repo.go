package session

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository is the durable side of the registry.
type Repository interface {
	Insert(ctx context.Context, s Session) error
	Update(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Session, error)
	ListEndingAfter(ctx context.Context, t time.Time) ([]Session, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]Session, error)
}

// SQLRepository persists sessions in the exam_sessions table.
type SQLRepository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const sessionColumns = `id, passcode, teacher_id, lab_name, start_time, end_time, active, created_at`

// Insert writes a new session.
func (r *SQLRepository) Insert(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO exam_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.Passcode, s.TeacherID, s.LabName, s.StartTime, s.EndTime, s.Active, s.CreatedAt)
	return err
}

// Update stores the mutable fields of s.
func (r *SQLRepository) Update(ctx context.Context, s Session) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE exam_sessions SET end_time = ?, active = ? WHERE id = ?
	`), s.EndTime, s.Active, s.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// Delete removes the session row. Submissions must already be gone.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM exam_sessions WHERE id = ?`), id)
	return err
}

// Get returns a session by id.
func (r *SQLRepository) Get(ctx context.Context, id string) (Session, error) {
	var out []Session
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = ?`), id); err != nil {
		return Session{}, err
	}
	if len(out) == 0 {
		return Session{}, ErrNotFound
	}
	return out[0], nil
}

// ListEndingAfter returns sessions whose window ends at or after t.
func (r *SQLRepository) ListEndingAfter(ctx context.Context, t time.Time) ([]Session, error) {
	var out []Session
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM exam_sessions WHERE end_time >= ? ORDER BY created_at
	`), t)
	return out, err
}

// ListByTeacher returns the teacher's sessions, newest first.
func (r *SQLRepository) ListByTeacher(ctx context.Context, teacherID string) ([]Session, error) {
	var out []Session
	err := r.db.SelectContext(ctx, &out, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM exam_sessions WHERE teacher_id = ? ORDER BY created_at DESC
	`), teacherID)
	return out, err
}
