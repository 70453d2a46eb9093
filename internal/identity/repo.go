package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Repository persists teacher accounts.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const teacherColumns = `id, email, name, lab_name, uploads_enabled, password_hash, created_at`

// Insert writes a new teacher.
func (r *Repository) Insert(ctx context.Context, t Teacher) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO teachers (`+teacherColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Email, t.Name, t.LabName, t.UploadsEnabled, t.PasswordHash, t.CreatedAt)
	return err
}

// GetByID returns a teacher or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (Teacher, error) {
	return r.getOne(ctx, `SELECT `+teacherColumns+` FROM teachers WHERE id = ?`, id)
}

// GetByEmail returns a teacher or ErrNotFound.
func (r *Repository) GetByEmail(ctx context.Context, email string) (Teacher, error) {
	return r.getOne(ctx, `SELECT `+teacherColumns+` FROM teachers WHERE email = ?`, email)
}

func (r *Repository) getOne(ctx context.Context, query, arg string) (Teacher, error) {
	var t Teacher
	if err := r.db.GetContext(ctx, &t, r.db.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Teacher{}, ErrNotFound
		}
		return Teacher{}, err
	}
	return t, nil
}

// UpdateUploadsEnabled flips the uploads flag.
func (r *Repository) UpdateUploadsEnabled(ctx context.Context, id string, enabled bool) error {
	return r.updateOne(ctx, `UPDATE teachers SET uploads_enabled = ? WHERE id = ?`, enabled, id)
}

// UpdatePasswordHash replaces the stored credential.
func (r *Repository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return r.updateOne(ctx, `UPDATE teachers SET password_hash = ? WHERE id = ?`, hash, id)
}

func (r *Repository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
