// Package identity is the teacher account store: credentials, lab name and the
// uploads-enabled switch consulted on every submission.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"examgate/internal/store"
)

var (
	ErrNotFound             = errors.New("teacher not found")
	ErrEmailExists          = errors.New("a teacher with this email already exists")
	ErrAuthenticationFailed = errors.New("invalid email or password")
	ErrInvalidInput         = errors.New("name, email, lab name and password are required")
)

// bcrypt ignores everything past 72 bytes; newer versions reject it outright.
const maxPasswordBytes = 72

// Teacher is an account that can open exam sessions.
type Teacher struct {
	ID             string    `db:"id" json:"id"`
	Email          string    `db:"email" json:"email"`
	Name           string    `db:"name" json:"name"`
	LabName        string    `db:"lab_name" json:"lab_name"`
	UploadsEnabled bool      `db:"uploads_enabled" json:"uploads_enabled"`
	PasswordHash   string    `db:"password_hash" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// NewTeacher holds registration input.
type NewTeacher struct {
	Name     string
	Email    string
	LabName  string
	Password string
}

// Store wraps the repository and keeps the uploads flag cached, since it is
// read on every submission and written only by explicit teacher toggles.
type Store struct {
	repo *Repository

	mu      sync.RWMutex
	uploads map[string]bool
}

// NewStore creates a store backed by repo.
func NewStore(repo *Repository) *Store {
	return &Store{repo: repo, uploads: make(map[string]bool)}
}

// Register creates a teacher account with uploads enabled.
func (s *Store) Register(ctx context.Context, nt NewTeacher) (Teacher, error) {
	nt.Name = strings.TrimSpace(nt.Name)
	nt.LabName = strings.TrimSpace(nt.LabName)
	nt.Email = strings.ToLower(strings.TrimSpace(nt.Email))
	if nt.Name == "" || nt.Email == "" || nt.LabName == "" || nt.Password == "" {
		return Teacher{}, ErrInvalidInput
	}

	if _, err := s.repo.GetByEmail(ctx, nt.Email); err == nil {
		return Teacher{}, ErrEmailExists
	} else if !errors.Is(err, ErrNotFound) {
		return Teacher{}, err
	}

	hash, err := hashPassword(nt.Password)
	if err != nil {
		return Teacher{}, err
	}
	t := Teacher{
		ID:             uuid.NewString(),
		Email:          nt.Email,
		Name:           nt.Name,
		LabName:        nt.LabName,
		UploadsEnabled: true,
		PasswordHash:   hash,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, t); err != nil {
		// lost a race with a concurrent registration of the same address
		if store.IsUniqueViolation(err) {
			return Teacher{}, ErrEmailExists
		}
		return Teacher{}, fmt.Errorf("insert teacher: %w", err)
	}
	s.remember(t.ID, t.UploadsEnabled)
	return t, nil
}

// VerifyCredentials returns the teacher when password matches.
func (s *Store) VerifyCredentials(ctx context.Context, email, password string) (Teacher, error) {
	t, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Teacher{}, ErrAuthenticationFailed
		}
		return Teacher{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.PasswordHash), truncate(password)); err != nil {
		return Teacher{}, ErrAuthenticationFailed
	}
	s.remember(t.ID, t.UploadsEnabled)
	return t, nil
}

// ResetCredentials replaces a teacher's password.
func (s *Store) ResetCredentials(ctx context.Context, teacherID, newPassword string) error {
	if newPassword == "" {
		return ErrInvalidInput
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.repo.UpdatePasswordHash(ctx, teacherID, hash)
}

// Get returns a teacher by id.
func (s *Store) Get(ctx context.Context, teacherID string) (Teacher, error) {
	t, err := s.repo.GetByID(ctx, teacherID)
	if err != nil {
		return Teacher{}, err
	}
	s.remember(t.ID, t.UploadsEnabled)
	return t, nil
}

// UploadsEnabled reports the live uploads flag for a teacher.
func (s *Store) UploadsEnabled(ctx context.Context, teacherID string) (bool, error) {
	s.mu.RLock()
	enabled, ok := s.uploads[teacherID]
	s.mu.RUnlock()
	if ok {
		return enabled, nil
	}
	t, err := s.Get(ctx, teacherID)
	if err != nil {
		return false, err
	}
	return t.UploadsEnabled, nil
}

// SetUploadsEnabled toggles uploads for every session the teacher owns. Idempotent.
func (s *Store) SetUploadsEnabled(ctx context.Context, teacherID string, enabled bool) error {
	// hold the lock across the write so readers never see the old value after we return
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.UpdateUploadsEnabled(ctx, teacherID, enabled); err != nil {
		return err
	}
	s.uploads[teacherID] = enabled
	return nil
}

func (s *Store) remember(id string, enabled bool) {
	s.mu.Lock()
	if _, ok := s.uploads[id]; !ok {
		s.uploads[id] = enabled
	}
	s.mu.Unlock()
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(truncate(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func truncate(password string) []byte {
	b := []byte(password)
	if len(b) > maxPasswordBytes {
		b = b[:maxPasswordBytes]
	}
	return b
}
