package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examgate/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.NewDB(store.DriverSQLite, filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(NewRepository(db.Client))
}

func TestRegisterAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tch, err := s.Register(ctx, NewTeacher{Name: "Ada", Email: " Ada@Lab.test ", LabName: "Lab 3", Password: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "ada@lab.test", tch.Email)
	assert.True(t, tch.UploadsEnabled)
	assert.NotEmpty(t, tch.ID)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "valid", email: "ada@lab.test", password: "s3cret"},
		{name: "case insensitive email", email: "ADA@lab.test", password: "s3cret"},
		{name: "wrong password", email: "ada@lab.test", password: "nope", wantErr: ErrAuthenticationFailed},
		{name: "unknown email", email: "bob@lab.test", password: "s3cret", wantErr: ErrAuthenticationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.VerifyCredentials(ctx, tt.email, tt.password)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tch.ID, got.ID)
		})
	}
}

func TestRegisterRejectsDuplicatesAndBlanks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Register(ctx, NewTeacher{Name: "Ada", Email: "ada@lab.test", LabName: "L", Password: "x"})
	require.NoError(t, err)

	_, err = s.Register(ctx, NewTeacher{Name: "Other", Email: "ADA@lab.test", LabName: "L", Password: "y"})
	require.ErrorIs(t, err, ErrEmailExists)

	_, err = s.Register(ctx, NewTeacher{Name: "", Email: "z@lab.test", LabName: "L", Password: "y"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestResetCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tch, err := s.Register(ctx, NewTeacher{Name: "Ada", Email: "ada@lab.test", LabName: "L", Password: "old"})
	require.NoError(t, err)

	require.NoError(t, s.ResetCredentials(ctx, tch.ID, "new"))

	_, err = s.VerifyCredentials(ctx, "ada@lab.test", "old")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = s.VerifyCredentials(ctx, "ada@lab.test", "new")
	require.NoError(t, err)

	require.ErrorIs(t, s.ResetCredentials(ctx, "missing", "new"), ErrNotFound)
}

func TestLongPasswordsAreTruncated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	long := strings.Repeat("a", 100)
	_, err := s.Register(ctx, NewTeacher{Name: "Ada", Email: "ada@lab.test", LabName: "L", Password: long})
	require.NoError(t, err)

	_, err = s.VerifyCredentials(ctx, "ada@lab.test", long[:72]+"different tail")
	require.NoError(t, err)
}

func TestSetUploadsEnabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tch, err := s.Register(ctx, NewTeacher{Name: "Ada", Email: "ada@lab.test", LabName: "L", Password: "x"})
	require.NoError(t, err)

	require.NoError(t, s.SetUploadsEnabled(ctx, tch.ID, false))
	require.NoError(t, s.SetUploadsEnabled(ctx, tch.ID, false))

	enabled, err := s.UploadsEnabled(ctx, tch.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	// a fresh store must read the persisted value, not a default
	fresh := NewStore(s.repo)
	enabled, err = fresh.UploadsEnabled(ctx, tch.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.ErrorIs(t, s.SetUploadsEnabled(ctx, "missing", true), ErrNotFound)
}
