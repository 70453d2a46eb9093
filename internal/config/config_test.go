package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := FromViper(newViper())

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "either", cfg.UniquenessPolicy)
	assert.Equal(t, 2*time.Minute, cfg.SubmitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("SUBMIT_TIMEOUT", "45s")
	t.Setenv("UNIQUENESS_POLICY", "BOTH")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("S3_BUCKET", "exams")

	cfg := FromViper(newViper())

	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, 45*time.Second, cfg.SubmitTimeout)
	assert.Equal(t, "both", cfg.UniquenessPolicy)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.True(t, cfg.S3.Enabled())
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("RESERVATION_TTL", "soon")

	cfg := FromViper(newViper())

	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*App)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*App) {}},
		{name: "redis with address", mutate: func(a *App) { a.QueueBackend = "redis" }},
		{name: "redis without address", mutate: func(a *App) { a.QueueBackend = "redis"; a.RedisAddr = "" }, wantErr: true},
		{name: "memory ignores address", mutate: func(a *App) { a.RedisAddr = "" }},
		{name: "unknown backend", mutate: func(a *App) { a.QueueBackend = "kafka" }, wantErr: true},
		{name: "no storage root", mutate: func(a *App) { a.StorageRoot = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromViper(newViper())
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}
