package httpmiddleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.5")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "10.0.0.5")
	assert.False(t, ok, "bucket should be empty")

	ok, _ = l.Allow(ctx, "10.0.0.6")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.5")
	assert.True(t, ok, "one token refilled after a second at 60/min")
	ok, _ = l.Allow(ctx, "10.0.0.5")
	assert.False(t, ok)

	now = now.Add(time.Hour)
	l.Prune()
	assert.Empty(t, l.state)
}

type stubLimiter struct {
	ok  bool
	err error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.ok, s.err }

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		limiter Limiter
		status  int
	}{
		{name: "allowed", limiter: stubLimiter{ok: true}, status: http.StatusOK},
		{name: "limited", limiter: stubLimiter{ok: false}, status: http.StatusTooManyRequests},
		{name: "limiter down fails open", limiter: stubLimiter{ok: true, err: errors.New("redis down")}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RateLimit(tt.limiter))
			r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
