package limiter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseUsage(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", "100,1000")
	h.Set("X-RateLimit-Usage", "100, 321")

	u, ok := ParseUsage(h)
	require.True(t, ok)
	require.Equal(t, Usage{ShortLimit: 100, DailyLimit: 1000, ShortUsed: 100, DailyUsed: 321}, u)
	require.True(t, u.ShortExhausted())
	require.False(t, u.DailyExhausted())

	h.Set("X-RateLimit-Usage", "3")
	_, ok = ParseUsage(h)
	require.False(t, ok)

	_, ok = ParseUsage(http.Header{})
	require.False(t, ok)
}

func TestNextWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
	require.Equal(t, 7*time.Minute+30*time.Second, NextWindow(now))

	onBoundary := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	require.Equal(t, ShortWindow, NextWindow(onBoundary))
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	h := http.Header{}
	_, ok := RetryAfter(h, now)
	require.False(t, ok)

	h.Set("Retry-After", "42")
	d, ok := RetryAfter(h, now)
	require.True(t, ok)
	require.Equal(t, 42*time.Second, d)

	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	d, ok = RetryAfter(h, now)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, d)

	h.Set("Retry-After", "soon")
	_, ok = RetryAfter(h, now)
	require.False(t, ok)
}

func TestNewPacer(t *testing.T) {
	ctx := context.Background()

	free := NewPacer(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, free.Wait(ctx))
	}

	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(ctx)) // burst of one
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Error(t, p.Wait(cctx))
}
