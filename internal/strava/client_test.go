package strava

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/stravasync/internal/errs"
	"github.com/and161185/stravasync/internal/limiter"
)

type waits struct {
	n      atomic.Int32
	delays []time.Duration
}

func (w *waits) fn(_ context.Context, d time.Duration) error {
	w.n.Add(1)
	w.delays = append(w.delays, d)
	return nil
}

func pageJSON(firstID, n int) string {
	var b strings.Builder
	b.WriteString("[")
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		id := firstID + i
		fmt.Fprintf(&b, `{"id":%d,"name":"a%d","sport_type":"Run","start_date":%q}`,
			id, id, start.Add(-time.Duration(id)*time.Hour).Format(time.RFC3339))
	}
	b.WriteString("]")
	return b.String()
}

func newTestClient(t *testing.T, url string, w *waits, opts ...Option) *Client {
	t.Helper()
	cfg := ClientConfig{
		BaseURL:           url,
		RateLimitRetries:  5,
		RateLimitFallback: 60 * time.Second,
		RetryAttempts:     3,
		RetryBase:         time.Millisecond,
		RetryMax:          2 * time.Millisecond,
	}
	all := []Option{WithPacer(limiter.NewPacer(0))}
	if w != nil {
		all = append(all, WithWait(w.fn))
	}
	return NewClient(cfg, zaptest.NewLogger(t), append(all, opts...)...)
}

func TestFetchPage_PaginatesUntilEmptyPage(t *testing.T) {
	sizes := []int{100, 100, 37, 0}
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/athlete/activities", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "100", r.URL.Query().Get("per_page"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(pageJSON((page-1)*100+1, sizes[page-1])))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	total := 0
	for page := 1; ; page++ {
		acts, err := c.FetchPage(context.Background(), "tok", page, 100)
		require.NoError(t, err)
		if len(acts) == 0 {
			break
		}
		total += len(acts)
	}
	require.Equal(t, int32(4), requests.Load())
	require.Equal(t, 237, total)
}

func TestFetchPage_RateLimited_TwiceThenSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(pageJSON(1, 3)))
	}))
	defer srv.Close()

	w := &waits{}
	c := newTestClient(t, srv.URL, w)
	acts, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	require.Equal(t, int32(2), w.n.Load())
	require.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, w.delays)
	require.Equal(t, int32(3), requests.Load())
}

func TestFetchPage_RateLimited_NeverRecovers(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := &waits{}
	c := newTestClient(t, srv.URL, w)
	_, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, int32(5), requests.Load())
	require.Equal(t, int32(4), w.n.Load())
	for _, d := range w.delays {
		require.Equal(t, 60*time.Second, d)
	}
}

func TestFetchPage_RateLimited_WaitsForNextWindow(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		if requests.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Usage", "100,240")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Usage", "1,241")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	now := time.Date(2024, 6, 1, 10, 7, 0, 0, time.UTC)
	w := &waits{}
	c := newTestClient(t, srv.URL, w, WithClock(func() time.Time { return now }))
	acts, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.NoError(t, err)
	require.Empty(t, acts)
	require.Equal(t, []time.Duration{8 * time.Minute}, w.delays)
}

func TestFetchPage_DailyBudgetExhausted_FailsFast(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		w.Header().Set("X-RateLimit-Usage", "10,1000")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := &waits{}
	c := newTestClient(t, srv.URL, w)
	_, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, int32(1), requests.Load())
	require.Zero(t, w.n.Load())
}

func TestFetchPage_TransientThenSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(pageJSON(1, 1)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &waits{})
	acts, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, int32(3), requests.Load())
}

func TestFetchPage_TransientExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &waits{})
	_, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.ErrorIs(t, err, errs.ErrFetchFailed)
	require.NotErrorIs(t, err, errs.ErrRateLimited)
	// first attempt plus three retries
	require.Equal(t, int32(4), requests.Load())
}

func TestFetchPage_Unauthorized_NoRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &waits{})
	_, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.ErrorIs(t, err, errs.ErrFetchFailed)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchPage_ClientError_NoRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Record Not Found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &waits{})
	_, err := c.FetchPage(context.Background(), "tok", 1, 100)
	require.ErrorIs(t, err, errs.ErrFetchFailed)
	require.Contains(t, err.Error(), "Record Not Found")
	require.Equal(t, int32(1), requests.Load())
}

func TestFetchPage_InvalidPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"start_date":"2024-01-01T00:00:00Z"},{"id":987,"start_date":"never"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.FetchPage(context.Background(), "tok", 3, 100)
	require.ErrorIs(t, err, errs.ErrFetchFailed)
	require.ErrorIs(t, err, errs.ErrInvalidPayload)
	require.Contains(t, err.Error(), "page 3")
	require.Contains(t, err.Error(), "id 987")
}

func TestFetchPage_ContextCancelledDuringWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, srv.URL, nil, WithWait(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := c.FetchPage(ctx, "tok", 1, 100)
	require.ErrorIs(t, err, context.Canceled)
}
