package limiter

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Strava budgets requests in 15-minute windows plus a daily cap.
const ShortWindow = 15 * time.Minute

// NewPacer returns a token bucket that admits one request per interval.
// A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Usage is the provider's view of the request budget, read from
// X-RateLimit-Limit and X-RateLimit-Usage ("short,daily").
type Usage struct {
	ShortLimit, DailyLimit int
	ShortUsed, DailyUsed   int
}

// ParseUsage reads the rate-limit headers; ok is false when they are absent or malformed.
func ParseUsage(h http.Header) (u Usage, ok bool) {
	limit, ok1 := pair(h.Get("X-RateLimit-Limit"))
	used, ok2 := pair(h.Get("X-RateLimit-Usage"))
	if !ok1 || !ok2 {
		return Usage{}, false
	}
	return Usage{ShortLimit: limit[0], DailyLimit: limit[1], ShortUsed: used[0], DailyUsed: used[1]}, true
}

// ShortExhausted reports whether the 15-minute budget is spent.
func (u Usage) ShortExhausted() bool { return u.ShortLimit > 0 && u.ShortUsed >= u.ShortLimit }

// DailyExhausted reports whether the daily budget is spent.
func (u Usage) DailyExhausted() bool { return u.DailyLimit > 0 && u.DailyUsed >= u.DailyLimit }

// NextWindow returns how long until the next 15-minute window starts.
func NextWindow(now time.Time) time.Duration {
	next := now.Truncate(ShortWindow).Add(ShortWindow)
	return next.Sub(now)
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func pair(v string) ([2]int, bool) {
	var out [2]int
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
