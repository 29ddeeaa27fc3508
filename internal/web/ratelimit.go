package web

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/booker-api/internal/auth"
)

// Limiter is a per-client token bucket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter returns nil when rps is zero, which disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		l.sweepLocked(now)
		e = &entry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// sweepLocked drops buckets idle long enough to have refilled completely.
func (l *Limiter) sweepLocked(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.seen) > l.idle {
			delete(l.limiters, k)
		}
	}
}

func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(1, int(1/float64(l.rps))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by API key once that key has been verified,
// otherwise by remote IP. It runs before authentication, so unverified keys
// must not get buckets of their own. RealIP has already rewritten RemoteAddr.
func ClientKey(keys *auth.Keys) func(*http.Request) string {
	return func(r *http.Request) string {
		if k := auth.FromRequest(r); k != "" && keys.Verified(k) {
			return "key:" + k
		}
		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
