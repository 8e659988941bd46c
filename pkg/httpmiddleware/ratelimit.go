package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client token bucket limiter.
type RateLimitConfig struct {
	// Max is the bucket size: the burst a client may send at once.
	Max int
	// Window is the time an empty bucket takes to refill to Max.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
	// Skip exempts matching requests, such as health checks, from limiting.
	Skip func(*http.Request) bool
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one token bucket per client key.
type limiterSet struct {
	burst    int
	interval time.Duration // time to earn one token
	keyFunc  func(*http.Request) string
	skip     func(*http.Request) bool
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &limiterSet{
		burst:    cfg.Max,
		interval: cfg.Window / time.Duration(cfg.Max),
		keyFunc:  cfg.KeyFunc,
		skip:     cfg.Skip,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

func (s *limiterSet) limiter(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(s.interval), s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// take spends one token for key. When the bucket is empty it reports how long
// until a token is available and spends nothing.
func (s *limiterSet) take(key string, now time.Time) (tokens float64, wait time.Duration, ok bool) {
	lim := s.limiter(key, now)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, s.interval, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return 0, d, false
	}
	return lim.TokensAt(now), 0, true
}

// evict drops buckets idle for a full refill period. Such a bucket is full
// again, so recreating it later changes nothing for the client.
func (s *limiterSet) evict(now time.Time) {
	idle := s.interval * time.Duration(s.burst)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) >= idle {
			delete(s.buckets, key)
		}
	}
}

func (s *limiterSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *limiterSet) runEviction(ctx context.Context) {
	ticker := time.NewTicker(s.interval * time.Duration(s.burst))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evict(now)
		}
	}
}

// RateLimit returns a middleware that gives every key a bucket of cfg.Max
// requests refilled over cfg.Window. An empty bucket answers 429 Too Many
// Requests with a JSON body and Retry-After. Every limited response carries
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset.
//
// Buckets are never evicted; long-running servers use RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiterSet(cfg).middleware()
}

// RateLimitWithCleanup is like RateLimit but also evicts idle buckets in the
// background until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	s := newLimiterSet(cfg)
	go s.runEviction(ctx)
	return s.middleware()
}

func (s *limiterSet) middleware() Middleware {
	limit := strconv.Itoa(s.burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.skip != nil && s.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			now := s.now()
			tokens, wait, ok := s.take(s.keyFunc(r), now)

			// The bucket is full again once the missing tokens are earned back.
			missing := float64(s.burst) - tokens
			resetAt := now.Add(time.Duration(missing * float64(s.interval)))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(0, math.Floor(tokens)))))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(resetAt.UnixMilli())/1000)), 10))

			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(rateLimitedBody)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

var rateLimitedBody = func() []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("error")
	e.Str("rate_limited")
	e.FieldStart("message")
	e.Str("rate limit exceeded")
	e.ObjEnd()
	return append([]byte(nil), e.Bytes()...)
}()

// KeyByHeader keys requests by the value of header, falling back to the
// client IP when the header is absent. Callers presenting an API key then
// share one budget across addresses.
func KeyByHeader(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return header + ":" + v
		}
		return defaultKeyFunc(r)
	}
}

// SkipPaths exempts requests whose path is one of paths.
func SkipPaths(paths ...string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.URL.Path]
		return ok
	}
}

// defaultKeyFunc returns the client IP: the first X-Forwarded-For hop, then
// X-Real-IP, then the host part of RemoteAddr.
func defaultKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
