package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// fakeClock is a manually advanced time source for limiterSet.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func clockedLimiter(cfg RateLimitConfig) (*limiterSet, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newLimiterSet(cfg)
	s.now = clock.now
	return s, clock
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/cart/calculate", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	s, clock := clockedLimiter(RateLimitConfig{Max: 3, Window: 30 * time.Second})
	h := s.middleware()(okHandler())

	for i, wantRemaining := range []string{"2", "1", "0"} {
		w := hit(h, "10.0.0.1:1000")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, wantRemaining, w.Header().Get("X-RateLimit-Remaining"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	}

	w := hit(h, "10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	// One token per 10s.
	assert.Equal(t, "10", w.Header().Get("Retry-After"))
	assert.Equal(t,
		clock.t.Add(30*time.Second).Unix(),
		mustParseInt(t, w.Header().Get("X-RateLimit-Reset")),
	)

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimit_RejectedRequestSpendsNothing(t *testing.T) {
	s, clock := clockedLimiter(RateLimitConfig{Max: 1, Window: 10 * time.Second})
	h := s.middleware()(okHandler())

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1000").Code)
	for range 5 {
		require.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:1000").Code)
	}

	clock.advance(10 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1000").Code)
}

func TestRateLimit_Refill(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{name: "not yet", elapsed: 9 * time.Second, want: http.StatusTooManyRequests},
		{name: "one token", elapsed: 10 * time.Second, want: http.StatusOK},
		{name: "long idle", elapsed: time.Hour, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := clockedLimiter(RateLimitConfig{Max: 2, Window: 20 * time.Second})
			h := s.middleware()(okHandler())

			for range 2 {
				require.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1000").Code)
			}
			clock.advance(tt.elapsed)
			assert.Equal(t, tt.want, hit(h, "10.0.0.1:1000").Code)
		})
	}
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	h := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1234").Code)
	// Same host, different port.
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.1:5678").Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		Max:     1,
		Window:  time.Minute,
		KeyFunc: KeyByHeader("api_key"),
	})(okHandler())

	send := func(key, addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/codes/redeem", nil)
		req.RemoteAddr = addr
		req.Header.Set("api_key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("key-a", "10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, send("key-a", "10.0.0.2:1"), "budget follows the key across addresses")
	assert.Equal(t, http.StatusOK, send("key-b", "10.0.0.1:1"))
}

func TestRateLimit_SkipPaths(t *testing.T) {
	h := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		Skip:   SkipPaths("/livez", "/readyz"),
	})(okHandler())

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		req.RemoteAddr = "10.1.1.1:1000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	assert.Equal(t, http.StatusOK, hit(h, "10.1.1.1:1000").Code, "health checks do not spend the budget")
}

func TestLimiterSet_Evict(t *testing.T) {
	s, clock := clockedLimiter(RateLimitConfig{Max: 4, Window: time.Minute})

	_, _, ok := s.take("a", clock.t)
	require.True(t, ok)
	clock.advance(30 * time.Second)
	_, _, ok = s.take("b", clock.t)
	require.True(t, ok)
	require.Equal(t, 2, s.size())

	clock.advance(30 * time.Second)
	s.evict(clock.t)
	assert.Equal(t, 1, s.size(), "only the bucket idle for a full window goes")

	clock.advance(time.Minute)
	s.evict(clock.t)
	assert.Zero(t, s.size())
}

func TestRateLimitWithCleanup_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := RateLimitWithCleanup(ctx, RateLimitConfig{Max: 1, Window: time.Millisecond})(okHandler())
	cancel()

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.9:1").Code)
}

func TestDefaultKeyFunc(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:4444", want: "192.0.2.1"},
		{name: "remote addr without port", remote: "192.0.2.1", want: "192.0.2.1"},
		{
			name:    "first forwarded hop",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"},
			remote:  "192.0.2.1:4444",
			want:    "203.0.113.50",
		},
		{
			name:    "real ip",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			remote:  "192.0.2.1:4444",
			want:    "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, defaultKeyFunc(req))
		})
	}
}

func TestKeyByHeader(t *testing.T) {
	key := KeyByHeader("api_key")

	withKey := httptest.NewRequest(http.MethodPost, "/", nil)
	withKey.RemoteAddr = "10.0.0.7:1234"
	withKey.Header.Set("api_key", "secret")
	assert.Equal(t, "api_key:secret", key(withKey))

	anonymous := httptest.NewRequest(http.MethodPost, "/", nil)
	anonymous.RemoteAddr = "10.0.0.7:1234"
	assert.Equal(t, "10.0.0.7", key(anonymous))
}
