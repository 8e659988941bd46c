package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func monitorsOf(h *Health, kind Kind) []*monitor {
	var out []*monitor
	for _, p := range h.monitors {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func observeN(p *monitor, n int) {
	for range n {
		p.observe(context.Background())
	}
}

func serve(t *testing.T, handler http.HandlerFunc, path string) (int, statusResponse) {
	t.Helper()

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	return w.Code, body
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		runs       int
		wantStatus int
		wantChecks map[string]string
	}{
		{name: "no checks", wantStatus: http.StatusOK},
		{
			name:       "all passing",
			checks:     map[string]CheckFunc{"goroutines": passingCheck(), "gc_pause": passingCheck()},
			runs:       3,
			wantStatus: http.StatusOK,
		},
		{
			name:       "failing below threshold",
			checks:     map[string]CheckFunc{"gc_pause": failingCheck("pause too long")},
			runs:       2,
			wantStatus: http.StatusOK,
		},
		{
			name:       "failing at threshold",
			checks:     map[string]CheckFunc{"gc_pause": failingCheck("pause too long")},
			runs:       3,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"gc_pause": "pause too long"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, check := range tt.checks {
				h.AddLivenessCheck(name, time.Second, check)
			}
			for _, p := range monitorsOf(h, Liveness) {
				observeN(p, tt.runs)
			}

			code, body := serve(t, h.LiveEndpoint, "/livez")
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddLivenessCheck("goroutines", time.Second, failingCheck("too many"))
	observeN(monitorsOf(h, Liveness)[0], 3)

	code, body := serve(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)

	// Liveness failures do not affect readiness.
	h.SetReady(true)
	code, body = serve(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	h.SetReady(false)
	code, _ = serve(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReadyEndpoint_OneOfManyFailing(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("premium_club", time.Second, failingCheck("timeout"))
	h.SetReady(true)
	for _, p := range monitorsOf(h, Readiness) {
		observeN(p, 3)
	}

	code, body := serve(t, h.ReadyEndpoint, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"premium_club": "timeout"}, body.Checks)
	assert.False(t, h.IsReady())
}

func TestReadyEndpoint_ChecksSortedByName(t *testing.T) {
	h := New()
	h.SetReady(true)
	h.AddReadinessCheck("zeta", time.Second, failingCheck("z down"))
	h.AddReadinessCheck("alpha", time.Second, failingCheck("a down"))
	for _, p := range monitorsOf(h, Readiness) {
		observeN(p, 3)
	}

	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"alpha":"a down","zeta":"z down"}}`, w.Body.String())
}

func TestMonitor_Recovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	p := monitorsOf(h, Liveness)[0]
	assert.Nil(t, p.err())

	assert.False(t, p.observe(context.Background()))
	assert.False(t, p.observe(context.Background()))
	assert.True(t, p.observe(context.Background()), "third failure flips the monitor")
	assert.False(t, p.healthy.Load())
	assert.EqualError(t, p.err(), "down")

	failing = false
	assert.True(t, p.observe(context.Background()))
	assert.True(t, p.healthy.Load())
}

func TestWithThresholds(t *testing.T) {
	h := New(WithThresholds(1, 2), WithThresholds(0, 0))
	h.AddReadinessCheck("postgres", time.Second, failingCheck("down"))
	p := monitorsOf(h, Readiness)[0]

	assert.True(t, p.observe(context.Background()))

	p.fn = passingCheck()
	assert.False(t, p.observe(context.Background()), "one success is not enough")
	assert.True(t, p.observe(context.Background()))
}

func TestStart_LogsFlips(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := New(WithLogger(zap.New(core)), WithThresholds(1, 1))
	h.AddReadinessCheck("postgres", time.Second, failingCheck("connection refused"))

	h.Start(context.Background(), time.Hour)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Health check failing").Len() == 1
	}, time.Second, 5*time.Millisecond)
	h.Stop()

	entry := logs.FilterMessage("Health check failing").All()[0]
	assert.Equal(t, "postgres", entry.ContextMap()["check"])
	assert.Equal(t, "readiness", entry.ContextMap()["kind"])
}

func TestStop_Idempotent(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())

	h.Start(context.Background(), 10*time.Millisecond)
	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)

	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(stubPinger{})(context.Background()))

	err := PingCheck(stubPinger{err: errors.New("connection refused")})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
