// Package health serves liveness and readiness endpoints.
//
// Every check is polled by its own goroutine. A check turns unhealthy after
// failureThreshold consecutive failures and healthy again after
// successThreshold consecutive successes, so a single slow ping does not take
// the pricing service out of rotation.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// CheckFunc reports the health of one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Kind tells which health endpoint a check contributes to.
type Kind uint8

const (
	// Liveness checks failing means the process should be restarted.
	Liveness Kind = iota
	// Readiness checks failing means the process should receive no traffic.
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

const (
	defaultFailureThreshold = 3
	defaultSuccessThreshold = 1

	notReadyCheck = "_readiness"
)

// Option configures a Health.
type Option func(*Health)

// WithLogger logs every check that changes state.
func WithLogger(lg *zap.Logger) Option {
	return func(h *Health) { h.lg = lg }
}

// WithThresholds overrides the consecutive failure and success counts needed
// to flip a check. Values below one are ignored.
func WithThresholds(failure, success int) Option {
	return func(h *Health) {
		if failure > 0 {
			h.failureThreshold = failure
		}
		if success > 0 {
			h.successThreshold = success
		}
	}
}

// monitor is one registered check. fails and oks are owned by the goroutine
// polling the monitor; healthy and lastErr are read by HTTP handlers.
type monitor struct {
	kind             Kind
	name             string
	timeout          time.Duration
	fn               CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

// observe runs the check once and reports whether the monitor changed state.
func (p *monitor) observe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.fn(ctx)
	p.lastErr.Store(&err)

	was := p.healthy.Load()
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			p.healthy.Store(false)
		}
	} else {
		p.fails = 0
		p.oks++
		if p.oks >= p.successThreshold {
			p.healthy.Store(true)
		}
	}
	return was != p.healthy.Load()
}

func (p *monitor) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Health tracks the service's health checks.
type Health struct {
	lg               *zap.Logger
	failureThreshold int
	successThreshold int

	ready atomic.Bool

	// mu guards monitors and cancel. Handlers copy monitors under RLock and
	// read monitor state without it.
	mu     sync.RWMutex
	monitors []*monitor
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Health that reports not ready until SetReady(true).
func New(opts ...Option) *Health {
	h := &Health{
		lg:               zap.NewNop(),
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// AddLivenessCheck registers a check served by LiveEndpoint.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(Liveness, name, timeout, check)
}

// AddReadinessCheck registers a check served by ReadyEndpoint, such as the
// discount catalog database ping.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(Readiness, name, timeout, check)
}

func (h *Health) add(kind Kind, name string, timeout time.Duration, check CheckFunc) {
	p := &monitor{
		kind:             kind,
		name:             name,
		timeout:          timeout,
		fn:               check,
		failureThreshold: h.failureThreshold,
		successThreshold: h.successThreshold,
	}
	// Healthy until proven otherwise.
	p.healthy.Store(true)

	h.mu.Lock()
	h.monitors = append(h.monitors, p)
	h.mu.Unlock()
}

// Start polls every registered check at interval until ctx is done or Stop
// is called. Checks added after Start are not polled.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	monitors := slices.Clone(h.monitors)
	h.mu.Unlock()

	for _, p := range monitors {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.poll(ctx, p, interval)
		}()
	}
}

func (h *Health) poll(ctx context.Context, p *monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.observe(ctx) {
			h.logFlip(p)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Health) logFlip(p *monitor) {
	fields := []zap.Field{
		zap.String("check", p.name),
		zap.Stringer("kind", p.kind),
	}
	if p.healthy.Load() {
		h.lg.Info("Health check recovered", fields...)
		return
	}
	h.lg.Warn("Health check failing", append(fields, zap.Error(p.err()))...)
}

// Stop cancels the pollers and waits for them to return. It is safe to call
// more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// SetReady marks the service as accepting traffic or draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.failures(Liveness))
}

// ReadyEndpoint serves /readyz. A service that is draining reports the
// pseudo check "_readiness".
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(Readiness)
	if !h.ready.Load() {
		failures[notReadyCheck] = "service is not ready"
	}
	writeReport(w, failures)
}

// failures maps the name of every unhealthy check of kind to its last error.
func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	monitors := slices.Clone(h.monitors)
	h.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range monitors {
		if p.kind != kind || p.healthy.Load() {
			continue
		}
		msg := "check is unhealthy"
		if err := p.err(); err != nil {
			msg = err.Error()
		}
		out[p.name] = msg
	}
	return out
}

// writeReport writes {"status":"ok"} with 200, or
// {"status":"unhealthy","checks":{...}} with 503 and names sorted.
func writeReport(w http.ResponseWriter, failures map[string]string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	status := http.StatusOK
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")

		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		slices.Sort(names)

		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failures[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
