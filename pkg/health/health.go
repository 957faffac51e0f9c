// Package health serves liveness and readiness probes.
//
// Every registered check runs on its own ticker. A check flips to unhealthy
// only after FailureThreshold consecutive failures and back to healthy after
// SuccessThreshold consecutive successes, so a single slow dependency call
// does not flap the probe.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckFunc reports whether a component is healthy.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Check is a registered health check.
type Check struct {
	Name             string
	Func             CheckFunc
	Timeout          time.Duration // default 5s
	FailureThreshold int           // default 3
	SuccessThreshold int           // default 1
}

// probe is the runtime state of a Check. The counters are owned by the
// goroutine running the check; healthy and lastErr are read by handlers.
type probe struct {
	Check
	kind Kind

	healthy atomic.Bool
	lastErr atomic.Pointer[string]

	fails     int
	successes int
}

func (p *probe) run(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(cctx)
	if err == nil {
		p.fails = 0
		p.successes++
		p.lastErr.Store(nil)
		if p.successes >= p.SuccessThreshold && !p.healthy.Swap(true) {
			zctx.From(ctx).Info("Health check recovered",
				zap.String("check", p.Name), zap.Stringer("kind", p.kind))
		}
		return
	}

	msg := err.Error()
	p.lastErr.Store(&msg)
	p.successes = 0
	p.fails++
	if p.fails >= p.FailureThreshold && p.healthy.Swap(false) {
		zctx.From(ctx).Warn("Health check failing",
			zap.String("check", p.Name), zap.Stringer("kind", p.kind), zap.Error(err))
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if msg := p.lastErr.Load(); msg != nil {
		return *msg, true
	}
	return "check is unhealthy", true
}

// Health aggregates checks. The zero value is not usable; call New.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Add registers a check. Checks start healthy. Register all checks before
// Start.
func (h *Health) Add(kind Kind, c Check) {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}

	p := &probe{Check: c, kind: kind}
	p.healthy.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// Start runs every check immediately and then every interval until Stop or
// ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append([]*probe(nil), h.probes...)
	h.mu.Unlock()

	for _, p := range probes {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop cancels the check goroutines. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness gate, typically to true after startup
// and to false when draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and all readiness checks pass.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range h.probes {
		if p.kind != kind {
			continue
		}
		if msg, failed := p.failure(); failed {
			out[p.Name] = msg
		}
	}
	return out
}

// Register mounts GET /livez and GET /readyz on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /livez", h.LiveEndpoint)
	mux.HandleFunc("GET /readyz", h.ReadyEndpoint)
}

// LiveEndpoint answers 200 {"status":"ok"} while all liveness checks pass,
// otherwise 503 with the failing checks.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.failures(Liveness))
}

// ReadyEndpoint answers like LiveEndpoint for readiness checks and the
// manual gate.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(Readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	status, text := http.StatusOK, "ok"
	if len(failures) > 0 {
		status, text = http.StatusServiceUnavailable, "unhealthy"
	}

	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(text) })
		if len(names) == 0 {
			return
		}
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failures[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
