package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLive_AllPassing(t *testing.T) {
	h := New()
	h.Add(Liveness, Check{Name: "a", Func: passing()})
	h.Add(Liveness, Check{Name: "b", Func: passing()})

	rec := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLive_FailingPastThreshold(t *testing.T) {
	h := New()
	h.Add(Liveness, Check{Name: "db", Func: failing("connection refused")})

	runN(h.probes[0], 2)
	assert.Equal(t, http.StatusOK, get(t, h.LiveEndpoint).Code, "below threshold")

	runN(h.probes[0], 1)
	rec := get(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"db":"connection refused"}}`, rec.Body.String())
}

func TestReady_Gate(t *testing.T) {
	h := New()
	h.Add(Readiness, Check{Name: "queue", Func: passing()})

	rec := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"_readiness":"service is not ready"}}`, rec.Body.String())
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h.ReadyEndpoint).Code)
}

func TestReady_OneOfManyFailing(t *testing.T) {
	h := New()
	h.Add(Readiness, Check{Name: "store", Func: passing()})
	h.Add(Readiness, Check{Name: "queue", Func: failing("timeout"), FailureThreshold: 1})
	h.Add(Liveness, Check{Name: "goroutines", Func: failing("leak"), FailureThreshold: 1})
	h.SetReady(true)

	for _, p := range h.probes {
		runN(p, 1)
	}

	rec := get(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","checks":{"queue":"timeout"}}`, rec.Body.String())
	assert.False(t, h.IsReady())
}

func TestRecovery(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := New()
	h.Add(Liveness, Check{
		Name:             "flaky",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Func: func(context.Context) error {
			if fail.Load() {
				return errors.New("down")
			}
			return nil
		},
	})
	p := h.probes[0]

	runN(p, 1)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h.LiveEndpoint).Code)

	fail.Store(false)
	runN(p, 1)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h.LiveEndpoint).Code, "one success is not enough")
	runN(p, 1)
	assert.Equal(t, http.StatusOK, get(t, h.LiveEndpoint).Code)
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.Add(Readiness, Check{
		Name:             "slow",
		Timeout:          10 * time.Millisecond,
		FailureThreshold: 1,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	h.SetReady(true)
	runN(h.probes[0], 1)

	assert.False(t, h.IsReady())
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	h := New()
	h.Add(Liveness, Check{Name: "count", Func: func(context.Context) error {
		calls.Add(1)
		return nil
	}})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()

	time.Sleep(20 * time.Millisecond)
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestRegister(t *testing.T) {
	h := New()
	h.SetReady(true)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/livez", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.Add(Readiness, Check{Name: "r", Func: failing("x"), FailureThreshold: 1})
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				get(t, h.ReadyEndpoint)
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, PingCheck(pinger{})(ctx))
	assert.Error(t, PingCheck(pinger{err: errors.New("down")})(ctx))

	assert.NoError(t, GoroutineCountCheck(100000)(ctx))
	assert.Error(t, GoroutineCountCheck(0)(ctx))
}
