package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/invoice-reconciler/internal/dispatch"
	"github.com/xenking/invoice-reconciler/pkg/health"
	"github.com/xenking/invoice-reconciler/pkg/httpmiddleware"
)

// newWorker wires the dispatcher to the queue consumer.
func newWorker(c *Components, m httpmiddleware.Telemetry, cfg *Config) (*dispatch.Worker, error) {
	d, err := dispatch.New(dispatch.Deps{
		Orders:         c.Orders,
		Oracle:         c.Oracle,
		Producer:       c.Queue,
		Artifacts:      c.Artifacts,
		Notifier:       c.Notifier,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	}, dispatch.Config{
		MaxAttempts:   cfg.Reconcile.MaxAttempts,
		InvoiceURLTTL: cfg.Artifacts.URLTTL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create dispatcher")
	}

	w, err := dispatch.NewWorker(c.Queue, d, m.MeterProvider(), dispatch.WorkerConfig{
		Concurrency:   cfg.Reconcile.Concurrency,
		HandleTimeout: cfg.Reconcile.HandleTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create worker")
	}
	return w, nil
}

// newHealth registers a readiness check per pinger plus the goroutine
// liveness check.
func newHealth(c *Components) *health.Health {
	h := health.New()
	for name, p := range c.Pingers {
		h.Add(health.Readiness, health.Check{Name: name, Func: health.PingCheck(p)})
	}
	h.Add(health.Liveness, health.Check{
		Name:    "goroutines",
		Func:    health.GoroutineCountCheck(10000),
		Timeout: time.Second,
	})
	return h
}

// RunWorker consumes reconciliation envelopes until ctx is cancelled. Probes
// are served on cfg.HealthAddr.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing worker",
		zap.Int("concurrency", cfg.Reconcile.Concurrency),
		zap.Int("max_attempts", cfg.Reconcile.MaxAttempts),
	)

	c, err := BuildComponents(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	w, err := newWorker(c, m, cfg)
	if err != nil {
		return err
	}

	healthSvc := newHealth(c)
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	server := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Health server listening", zap.String("addr", cfg.HealthAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
