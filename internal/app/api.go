package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/invoice-reconciler/internal/dispatch"
	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/handler"
	"github.com/xenking/invoice-reconciler/pkg/health"
	"github.com/xenking/invoice-reconciler/pkg/httpmiddleware"
)

// RunAPI creates all dependencies, starts the HTTP server, and handles
// graceful shutdown. With Reconcile.InProcess the reconciliation worker runs
// alongside the server and stops after it.
func RunAPI(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.Bool("in_process", cfg.Reconcile.InProcess))

	c, err := BuildComponents(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	healthSvc := newHealth(c)
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           newRouter(c, healthSvc, lg, m),
	}

	// The worker outlives the server so that orders accepted during draining
	// still get their first cycle.
	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorker()
	workerDone := make(chan error, 1)
	if cfg.Reconcile.InProcess {
		w, err := newWorker(c, m, cfg)
		if err != nil {
			return err
		}
		go func() { workerDone <- w.Run(workerCtx) }()
	} else {
		close(workerDone)
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopWorker()
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	if err := <-workerDone; err != nil {
		return errors.Wrap(err, "worker")
	}
	return nil
}

// newRouter mounts the order API and the probes behind the middleware chain.
func newRouter(c *Components, healthSvc *health.Health, lg *zap.Logger, m httpmiddleware.Telemetry) http.Handler {
	orderService := order.NewService(c.Orders, dispatch.NewScheduler(c.Queue))

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	handler.NewHandler(orderService).Register(mux)
	route := httpmiddleware.MuxRoute(mux)

	return httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("invoice-api", route, m),
		httpmiddleware.LogRequests(route),
	)
}
