package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"circulation/internal/platform/httpserver"
	httptransport "circulation/internal/transport/http"
	"circulation/internal/worker"
)

const sweepInterval = 12 * time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the circulation gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	app, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.dispatcher == nil {
		return errors.New("serve requires at least one collection")
	}
	secret := app.shortTokenSecret()
	if len(secret) == 0 {
		return errors.New("serve requires a short token secret on some library")
	}

	handler, err := httptransport.NewHandler(httptransport.Config{
		OAuth:       app.oauthFlow,
		SelfTests:   app.selfTests,
		Collections: app,
		Dispatcher:  app.dispatcher,
		Patrons:     app.patrons,
		TokenSecret: secret,
		Logger:      app.log,
	})
	if err != nil {
		return err
	}

	stopSweeps := startSweeps(ctx, app)
	defer stopSweeps()

	srv := httpserver.New(app.cfg.Server.Addr, handler.Router())
	app.log.Info("starting circulation gateway", "addr", app.cfg.Server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	app.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startSweeps runs the periodic availability sweep on a small worker pool.
// The returned stop function drains in-flight jobs.
func startSweeps(ctx context.Context, app *app) func() {
	if len(app.sweepSources) == 0 || app.pgPool == nil {
		return func() {}
	}

	pool, err := worker.NewDBPool(app.pgPool, 4, worker.WithDBLogger(app.log))
	if err != nil {
		app.log.Error("could not start sweep pool", "error", err)
		return func() {}
	}
	sweep := worker.NewSweep(pool, worker.NewPostgresSnapshotStore(), app.sweepSources, app.log)
	return scheduleSweeps(ctx, sweepInterval, sweep.Run, pool.Close)
}

// scheduleSweeps runs one sweep immediately and another every interval. The
// returned stop function waits for the scheduling loop to exit before closing
// the pool, so a tick racing shutdown cannot submit to a closed job channel.
func scheduleSweeps(ctx context.Context, interval time.Duration, run func(context.Context), closePool func()) func() {
	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		run(sweepCtx)
		for {
			select {
			case <-ticker.C:
				run(sweepCtx)
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
		closePool()
	}
}
