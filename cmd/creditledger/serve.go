package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger/httpapi"
	"github.com/ineyio/creditledger/schedule"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, reconciler and monthly reset scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.reconciler.Start(ctx)

	var sched *schedule.Scheduler
	if a.cfg.Schedule.Enabled {
		sched = schedule.New(a.accounts, a.engine,
			schedule.WithSpec(a.cfg.Schedule.Spec),
			schedule.WithLogger(a.logger),
		)
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: a.cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(a.engine, httpapi.Config{
			Logger:   a.logger,
			Gatherer: a.registry,
			RPS:      a.cfg.HTTP.RPS,
			Burst:    a.cfg.HTTP.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("creditledger listening",
			"addr", srv.Addr,
			"storage", a.cfg.Storage.Backend,
			"schedule", a.cfg.Schedule.Enabled,
		)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			a.logger.Error("scheduler shutdown", "error", err)
		}
	}
	if err := a.reconciler.Stop(shutdownCtx); err != nil {
		a.logger.Error("reconciler shutdown", "error", err)
	}
	return serveErr
}
