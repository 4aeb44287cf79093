package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/phaseguild/internal/api"
	"github.com/kazz187/phaseguild/internal/lockwatch"
	"github.com/kazz187/phaseguild/internal/mcptool"
	"github.com/kazz187/phaseguild/internal/metrics"
	"github.com/kazz187/phaseguild/internal/notify"
	"github.com/kazz187/phaseguild/pkg/panicerr"
)

const shutdownTimeout = 10 * time.Second

func (d *deps) serve(ctx context.Context) error {
	m := metrics.New(true)
	subs := notify.NewSubscriptionStore(d.store)
	srv := api.NewServer(d.env, d.engine, d.counter, d.bus, m, subs)

	watcher := lockwatch.NewWatcher(d.engine, func(workflowID string, tampers []lockwatch.Tamper) {
		for _, t := range tampers {
			slog.Warn("locked test artifact changed", "workflow_id", workflowID, "task_id", t.TaskID, "path", t.Path)
		}
	})

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(panicerr.SafeContext(func(ctx context.Context) error {
		return m.Run(ctx, d.bus)
	}))
	p.Go(panicerr.SafeContext(watcher.Run))
	if d.env.VAPIDEnv.Enabled() {
		dispatcher := notify.NewDispatcher(d.bus, notify.NewSender(d.env.VAPIDEnv, subs))
		p.Go(panicerr.SafeContext(func(ctx context.Context) error {
			dispatcher.Start(ctx)
			return nil
		}))
	} else {
		slog.Info("push notifications disabled: VAPID keys not configured")
	}
	p.Go(panicerr.SafeContext(func(ctx context.Context) error {
		err := srv.ListenAndServe(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}))
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := p.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func (d *deps) mcp() error {
	return mcptool.NewServer(d.engine, d.counter, version).ServeStdio()
}
