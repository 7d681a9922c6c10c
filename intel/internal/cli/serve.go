package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/scheduler"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed scheduler, workers and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed to drain queued observables on shutdown")
	return cmd
}

// serve runs until ctx is done, then stops intake first (HTTP, scheduler,
// watcher) and drains the workers last.
func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	var cl closers
	defer func() {
		if err := cl.Close(); err != nil {
			a.logger.Warn("cleanup failed", logging.Error(err))
		}
	}()

	a.logger.Info("starting intel service",
		slog.String("backend", a.cfg.Backend.Type),
		slog.Bool("broker", a.cfg.NATS.Enabled),
		slog.String("feeds", a.cfg.Feeds.Dir),
	)

	factory, err := a.backendFactory()
	if err != nil {
		return err
	}
	pipeline, err := a.pipeline(&cl)
	if err != nil {
		return err
	}
	store, err := a.journalStore(ctx, &cl)
	if err != nil {
		return err
	}
	w, err := a.startWorkers(ctx, &cl, pipeline, factory, true)
	if err != nil {
		return err
	}

	feeder := scheduler.NewFeeder(a.fetcher(), store, w.sink, a.cfg.Feeds.BatchSize, a.logger)
	sched := scheduler.New(scheduler.Config{
		Dir:        a.cfg.Feeds.Dir,
		Tick:       a.cfg.Feeds.PollInterval,
		RunOnStart: a.cfg.Feeds.RunOnStart,
	}, feeder, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	if err := sched.Start(gctx); err != nil {
		_ = w.Stop(context.Background())
		return fmt.Errorf("start scheduler: %w", err)
	}

	var watcher *scheduler.Watcher
	if a.cfg.Feeds.Watch {
		watcher, err = scheduler.NewWatcher(a.cfg.Feeds.Dir, sched.MarkDirty, a.logger)
		if err != nil {
			a.logger.Warn("feed directory not watched", logging.Error(err))
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	var srv *server.Server
	if a.cfg.Server.Enabled {
		srv = server.New(server.Config{
			Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
			IdleTimeout:  a.cfg.Server.IdleTimeout,
			MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
		}, w.sink, a.logger)

		probe := &backendProbe{factory: factory, logger: a.logger}
		cl.add(probe.Close)
		srv.AddCheck("backend", server.PingCheck(probe))
		if w.js != nil {
			srv.AddCheck("broker", server.BrokerCheck(w.js))
		}
		g.Go(srv.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down intel service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown http: %w", err))
			}
		}
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close watcher: %w", err))
			}
		}
		if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
		if err := w.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	a.logger.Info("intel service stopped")
	return err
}
