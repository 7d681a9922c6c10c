package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/scheduler"
)

func newFeedCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Inspect and run feed definitions",
	}
	cmd.AddCommand(newFeedListCommand(a), newFeedRunCommand(a))
	return cmd
}

type feedRow struct {
	File     string `json:"file"`
	Name     string `json:"name"`
	Parser   string `json:"parser"`
	Interval string `json:"interval"`
	Schedule string `json:"schedule"`
	Remote   string `json:"remote"`
}

func newFeedListCommand(a *app) *cobra.Command {
	var (
		dir    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the feeds of the feed directory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = a.cfg.Feeds.Dir
			}
			defs, loadErr := feed.LoadDir(dir)
			if loadErr != nil && len(defs) == 0 {
				return loadErr
			}

			rows := make([]feedRow, 0, len(defs))
			for _, d := range defs {
				rows = append(rows, feedRow{
					File:     filepath.Base(d.File),
					Name:     d.Name,
					Parser:   d.Parser,
					Interval: d.Interval,
					Schedule: scheduler.Spec(d.Interval),
					Remote:   d.Remote,
				})
			}

			if asJSON {
				if err := writeJSON(a.out, rows); err != nil {
					return err
				}
			} else {
				t := newTable("FILE", "FEED", "PARSER", "SCHEDULE", "REMOTE")
				for _, r := range rows {
					t.add(r.File, r.Name, r.Parser, r.Schedule, r.Remote)
				}
				t.render(a.out)
			}
			if loadErr != nil {
				warn(cmd.ErrOrStderr(), "some feed files failed to load: %v", loadErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "feed directory (default: feeds.dir)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newFeedRunCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <file> [feed]",
		Short: "Run one feed, or every feed of a file, once",
		Long: `Run fetches and parses the feed now. New observables are processed by
an in-process worker pool, or published to the work subject when the
broker is enabled.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			n, err := a.runFeed(ctx, args[0], name)
			if err != nil {
				return err
			}
			success(a.out, "%d new observables from %s", n, args[0])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this long")
	return cmd
}

func (a *app) runFeed(ctx context.Context, file, name string) (int, error) {
	var cl closers
	defer cl.Close()

	factory, err := a.backendFactory()
	if err != nil {
		return 0, err
	}
	pipeline, err := a.pipeline(&cl)
	if err != nil {
		return 0, err
	}
	store, err := a.journalStore(ctx, &cl)
	if err != nil {
		return 0, err
	}
	w, err := a.startWorkers(ctx, &cl, pipeline, factory, false)
	if err != nil {
		return 0, err
	}

	feeder := scheduler.NewFeeder(a.fetcher(), store, w.sink, a.cfg.Feeds.BatchSize, a.logger)
	sched := scheduler.New(scheduler.Config{Dir: filepath.Dir(file)}, feeder, a.logger)
	n, runErr := sched.RunFeed(ctx, file, name)

	// Queued observables are stored before returning.
	if err := w.Stop(context.WithoutCancel(ctx)); err != nil {
		return n, fmt.Errorf("drain workers: %w", err)
	}
	if w.pool != nil {
		stats := w.pool.Stats()
		a.logger.Info("feed run processed",
			"processed", stats.Processed,
			"failed", stats.Failed,
		)
	}
	return n, runErr
}
