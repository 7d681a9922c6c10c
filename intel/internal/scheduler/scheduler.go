// Package scheduler runs feeds on their intervals and reloads the feed
// directory when its definition files change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
)

// DefaultTick is how often the dirty flag is checked.
const DefaultTick = time.Second

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrFeedNotFound   = errors.New("feed not found")
)

// Spec maps a feed interval to a cron schedule. Unknown intervals run
// hourly.
func Spec(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "daily":
		return "@daily"
	case "weekly":
		return "@weekly"
	default:
		return "@hourly"
	}
}

// Config configures a Scheduler.
type Config struct {
	Dir        string
	Tick       time.Duration
	RunOnStart bool
}

// Scheduler owns the feed definitions of a directory and their cron jobs.
type Scheduler struct {
	cfg    Config
	feeder *Feeder
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	defs    []*feed.Definition
	locks   map[string]*sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stop    chan struct{}

	dirty atomic.Bool
}

// New creates a scheduler for the feeds under cfg.Dir.
func New(cfg Config, feeder *Feeder, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Scheduler{
		cfg:    cfg,
		feeder: feeder,
		logger: logging.OrDefault(logger),
		locks:  make(map[string]*sync.Mutex),
	}
}

// MarkDirty requests a rebuild of every job on the next tick.
func (s *Scheduler) MarkDirty() {
	s.dirty.Store(true)
}

// Dirty reports whether a rebuild is pending.
func (s *Scheduler) Dirty() bool {
	return s.dirty.Load()
}

// Definitions returns the loaded definitions.
func (s *Scheduler) Definitions() []*feed.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*feed.Definition(nil), s.defs...)
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

// Load reads the feed directory and replaces every job. Jobs already
// running keep going; their feed lock prevents a second concurrent run.
func (s *Scheduler) Load() error {
	defs, err := feed.LoadDir(s.cfg.Dir)
	if err != nil {
		if len(defs) == 0 {
			return fmt.Errorf("load feeds from %s: %w", s.cfg.Dir, err)
		}
		// Broken files are skipped; the others are still scheduled.
		s.logger.Warn("some feed files failed to load", logging.Error(err))
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	for _, def := range defs {
		if _, err := c.AddFunc(Spec(def.Interval), func() { s.runJob(def) }); err != nil {
			return fmt.Errorf("schedule feed %s: %w", def.Name, err)
		}
	}

	s.mu.Lock()
	old := s.cron
	s.cron = c
	s.defs = defs
	running := s.running
	s.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if running {
		c.Start()
	}

	s.logger.Info("feeds scheduled", logging.Count(len(defs)), slog.String("dir", s.cfg.Dir))
	return nil
}

// Start loads the feeds, starts their jobs and the reload tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stop = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	if err := s.Load(); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
		return err
	}

	s.wg.Add(1)
	go s.tick()

	if s.cfg.RunOnStart {
		for _, def := range s.Definitions() {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runJob(def)
			}()
		}
	}
	return nil
}

// Stop halts the tick and the jobs, cancels running feeds and waits for
// them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stop)
	s.cancel()
	c := s.cron
	s.mu.Unlock()

	s.wg.Wait()
	if c != nil {
		<-c.Stop().Done()
	}
	s.logger.Info("feed scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if !s.dirty.CompareAndSwap(true, false) {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Error("feed reload failed", logging.Error(err))
			}
		}
	}
}

func (s *Scheduler) lockFor(def *feed.Definition) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := def.File + "\x00" + def.Name
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// runJob runs def unless a run of the same feed is still in progress.
func (s *Scheduler) runJob(def *feed.Definition) {
	l := s.lockFor(def)
	if !l.TryLock() {
		s.logger.Warn("feed still running, skipping", logging.Feed(def.Name), logging.FeedFile(def.File))
		return
	}
	defer l.Unlock()

	// Errors are logged by the feeder; the next scheduled run retries.
	_, _ = s.feeder.Run(s.runContext(), def)
}

// RunFeed loads file and runs the named feed once, or every feed of the
// file when name is empty. It returns the number of new observables.
func (s *Scheduler) RunFeed(ctx context.Context, file, name string) (int, error) {
	defs, err := feed.LoadFile(file)
	if err != nil {
		return 0, err
	}

	total := 0
	found := false
	var errs []error
	for _, def := range defs {
		if name != "" && def.Name != name {
			continue
		}
		found = true

		l := s.lockFor(def)
		l.Lock()
		n, err := s.feeder.Run(ctx, def)
		l.Unlock()

		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", def.Name, err))
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: %q in %s", ErrFeedNotFound, name, file)
	}
	return total, errors.Join(errs...)
}

// cronLogger routes cron's messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, logging.Error(err))...)
}
