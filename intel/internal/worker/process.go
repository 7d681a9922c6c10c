package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
)

// State is the lifecycle state of a Process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRecycling
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRecycling:
		return "recycling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProcessConfig sizes a Process.
type ProcessConfig struct {
	Threads       int
	LocalCapacity int
	// RecycleAfter is the number of local-queue dequeues after which the
	// process reconnects to the backend. Zero disables recycling.
	RecycleAfter int
	// ConnectBackoff is the wait between failed backend connects.
	ConnectBackoff time.Duration
}

// ProcessStats are counters kept across recycles.
type ProcessStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Recycles  int64 `json:"recycles"`
	Shutdowns int64 `json:"shutdowns"`
}

// Process is a group of threads sharing one backend connection.
type Process struct {
	id      string
	cfg     ProcessConfig
	global  *Queue
	local   *Queue
	factory backend.Factory
	handler *Handler
	logger  *slog.Logger

	state     atomic.Int32
	stopping  atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	recycles  atomic.Int64
	shutdowns atomic.Int64
}

// NewProcess creates a process reading from global.
func NewProcess(id string, cfg ProcessConfig, global *Queue, factory backend.Factory, handler *Handler, logger *slog.Logger) *Process {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.LocalCapacity < 1 {
		cfg.LocalCapacity = cfg.Threads * 2
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 5 * time.Second
	}
	if handler == nil {
		handler = NewHandler(nil)
	}
	return &Process{
		id:      id,
		cfg:     cfg,
		global:  global,
		local:   NewQueue(cfg.LocalCapacity),
		factory: factory,
		handler: handler,
		logger:  logging.OrDefault(logger).With(logging.Worker(id)),
	}
}

// ID returns the process id.
func (p *Process) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// Stats returns the process counters.
func (p *Process) Stats() ProcessStats {
	return ProcessStats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Recycles:  p.recycles.Load(),
		Shutdowns: p.shutdowns.Load(),
	}
}

func (p *Process) setState(s State) {
	p.state.Store(int32(s))
	p.logger.Debug("worker state", slog.String("state", s.String()))
}

// Run relays the global queue and runs thread generations until a Shutdown
// reaches the process or ctx is done. Each generation connects to the
// backend, runs the threads until they exit and closes the connection.
func (p *Process) Run(ctx context.Context) error {
	p.setState(StateStarting)
	defer p.setState(StateStopped)

	manager := NewQueueManager(p.global, p.local, p.cfg.Threads, p.logger)
	relayCtx, cancelRelay := context.WithCancel(ctx)
	relayDone := make(chan error, 1)
	go func() { relayDone <- manager.Run(relayCtx) }()
	defer func() {
		cancelRelay()
		<-relayDone
	}()

	p.logger.InfoContext(ctx, "worker process starting", slog.Int("threads", p.cfg.Threads))

	for {
		be, err := p.connect(ctx)
		if err != nil {
			return err
		}

		p.setState(StateRunning)
		stop := p.runGeneration(ctx, &guarded{be: be})

		if stop || ctx.Err() != nil {
			p.setState(StateStopping)
		} else {
			p.setState(StateRecycling)
		}
		if err := be.Close(); err != nil {
			p.logger.WarnContext(ctx, "backend close failed", logging.Error(err))
		}

		if stop || ctx.Err() != nil {
			p.logger.InfoContext(ctx, "worker process stopped",
				slog.Int64("processed", p.processed.Load()),
				slog.Int64("failed", p.failed.Load()),
			)
			return nil
		}

		p.recycles.Add(1)
		metrics.WorkerRecycles.Inc()
		p.logger.InfoContext(ctx, "worker process recycling", slog.Int("after", p.cfg.RecycleAfter))
		p.setState(StateStarting)
	}
}

// connect retries the backend factory with a fixed backoff.
func (p *Process) connect(ctx context.Context) (backend.Backend, error) {
	for {
		be, err := p.factory(ctx)
		if err == nil {
			return be, nil
		}
		p.logger.ErrorContext(ctx, "backend connect failed", logging.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.ConnectBackoff):
		}
	}
}

// runGeneration runs the threads against one connection and joins them. It
// reports whether any thread received a Shutdown.
func (p *Process) runGeneration(ctx context.Context, g *guarded) bool {
	var (
		wg       sync.WaitGroup
		dequeued atomic.Int64
		stop     atomic.Bool
	)

	for i := 0; i < p.cfg.Threads; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			if p.thread(ctx, thread, g, &dequeued) {
				stop.Store(true)
			}
		}(i + 1)
	}
	wg.Wait()
	return stop.Load()
}

// thread consumes the local queue. It returns true when it exits because of
// a Shutdown or cancellation and false when the recycle budget is spent.
func (p *Process) thread(ctx context.Context, n int, g *guarded, dequeued *atomic.Int64) bool {
	logger := p.logger.With(slog.Int("thread", n))
	// Handling runs to completion even if ctx is cancelled mid-write. Its
	// records carry the thread's worker id.
	work := logging.ContextWithWorker(context.WithoutCancel(ctx), ThreadID(p.id, n))

	for {
		if p.cfg.RecycleAfter > 0 && dequeued.Add(1) > int64(p.cfg.RecycleAfter) {
			return false
		}

		msg, err := p.local.Get(ctx)
		if err != nil {
			return true
		}
		if msg.Kind == KindShutdown {
			p.shutdowns.Add(1)
			p.stopping.Store(true)
			logger.DebugContext(ctx, "thread received shutdown")
			return true
		}
		if msg.Observable == nil {
			continue
		}

		if _, err := p.handler.Handle(work, g, msg.Observable); err != nil {
			p.failed.Add(1)
			logger.ErrorContext(ctx, "failed to store observable",
				logging.ObservableID(msg.Observable.ID),
				logging.Error(err),
			)
			continue
		}
		p.processed.Add(1)
	}
}

// ThreadID names thread n of a process in log records, as "worker-1/t3".
func ThreadID(process string, n int) string {
	return fmt.Sprintf("%s/t%d", process, n)
}

// Stopping reports whether the process has seen a Shutdown.
func (p *Process) Stopping() bool { return p.stopping.Load() }
