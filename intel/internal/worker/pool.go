package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
)

var (
	ErrPoolStarted = errors.New("pool already started")
	ErrPoolStopped = errors.New("pool not running")
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Processes int
	ProcessConfig
}

// Pool runs worker processes over one global queue.
type Pool struct {
	cfg     PoolConfig
	global  *Queue
	factory backend.Factory
	handler *Handler
	logger  *slog.Logger

	mu      sync.Mutex
	procs   []*Process
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// NewPool creates a pool. Start launches the processes.
func NewPool(cfg PoolConfig, global *Queue, factory backend.Factory, handler *Handler, logger *slog.Logger) *Pool {
	if cfg.Processes < 1 {
		cfg.Processes = 1
	}
	return &Pool{
		cfg:     cfg,
		global:  global,
		factory: factory,
		handler: handler,
		logger:  logging.OrDefault(logger),
	}
}

// Queue returns the global queue.
func (p *Pool) Queue() *Queue { return p.global }

// Start launches every process.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.procs = make([]*Process, 0, p.cfg.Processes)
	for i := 0; i < p.cfg.Processes; i++ {
		proc := NewProcess(fmt.Sprintf("worker-%d", i+1), p.cfg.ProcessConfig, p.global, p.factory, p.handler, p.logger)
		p.procs = append(p.procs, proc)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.ErrorContext(ctx, "worker process exited", logging.Worker(proc.ID()), logging.Error(err))
			}
		}()
	}
	p.running = true

	p.logger.InfoContext(ctx, "worker pool started",
		slog.Int("processes", p.cfg.Processes),
		slog.Int("threads", p.cfg.Threads),
		slog.Int("recycle_after", p.cfg.RecycleAfter),
	)
	return nil
}

// Stop closes the global queue to new data, sends one Shutdown per process
// and joins every process. Data queued before Stop is processed first. If
// ctx ends before the processes finish they are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.running = false
	procs := p.procs
	cancel := p.cancel
	p.mu.Unlock()
	defer cancel()

	p.global.Close()
	for range procs {
		if err := p.global.Put(ctx, Shutdown()); err != nil {
			cancel()
			p.wg.Wait()
			return fmt.Errorf("send shutdown: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}

	if n := p.global.Len(); n > 0 {
		p.logger.WarnContext(ctx, "messages left on global queue", logging.Count(n))
	}
	p.logger.InfoContext(ctx, "worker pool stopped")
	return nil
}

// Stats sums the counters of every process.
func (p *Pool) Stats() ProcessStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total ProcessStats
	for _, proc := range p.procs {
		s := proc.Stats()
		total.Processed += s.Processed
		total.Failed += s.Failed
		total.Recycles += s.Recycles
		total.Shutdowns += s.Shutdowns
	}
	return total
}

// Processes returns the pool's processes.
func (p *Pool) Processes() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Process(nil), p.procs...)
}
