package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-intel/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/enrich"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/scheduler"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/worker"
)

// workers is the running concurrency core: either the in-process pool fed
// by the global queue, or a broker worker fed by the work subject.
type workers struct {
	sink scheduler.Sink
	js   *natsclient.JetStreamClient
	pool *worker.Pool

	cancel context.CancelFunc
	done   chan error
}

// startWorkers starts the configured concurrency core. With consume false
// in broker mode only the publishing sink is set up; the service instances
// do the consuming.
func (a *app) startWorkers(ctx context.Context, cl *closers, pipeline *enrich.Pipeline, factory backend.Factory, consume bool) (*workers, error) {
	if !a.cfg.NATS.Enabled {
		queue := worker.NewGlobalQueue(a.cfg.Workers.GlobalCapacity)
		handler := worker.NewHandler(pipeline, worker.WithHandlerLogger(a.logger))
		pool := worker.NewPool(a.poolConfig(), queue, factory, handler, a.logger)
		if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		return &workers{sink: queue, pool: pool}, nil
	}

	js, err := a.broker(ctx, cl)
	if err != nil {
		return nil, err
	}
	w := &workers{sink: worker.NewPublishSink(js, a.cfg.NATS.WorkSubject), js: js}
	if !consume {
		return w, nil
	}

	dead, err := a.deadLetters(js)
	if err != nil {
		return nil, err
	}
	handler := worker.NewHandler(pipeline,
		worker.WithFanout(js, a.cfg.NATS.FanoutSubject),
		worker.WithHandlerLogger(a.logger),
	)
	bw := worker.NewBrokerWorker(worker.BrokerConfig{
		ID:               "broker-1",
		Threads:          a.cfg.Workers.Processes * a.cfg.Workers.Threads,
		ReconnectBackoff: a.cfg.Workers.ConnectBackoff,
	}, a.consumerOpener(js), factory, handler, dead, a.logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan error, 1)
	go func() {
		err := bw.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		w.done <- err
	}()
	return w, nil
}

// Stop drains the pool, or stops the broker worker after its in-flight
// messages are settled.
func (w *workers) Stop(ctx context.Context) error {
	if w.pool != nil {
		return w.pool.Stop(ctx)
	}
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("stop broker worker: %w", ctx.Err())
	}
}

// backendProbe opens a backend connection on first use and reuses it for
// health checks.
type backendProbe struct {
	factory backend.Factory
	logger  *slog.Logger

	mu sync.Mutex
	be backend.Backend
}

func (p *backendProbe) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.be == nil {
		be, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("connect backend: %w", err)
		}
		p.be = be
	}
	if err := p.be.Ping(ctx); err != nil {
		// Reconnect on the next probe.
		if cerr := p.be.Close(); cerr != nil {
			logging.OrDefault(p.logger).Debug("closing failed backend probe", logging.Error(cerr))
		}
		p.be = nil
		return err
	}
	return nil
}

func (p *backendProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.be == nil {
		return nil
	}
	err := p.be.Close()
	p.be = nil
	return err
}
