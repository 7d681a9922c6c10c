package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/dlq"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// DefaultReconnectBackoff is the fixed wait before reopening a consumer.
const DefaultReconnectBackoff = 5 * time.Second

// ConsumerOpener opens a consumer on the work queue.
type ConsumerOpener func(ctx context.Context) (messaging.Consumer, error)

// BrokerConfig configures a BrokerWorker.
type BrokerConfig struct {
	ID               string
	Threads          int
	ReconnectBackoff time.Duration
}

// BrokerWorker consumes observables from a durable broker queue. A delivery
// is acked after it is stored, nacked on its first failure and terminated
// and dead-lettered on a later one.
type BrokerWorker struct {
	cfg     BrokerConfig
	open    ConsumerOpener
	factory backend.Factory
	handler *Handler
	dlq     dlq.Writer
	logger  *slog.Logger
}

// NewBrokerWorker creates a broker worker. dead may be nil.
func NewBrokerWorker(cfg BrokerConfig, open ConsumerOpener, factory backend.Factory, handler *Handler, dead dlq.Writer, logger *slog.Logger) *BrokerWorker {
	if cfg.ID == "" {
		cfg.ID = "broker-1"
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if handler == nil {
		handler = NewHandler(nil)
	}
	return &BrokerWorker{
		cfg:     cfg,
		open:    open,
		factory: factory,
		handler: handler,
		dlq:     dead,
		logger:  logging.OrDefault(logger).With(logging.Worker(cfg.ID)),
	}
}

// Run connects to the backend and consumes with every thread until ctx is
// done. A message being handled when ctx ends is finished and settled
// before Run returns.
func (w *BrokerWorker) Run(ctx context.Context) error {
	be, err := w.connect(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	g := &guarded{be: be}
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Threads; i++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			w.consume(ctx, thread, g)
		}(i + 1)
	}
	wg.Wait()

	w.logger.InfoContext(ctx, "broker worker stopped")
	return nil
}

func (w *BrokerWorker) connect(ctx context.Context) (backend.Backend, error) {
	for {
		be, err := w.factory(ctx)
		if err == nil {
			return be, nil
		}
		w.logger.ErrorContext(ctx, "backend connect failed", logging.Error(err))
		if !w.wait(ctx) {
			return nil, ctx.Err()
		}
	}
}

// wait sleeps for the reconnect backoff. It returns false if ctx ended.
func (w *BrokerWorker) wait(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.ReconnectBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// consume keeps one consumer open, reopening it after the backoff whenever
// it fails.
func (w *BrokerWorker) consume(ctx context.Context, thread int, g *guarded) {
	logger := w.logger.With(slog.Int("thread", thread))
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		consumer, err := w.open(ctx)
		if err != nil {
			logger.WarnContext(ctx, "failed to open consumer", logging.Error(err))
			if !w.wait(ctx) {
				return
			}
			continue
		}

		err = w.drain(ctx, work, consumer, g)
		consumer.Stop()
		if ctx.Err() != nil {
			return
		}
		logger.WarnContext(ctx, "consumer lost, reconnecting",
			logging.Error(err),
			slog.Duration("backoff", w.cfg.ReconnectBackoff),
		)
		if !w.wait(ctx) {
			return
		}
	}
}

// drain handles deliveries until the consumer fails.
func (w *BrokerWorker) drain(ctx, work context.Context, consumer messaging.Consumer, g *guarded) error {
	for {
		d, err := consumer.Next(ctx)
		if err != nil {
			return err
		}
		w.process(work, g, d)
	}
}

// process handles one delivery.
func (w *BrokerWorker) process(ctx context.Context, g *guarded, d messaging.Delivery) {
	o, err := observable.Decode(d.Data())
	if err != nil {
		w.reject(ctx, d, fmt.Errorf("decode observable: %w", err), dlq.ReasonDecode)
		return
	}

	if _, err := w.handler.Handle(ctx, g, o); err != nil {
		w.reject(ctx, d, err, dlq.ReasonBackend)
		return
	}

	if err := d.Ack(); err != nil {
		w.logger.WarnContext(ctx, "ack failed", logging.ObservableID(o.ID), logging.Error(err))
	}
	metrics.MessagesTotal.WithLabelValues("ack").Inc()
}

// reject naks a first delivery and terminates any later one.
func (w *BrokerWorker) reject(ctx context.Context, d messaging.Delivery, cause error, reason string) {
	attempt := d.NumDelivered()
	if attempt <= 1 {
		w.logger.WarnContext(ctx, "message failed, requeueing once",
			slog.String("reason", reason),
			logging.Error(cause),
		)
		if err := d.Nak(0); err != nil {
			w.logger.WarnContext(ctx, "nak failed", logging.Error(err))
		}
		metrics.MessagesTotal.WithLabelValues("nak").Inc()
		return
	}

	w.logger.ErrorContext(ctx, "message failed again, dropping",
		slog.String("reason", reason),
		slog.Uint64("attempts", attempt),
		logging.Error(cause),
	)
	if err := d.Term(); err != nil {
		w.logger.WarnContext(ctx, "term failed", logging.Error(err))
	}
	metrics.MessagesTotal.WithLabelValues("term").Inc()

	if w.dlq != nil {
		if err := w.dlq.Write(ctx, d.Subject(), d.Data(), int(attempt), cause, reason); err != nil {
			w.logger.ErrorContext(ctx, "dead-letter write failed", logging.Error(err))
		}
	}
}
