package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/feed"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/journal"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/parser"
)

// Sink receives parsed observables. The worker global queue is one.
type Sink interface {
	Submit(ctx context.Context, o *observable.Observable) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, o *observable.Observable) error

// Submit implements Sink.
func (f SinkFunc) Submit(ctx context.Context, o *observable.Observable) error { return f(ctx, o) }

// Opener retrieves decoded feed content.
type Opener interface {
	Open(ctx context.Context, def *feed.Definition) (io.ReadCloser, error)
}

// Feeder runs one feed: fetch, parse against the day's journal and hand
// every new observable to the sink.
type Feeder struct {
	opener    Opener
	store     journal.Store
	sink      Sink
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewFeeder creates a feeder. batchSize bounds each parser batch.
func NewFeeder(opener Opener, store journal.Store, sink Sink, batchSize int, logger *slog.Logger) *Feeder {
	if batchSize <= 0 {
		batchSize = parser.DefaultBatchSize
	}
	return &Feeder{
		opener:    opener,
		store:     store,
		sink:      sink,
		batchSize: batchSize,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// Run processes def once and returns the number of new observables handed
// to the sink.
func (f *Feeder) Run(ctx context.Context, def *feed.Definition) (n int, err error) {
	start := time.Now()
	logger := f.logger.With(logging.Feed(def.Name), logging.FeedFile(def.File))
	ctx = logging.ContextWithFeed(ctx, def.Name)

	defer func() {
		elapsed := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
			logger.ErrorContext(ctx, "feed run failed", logging.Error(err), logging.Duration(elapsed.Milliseconds()))
		} else {
			logger.InfoContext(ctx, "feed run complete", logging.Count(n), logging.Duration(elapsed.Milliseconds()))
		}
		metrics.FeedRunsTotal.WithLabelValues(def.Name, status).Inc()
		metrics.FeedRunDuration.WithLabelValues(def.Name).Observe(elapsed.Seconds())
	}()

	j, err := journal.Open(ctx, f.store, def.JournalKey(f.now()))
	if err != nil {
		return 0, err
	}

	logger.InfoContext(ctx, "processing feed", logging.Remote(def.Remote), slog.String("parser", def.Parser))
	src, err := f.opener.Open(ctx, def)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	engine, err := parser.New(def, nil, src, j, parser.WithLogger(logger))
	if err != nil {
		return 0, err
	}

	for !engine.Done() {
		batch, err := engine.Next(ctx, f.batchSize)
		for _, o := range batch {
			if serr := f.sink.Submit(ctx, o); serr != nil {
				return n, fmt.Errorf("submit observable: %w", serr)
			}
			n++
		}
		metrics.ObservablesParsed.WithLabelValues(def.Name).Add(float64(len(batch)))
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
