package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/enrich"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// Handler enriches one observable and writes the resulting batch.
type Handler struct {
	pipeline      *enrich.Pipeline
	fanout        messaging.Publisher
	fanoutSubject string
	logger        *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithFanout republishes every stored observable to subject.
func WithFanout(p messaging.Publisher, subject string) HandlerOption {
	return func(h *Handler) {
		h.fanout = p
		h.fanoutSubject = subject
	}
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler. A nil pipeline stores observables as given.
func NewHandler(pipeline *enrich.Pipeline, opts ...HandlerOption) *Handler {
	h := &Handler{pipeline: pipeline, fanoutSubject: messaging.SubjectObservablesCreated}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger)
	return h
}

// guarded is a backend connection and the lock serializing writes to it.
type guarded struct {
	mu sync.Mutex
	be backend.Backend
}

func (g *guarded) create(ctx context.Context, batch []*observable.Observable) ([]backend.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.be.Create(ctx, batch)
}

// Handle runs the pipeline on o and creates the batch under the backend
// lock. Per-record failures are logged and returned in the results; only a
// failed create call is an error.
func (h *Handler) Handle(ctx context.Context, g *guarded, o *observable.Observable) ([]backend.Result, error) {
	batch := []*observable.Observable{o}
	if h.pipeline != nil {
		batch = h.pipeline.Process(ctx, o)
	}

	results, err := g.create(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("create batch for %s: %w", o.ID, err)
	}

	ok, failed := backend.Summarize(results)
	metrics.StorageResults.WithLabelValues("success").Add(float64(ok))
	if failed > 0 {
		metrics.StorageResults.WithLabelValues("failed").Add(float64(failed))
		for i, r := range results {
			if r.OK || i >= len(batch) {
				continue
			}
			h.logger.WarnContext(ctx, "observable not stored",
				logging.ObservableID(batch[i].ID),
				slog.String("reason", r.Message),
			)
		}
	}

	if h.fanout != nil {
		h.publish(ctx, batch, results)
	}
	return results, nil
}

func (h *Handler) publish(ctx context.Context, batch []*observable.Observable, results []backend.Result) {
	for i, o := range batch {
		if i < len(results) && !results[i].OK {
			continue
		}
		data, err := json.Marshal(o)
		if err != nil {
			h.logger.WarnContext(ctx, "failed to encode observable for fanout", logging.ObservableID(o.ID), logging.Error(err))
			continue
		}
		err = messaging.PublishWithHeaders(ctx, h.fanout, h.fanoutSubject, data,
			messaging.WithHeader(messaging.HeaderOType, string(o.Type)),
			messaging.WithHeader(messaging.HeaderProvider, o.Provider),
			messaging.WithHeader(messaging.HeaderRelated, o.Related),
		)
		if err != nil {
			h.logger.WarnContext(ctx, "fanout publish failed", logging.ObservableID(o.ID), logging.Error(err))
		}
	}
}
