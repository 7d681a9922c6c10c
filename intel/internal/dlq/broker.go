package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
)

// BrokerQueue publishes failed messages to intel.dlq.<reason> so they are
// kept by the DLQ stream.
type BrokerQueue struct {
	publisher messaging.Publisher
	logger    *slog.Logger
	written   atomic.Uint64
}

// NewBrokerQueue creates a DLQ backed by a message broker.
func NewBrokerQueue(publisher messaging.Publisher, logger *slog.Logger) *BrokerQueue {
	return &BrokerQueue{publisher: publisher, logger: logging.OrDefault(logger)}
}

// Write publishes the failed message.
func (q *BrokerQueue) Write(ctx context.Context, subject string, payload []byte, attempts int, cause error, reason string) error {
	failed := newFailed(subject, payload, attempts, cause, reason)
	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	target := messaging.DLQSubject(reason)
	err = messaging.PublishWithHeaders(ctx, q.publisher, target, data, messaging.WithHeader(messaging.HeaderReason, reason))
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to publish dlq entry", slog.String("subject", target), logging.Error(err))
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQEntries.Inc()
	q.logger.WarnContext(ctx, "message dead-lettered",
		slog.String("subject", target),
		slog.String("reason", reason),
		slog.Int("attempts", failed.Attempts),
	)
	return nil
}

// Written returns the number of entries published since start.
func (q *BrokerQueue) Written() uint64 {
	return q.written.Load()
}

// Multi writes to every writer and returns the first error.
type Multi []Writer

// Write implements Writer.
func (m Multi) Write(ctx context.Context, subject string, payload []byte, attempts int, cause error, reason string) error {
	var first error
	for _, w := range m {
		if w == nil {
			continue
		}
		if err := w.Write(ctx, subject, payload, attempts, cause, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}
