package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-intel/common/messaging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// PublishSink hands observables to a broker worker through the work subject
// instead of the in-process queue.
type PublishSink struct {
	publisher messaging.Publisher
	subject   string
}

// NewPublishSink publishes to subject, or to the submit subject when empty.
func NewPublishSink(p messaging.Publisher, subject string) *PublishSink {
	if subject == "" {
		subject = messaging.SubjectObservablesSubmit
	}
	return &PublishSink{publisher: p, subject: subject}
}

// Submit publishes o as JSON.
func (s *PublishSink) Submit(ctx context.Context, o *observable.Observable) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode observable %s: %w", o.ID, err)
	}
	if err := s.publisher.Publish(ctx, s.subject, data); err != nil {
		return fmt.Errorf("publish observable %s: %w", o.ID, err)
	}
	return nil
}
