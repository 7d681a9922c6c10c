// Package worker moves observables from producers through enrichment into
// the backend.
//
// Producers put messages on a bounded global Queue. Each Process runs a
// QueueManager that relays the global queue into a small local queue read by
// the process's threads. Shutdown is a Message of its own: one Shutdown on
// the global queue stops exactly one process, whose manager fans it out as
// one Shutdown per thread.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// DefaultGlobalCapacity is the default size of the global queue.
const DefaultGlobalCapacity = 200000

// ErrQueueClosed is returned when data is submitted after the pool began
// stopping.
var ErrQueueClosed = errors.New("queue closed")

// Kind tells data apart from the shutdown sentinel.
type Kind int

const (
	KindData Kind = iota
	KindShutdown
)

func (k Kind) String() string {
	if k == KindShutdown {
		return "shutdown"
	}
	return "data"
}

// Message is one queue item.
type Message struct {
	Kind       Kind
	Observable *observable.Observable
}

// Data wraps an observable.
func Data(o *observable.Observable) Message {
	return Message{Kind: KindData, Observable: o}
}

// Shutdown returns the sentinel message.
func Shutdown() Message {
	return Message{Kind: KindShutdown}
}

// Queue is a bounded FIFO of messages.
type Queue struct {
	ch chan Message
	// mu is held shared by data puts across the closed check and the send,
	// and exclusively by Close.
	mu           sync.RWMutex
	closed       atomic.Bool
	instrumented bool
}

// NewQueue creates a queue holding up to capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Message, capacity)}
}

// NewGlobalQueue creates a queue whose depth is exported as a metric.
func NewGlobalQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultGlobalCapacity
	}
	q := NewQueue(capacity)
	q.instrumented = true
	metrics.QueueCapacity.Set(float64(capacity))
	return q
}

// Put blocks until msg is queued or ctx is done. Data is refused once the
// queue is closed; Shutdown is always accepted.
func (q *Queue) Put(ctx context.Context, msg Message) error {
	if msg.Kind == KindData {
		q.mu.RLock()
		defer q.mu.RUnlock()
		if q.closed.Load() {
			return ErrQueueClosed
		}
	}
	select {
	case q.ch <- msg:
		q.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an observable.
func (q *Queue) Submit(ctx context.Context, o *observable.Observable) error {
	return q.Put(ctx, Data(o))
}

// Get blocks until a message is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		q.observe()
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close stops the queue from accepting data. It waits for data puts already
// past the closed check, so anything put after Close returns is queued
// behind all data.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed.Store(true)
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

func (q *Queue) observe() {
	if q.instrumented {
		metrics.QueueDepth.Set(float64(len(q.ch)))
	}
}
