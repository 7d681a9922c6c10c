package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Connection reports broker connectivity.
type Connection interface {
	IsConnected() bool
}

// Flusher round-trips to the broker.
type Flusher interface {
	FlushContext(ctx context.Context) error
}

// HealthStatus is the result of CheckHealth.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latency_ms"`
	Err       error         `json:"-"`
}

// Healthy reports whether the connection is usable.
func (s HealthStatus) Healthy() bool {
	return s.Connected && s.Err == nil
}

var errNotConnected = errors.New("not connected to broker")

// CheckHealth checks a connection and, when it can flush, times a round
// trip to the server.
func CheckHealth(ctx context.Context, conn Connection) HealthStatus {
	if conn == nil {
		return HealthStatus{Err: errors.New("no broker connection")}
	}
	if !conn.IsConnected() {
		return HealthStatus{Err: errNotConnected}
	}

	status := HealthStatus{Connected: true}
	f, ok := conn.(Flusher)
	if !ok {
		return status
	}
	start := time.Now()
	err := f.FlushContext(ctx)
	status.Latency = time.Since(start)
	status.LatencyMS = status.Latency.Milliseconds()
	if err != nil {
		status.Err = fmt.Errorf("flush: %w", err)
	}
	return status
}
