// Package dlq keeps messages the workers gave up on so they can be inspected
// and replayed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/metrics"
)

// DefaultPath is used when no directory is configured.
const DefaultPath = "/var/lib/telhawk/intel/dlq"

// Failure reasons.
const (
	ReasonDecode  = "decode"
	ReasonBackend = "backend"
	ReasonPublish = "publish"
)

// ErrNotFound is returned when no entry matches.
var ErrNotFound = errors.New("dlq entry not found")

// FailedMessage captures a dropped message for replay.
type FailedMessage struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Subject     string    `json:"subject,omitempty"`
	Payload     string    `json:"payload"`
	Error       string    `json:"error"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// Writer records failed messages.
type Writer interface {
	Write(ctx context.Context, subject string, payload []byte, attempts int, cause error, reason string) error
}

func newFailed(subject string, payload []byte, attempts int, cause error, reason string) FailedMessage {
	now := time.Now().UTC()
	msg := FailedMessage{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Subject:     subject,
		Payload:     string(payload),
		Reason:      reason,
		Attempts:    attempts,
		LastAttempt: now,
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	if msg.Attempts < 1 {
		msg.Attempts = 1
	}
	return msg
}

// Queue writes failed messages to a directory, one JSON file each.
type Queue struct {
	basePath string
	logger   *slog.Logger
	mu       sync.Mutex
	written  uint64
}

// NewQueue creates a DLQ that writes to the specified directory.
func NewQueue(basePath string, logger *slog.Logger) (*Queue, error) {
	if basePath == "" {
		basePath = DefaultPath
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &Queue{
		basePath: basePath,
		logger:   logging.OrDefault(logger),
	}, nil
}

// Write records a failed message.
func (q *Queue) Write(ctx context.Context, subject string, payload []byte, attempts int, cause error, reason string) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	failed := newFailed(subject, payload, attempts, cause, reason)
	// Names sort oldest first; the id keeps separate writers from colliding.
	filename := fmt.Sprintf("failed_%d_%06d_%s.json", failed.Timestamp.UnixNano(), q.written, failed.ID[:8])

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o644); err != nil {
		q.logger.ErrorContext(ctx, "failed to write dlq entry", logging.Error(err))
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	metrics.DLQEntries.Inc()
	q.logger.WarnContext(ctx, "message dead-lettered",
		slog.String("file", filename),
		slog.String("reason", reason),
		slog.Int("attempts", failed.Attempts),
	)
	return nil
}

// Stats describes the queue.
type Stats struct {
	Enabled  bool   `json:"enabled"`
	Written  uint64 `json:"written"`
	Pending  int    `json:"pending_files"`
	BasePath string `json:"base_path,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Stats returns DLQ counters.
func (q *Queue) Stats() Stats {
	if q == nil {
		return Stats{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.entries()
	if err != nil {
		return Stats{Enabled: true, Written: q.written, Error: err.Error()}
	}
	return Stats{Enabled: true, Written: q.written, Pending: len(files), BasePath: q.basePath}
}

// entries lists entry file names, oldest first.
func (q *Queue) entries() ([]string, error) {
	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasPrefix(f.Name(), "failed_") || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)
	return names, nil
}

// List returns up to limit failed messages, oldest first. A limit of zero
// returns all of them.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedMessage, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entries()
	if err != nil {
		return nil, err
	}

	var out []FailedMessage
	for _, name := range names {
		if limit > 0 && len(out) >= limit {
			break
		}
		msg, err := q.read(name)
		if err != nil {
			q.logger.WarnContext(ctx, "skipping unreadable dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *Queue) read(name string) (FailedMessage, error) {
	var msg FailedMessage
	data, err := os.ReadFile(filepath.Join(q.basePath, name))
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Delete removes the entry with id.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if q == nil {
		return fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entries()
	if err != nil {
		return err
	}
	for _, name := range names {
		msg, err := q.read(name)
		if err != nil || msg.ID != id {
			continue
		}
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			return fmt.Errorf("delete dlq file: %w", err)
		}
		q.logger.InfoContext(ctx, "deleted dlq entry", slog.String("file", name))
		return nil
	}
	return ErrNotFound
}

// Purge removes every entry and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q == nil {
		return 0, fmt.Errorf("dlq not enabled")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entries()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			q.logger.ErrorContext(ctx, "failed to delete dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		deleted++
	}
	q.logger.InfoContext(ctx, "purged dlq", logging.Count(deleted))
	return deleted, nil
}

// Replay hands each entry to fn, oldest first, and deletes it when fn
// succeeds. It stops at the first error.
func (q *Queue) Replay(ctx context.Context, fn func(ctx context.Context, msg FailedMessage) error) (int, error) {
	msgs, err := q.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := fn(ctx, msg); err != nil {
			return replayed, fmt.Errorf("replay %s: %w", msg.ID, err)
		}
		if err := q.Delete(ctx, msg.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
