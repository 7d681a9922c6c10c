// Package journal tracks which raw feed values already produced an
// observable. A journal is scoped to one feed file, one feed name and one
// calendar day. Each run reads the previous snapshot and writes a new one
// wholesale.
package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrCorrupt is returned when a stored snapshot cannot be decoded.
var ErrCorrupt = errors.New("journal snapshot corrupt")

// Key identifies one journal.
type Key struct {
	FeedFile string
	Feed     string
	Day      time.Time
}

// NewKey builds the key for feed in feedFile on the day containing t.
func NewKey(feedFile, feed string, t time.Time) Key {
	return Key{FeedFile: feedFile, Feed: feed, Day: t.UTC()}
}

// Name renders the key as "<file basename>-<feed>-<YYYY-MM-DD>", lower-cased.
func (k Key) Name() string {
	return fmt.Sprintf("%s-%s-%s",
		strings.ToLower(filepath.Base(k.FeedFile)),
		strings.ToLower(k.Feed),
		k.Day.Format("2006-01-02"),
	)
}

// Store persists journal snapshots.
type Store interface {
	// Load returns the snapshot for key. A missing snapshot is empty, not an error.
	Load(ctx context.Context, key Key) (map[string]string, error)

	// Save atomically replaces the snapshot for key.
	Save(ctx context.Context, key Key, entries map[string]string) error
}

// Journal is the working state of a single parse run.
type Journal struct {
	key   Key
	store Store

	mu   sync.Mutex
	prev map[string]string
	next map[string]string
}

// Open loads the current snapshot for key.
func Open(ctx context.Context, store Store, key Key) (*Journal, error) {
	prev, err := store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load journal %s: %w", key.Name(), err)
	}
	if prev == nil {
		prev = make(map[string]string)
	}
	return &Journal{
		key:   key,
		store: store,
		prev:  prev,
		next:  make(map[string]string, len(prev)),
	}, nil
}

// Key returns the journal key.
func (j *Journal) Key() Key {
	return j.key
}

// Seen reports whether raw already has an id. A hit from the previous
// snapshot is carried into the next one with its id unchanged.
func (j *Journal) Seen(raw string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if id, ok := j.next[raw]; ok {
		return id, true
	}
	if id, ok := j.prev[raw]; ok {
		j.next[raw] = id
		return id, true
	}
	return "", false
}

// Record stores the id assigned to raw.
func (j *Journal) Record(raw, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.next[raw] = id
}

// Len returns the number of entries in the next snapshot.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.next)
}

// Commit writes the next snapshot through the store.
func (j *Journal) Commit(ctx context.Context) error {
	j.mu.Lock()
	snapshot := make(map[string]string, len(j.next))
	for k, v := range j.next {
		snapshot[k] = v
	}
	j.mu.Unlock()

	if err := j.store.Save(ctx, j.key, snapshot); err != nil {
		return fmt.Errorf("save journal %s: %w", j.key.Name(), err)
	}
	return nil
}
