// Package backend defines the observable store the workers persist into and
// provides OpenSearch and in-memory implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

var (
	// ErrNotFound is returned by Search when nothing matches.
	ErrNotFound = errors.New("no observables found")

	// ErrUnavailable marks a backend that cannot be reached.
	ErrUnavailable = errors.New("backend unreachable")

	// ErrBackend marks an error or malformed response from the backend.
	ErrBackend = errors.New("backend error")
)

// ResultDuplicate is the message of a create result for an id that already
// exists.
const ResultDuplicate = "duplicate"

// Result is the outcome of creating one observable.
type Result struct {
	OK      bool
	Message string
}

// Backend stores and searches observables.
//
// Create returns one result per input in input order. A failure of some
// entries does not affect the others; the error return is reserved for
// failures of the whole call.
type Backend interface {
	Create(ctx context.Context, obs []*observable.Observable) ([]Result, error)
	Search(ctx context.Context, params map[string][]string, start, count int) ([]*observable.Observable, error)
	Ping(ctx context.Context) error
	Close() error
}

// Installer is implemented by backends that need index or schema setup.
type Installer interface {
	Install(ctx context.Context) error
}

// Factory opens a new backend connection. Each worker process calls it once
// per generation.
type Factory func(ctx context.Context) (Backend, error)

// Backend types.
const (
	TypeMemory     = "memory"
	TypeOpenSearch = "opensearch"
)

// Config selects and configures the backend.
type Config struct {
	Type       string
	OpenSearch OpenSearchConfig
}

// NewFactory returns a Factory for cfg.Type. Memory backends built by the
// same factory share one store.
func NewFactory(cfg Config, logger *slog.Logger) (Factory, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		store := NewMemoryStore()
		return func(context.Context) (Backend, error) {
			return NewMemory(store), nil
		}, nil
	case TypeOpenSearch:
		osCfg := cfg.OpenSearch
		return func(ctx context.Context) (Backend, error) {
			b, err := NewOpenSearch(osCfg, WithLogger(logger))
			if err != nil {
				return nil, err
			}
			return b, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// Summarize counts the failed results.
func Summarize(results []Result) (ok, failed int) {
	for _, r := range results {
		if r.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
