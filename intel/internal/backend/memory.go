package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// MemoryStore holds observables by id. It is safe for concurrent use and
// may be shared by several Memory backends.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*observable.Observable
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*observable.Observable)}
}

// Len returns the number of stored observables.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Get returns a copy of the observable with id.
func (s *MemoryStore) Get(id string) (*observable.Observable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Memory is a Backend over a MemoryStore.
type Memory struct {
	store *MemoryStore

	mu     sync.Mutex
	closed bool
}

// NewMemory returns a backend over store.
func NewMemory(store *MemoryStore) *Memory {
	return &Memory{store: store}
}

// Store returns the underlying store.
func (m *Memory) Store() *MemoryStore {
	return m.store
}

func (m *Memory) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: connection closed", ErrUnavailable)
	}
	return nil
}

func (m *Memory) Create(_ context.Context, obs []*observable.Observable) ([]Result, error) {
	if err := m.check(); err != nil {
		return nil, err
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	results := make([]Result, len(obs))
	for i, o := range obs {
		if o == nil || o.ID == "" {
			results[i] = Result{Message: "missing id"}
			continue
		}
		if _, exists := m.store.byID[o.ID]; exists {
			results[i] = Result{Message: ResultDuplicate}
			continue
		}
		m.store.byID[o.ID] = o.Clone()
		results[i] = Result{OK: true, Message: "success"}
	}
	return results, nil
}

func (m *Memory) Search(_ context.Context, params map[string][]string, start, count int) ([]*observable.Observable, error) {
	if err := m.check(); err != nil {
		return nil, err
	}

	m.store.mu.RLock()
	var matched []*observable.Observable
	for _, o := range m.store.byID {
		if matches(o.Fields(), params) {
			matched = append(matched, o.Clone())
		}
	}
	m.store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp != matched[j].Timestamp {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].ID < matched[j].ID
	})

	if start > 0 {
		if start >= len(matched) {
			matched = nil
		} else {
			matched = matched[start:]
		}
	}
	if count > 0 && count < len(matched) {
		matched = matched[:count]
	}
	if len(matched) == 0 {
		return nil, ErrNotFound
	}
	return matched, nil
}

func (m *Memory) Ping(context.Context) error {
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// matches evaluates params the way BuildQuery expresses them.
func matches(fields map[string]any, params map[string][]string) bool {
	for key, values := range params {
		if field, ok := gteParams[key]; ok {
			for _, v := range values {
				if compare(fields[field], v) < 0 {
					return false
				}
			}
			continue
		}
		if field, ok := lteParams[key]; ok {
			for _, v := range values {
				if compare(fields[field], v) > 0 {
					return false
				}
			}
			continue
		}

		have := stringValues(fields[key])
		include, exclude := splitNegated(values)
		for _, v := range exclude {
			if have[v] {
				return false
			}
		}
		if len(include) == 0 {
			continue
		}
		if anyOfParams[key] {
			found := false
			for _, v := range include {
				if have[v] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		for _, v := range include {
			if !have[v] {
				return false
			}
		}
	}
	return true
}

// compare orders a stored value against a parameter: numerically when both
// parse as numbers, otherwise as strings. A missing field sorts first.
func compare(stored any, param string) int {
	if stored == nil {
		return -1
	}
	s := fmt.Sprint(stored)
	a, errA := strconv.ParseFloat(s, 64)
	b, errB := strconv.ParseFloat(param, 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	switch {
	case s < param:
		return -1
	case s > param:
		return 1
	default:
		return 0
	}
}

func stringValues(v any) map[string]bool {
	out := make(map[string]bool)
	switch vals := v.(type) {
	case nil:
	case []string:
		for _, s := range vals {
			out[s] = true
		}
	case []int:
		for _, n := range vals {
			out[strconv.Itoa(n)] = true
		}
	default:
		out[fmt.Sprint(vals)] = true
	}
	return out
}
