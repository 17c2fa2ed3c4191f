package history

import (
	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
)

// Store persists the latest IterationResult per key across process
// restarts.
type Store interface {
	// Get returns the result stored under key. ok is false when there is none.
	Get(key string) (result *IterationResult, ok bool, err error)
	// Put replaces the result stored under result.Key.
	Put(result *IterationResult) error
	// List returns every stored result, oldest update first.
	List() ([]*IterationResult, error)
	Close() error
}

// Open opens the store for the configured backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case config.HistoryJSON, "":
		return OpenJSON(path)
	case config.HistorySQLite:
		return OpenSQLite(path)
	default:
		return nil, errors.NewValidationError("unknown history backend").
			WithField("history.backend").
			WithValue(backend)
	}
}

// MemoryStore keeps results in memory. It is used when persistence is not
// wanted and in tests.
type MemoryStore struct {
	results map[string]*IterationResult
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*IterationResult)}
}

func (m *MemoryStore) Get(key string) (*IterationResult, bool, error) {
	r, ok := m.results[key]
	return r, ok, nil
}

func (m *MemoryStore) Put(result *IterationResult) error {
	if _, ok := m.results[result.Key]; ok {
		for i, k := range m.order {
			if k == result.Key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.results[result.Key] = result
	m.order = append(m.order, result.Key)
	return nil
}

func (m *MemoryStore) List() ([]*IterationResult, error) {
	out := make([]*IterationResult, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.results[k])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
