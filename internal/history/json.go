package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/snajpa/rllm/internal/workspace"
)

// lockTimeout is how long to wait for the store lock.
const lockTimeout = 5 * time.Second

// jsonFile is the on-disk layout of the JSON store.
type jsonFile struct {
	Version int                         `json:"version"`
	Results map[string]*IterationResult `json:"results"`
}

// JSONStore keeps all results in one JSON file. Every operation takes a
// file lock next to the store so concurrent runs on the same state
// directory do not lose each other's updates.
type JSONStore struct {
	path string
	lock *flock.Flock
}

// OpenJSON opens or creates a JSON store at path.
func OpenJSON(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	return &JSONStore{path: path, lock: flock.New(path + ".lock")}, nil
}

func (s *JSONStore) withLock(exclusive bool, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = s.lock.TryLockContext(ctx, 50*time.Millisecond)
	} else {
		locked, err = s.lock.TryRLockContext(ctx, 50*time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("acquiring history lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timeout waiting for history lock %s", s.lock.Path())
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

func (s *JSONStore) load() (*jsonFile, error) {
	f := &jsonFile{Version: 1, Results: make(map[string]*IterationResult)}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing history %s: %w", s.path, err)
	}
	if f.Results == nil {
		f.Results = make(map[string]*IterationResult)
	}
	return f, nil
}

// Get returns the result stored under key.
func (s *JSONStore) Get(key string) (result *IterationResult, ok bool, err error) {
	err = s.withLock(false, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		result, ok = f.Results[key]
		return nil
	})
	return result, ok, err
}

// Put replaces the result stored under result.Key.
func (s *JSONStore) Put(result *IterationResult) error {
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now()
	}
	return s.withLock(true, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		f.Results[result.Key] = result

		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding history: %w", err)
		}
		return workspace.WriteFileAtomic(s.path, data)
	})
}

// List returns every stored result, oldest update first.
func (s *JSONStore) List() ([]*IterationResult, error) {
	var out []*IterationResult
	err := s.withLock(false, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		for _, r := range f.Results {
			out = append(out, r)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, err
}

// Close releases the lock file handle.
func (s *JSONStore) Close() error {
	return s.lock.Close()
}
