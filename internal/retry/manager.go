// Package retry keeps per-commit attempt bookkeeping for the driver.
//
// Each commit of the range gets a CommitState recording how many attempts
// touched it, how the last one ended and how many porting steps every
// attempt took. The driver asks Decide how to proceed after an attempt
// fails.
package retry

import (
	"sort"
	"sync"

	"github.com/snajpa/rllm/internal/errors"
)

// CommitState tracks attempts for one commit, or for the fixup of a range
// tail under its fixup key.
type CommitState struct {
	Key         string `json:"key"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	StepCounts  []int  `json:"step_counts,omitempty"` // porting steps per attempt
	Succeeded   bool   `json:"succeeded,omitempty"`
}

// Manager manages attempt state. It is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*CommitState
}

// NewManager creates a new retry manager.
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*CommitState),
	}
}

// GetOrCreateState returns the state for key, creating it with
// maxAttempts when missing.
func (m *Manager) GetOrCreateState(key string, maxAttempts int) *CommitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		state = &CommitState{
			Key:         key,
			MaxAttempts: maxAttempts,
		}
		m.states[key] = state
	}
	return state
}

// GetState returns the state for key, or nil.
func (m *Manager) GetState(key string) *CommitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[key]
}

// ShouldRetry reports whether key has attempts left and has not succeeded.
func (m *Manager) ShouldRetry(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[key]
	if !exists {
		return false
	}
	return state.Attempts < state.MaxAttempts && !state.Succeeded
}

// RecordAttempt records one finished attempt at key with the number of
// porting steps it took. A failed attempt stores err as the last error.
func (m *Manager) RecordAttempt(key string, steps int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[key]
	if !exists {
		return
	}
	state.Attempts++
	state.StepCounts = append(state.StepCounts, steps)
	if err != nil {
		state.Succeeded = false
		state.LastError = err.Error()
		return
	}
	state.Succeeded = true
	state.LastError = ""
}

// Failed returns the keys that used up their attempts without success,
// sorted.
func (m *Manager) Failed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []string
	for key, state := range m.states {
		if !state.Succeeded && state.Attempts >= state.MaxAttempts {
			failed = append(failed, key)
		}
	}
	sort.Strings(failed)
	return failed
}

// Reset clears the state for key.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
}

// States returns a copy of every state.
func (m *Manager) States() map[string]*CommitState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*CommitState, len(m.states))
	for k, v := range m.states {
		stateCopy := *v
		if v.StepCounts != nil {
			stateCopy.StepCounts = append([]int(nil), v.StepCounts...)
		}
		result[k] = &stateCopy
	}
	return result
}

// -----------------------------------------------------------------------------
// Decisions
// -----------------------------------------------------------------------------

// Action is what the driver does after a failed attempt.
type Action int

const (
	// Retry starts another attempt with a larger budget.
	Retry Action = iota
	// Stop ends the run and reports the error.
	Stop
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Decide classifies an attempt error. Fatal and canceled errors stop the
// run; unresolved work and retryable transport failures are retried while
// attempts remain.
func Decide(err error, attempt, maxAttempts int) Action {
	switch {
	case err == nil:
		return Stop
	case errors.Is(err, errors.ErrCanceled), errors.IsFatal(err):
		return Stop
	case attempt >= maxAttempts:
		return Stop
	case errors.Is(err, errors.ErrUnresolved), errors.IsRetryable(err):
		return Retry
	default:
		return Stop
	}
}
