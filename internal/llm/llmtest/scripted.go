// Package llmtest provides a scripted language-model client for tests.
package llmtest

import (
	"context"
	"iter"
	"sync"

	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/llm"
)

// Scripted is an llm.Client that replays canned responses in order, split
// into small chunks, and records every request.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
	abandoned int

	// ChunkSize is the number of bytes per chunk (default 5).
	ChunkSize int
	// Fallback answers requests once the script is exhausted. When empty,
	// exhausted requests fail with ErrEmptyResponse.
	Fallback string
	// Respond, when set, answers instead of the script. Returning false
	// falls through to the script.
	Respond func(llm.Request) (string, bool)
}

var _ llm.Client = (*Scripted)(nil)

// NewScripted returns a Scripted client replaying responses.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

func (s *Scripted) Stream(ctx context.Context, req llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := s.next(req)
		if err != nil {
			yield("", err)
			return
		}
		size := s.ChunkSize
		if size <= 0 {
			size = 5
		}
		for len(text) > 0 {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			n := min(size, len(text))
			if !yield(text[:n], nil) {
				s.mu.Lock()
				s.abandoned++
				s.mu.Unlock()
				return
			}
			text = text[n:]
		}
	}
}

func (s *Scripted) next(req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.Respond != nil {
		if text, ok := s.Respond(req); ok {
			return text, nil
		}
	}
	if len(s.responses) == 0 {
		if s.Fallback != "" {
			return s.Fallback, nil
		}
		return "", errors.NewInferenceError("script exhausted", errors.ErrEmptyResponse).
			WithEndpoint("scripted").
			WithRetryable(false)
	}
	text := s.responses[0]
	s.responses = s.responses[1:]
	return text, nil
}

// Requests returns the recorded requests.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

// Prompts returns the prompts of the recorded requests.
func (s *Scripted) Prompts() []string {
	reqs := s.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Prompt
	}
	return out
}

// Remaining returns the number of unused scripted responses.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

// Abandoned returns how many streams the consumer stopped reading early.
func (s *Scripted) Abandoned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}
