// Package llm provides the language-model transport used by every
// resolution attempt.
//
// A [Client] streams completion text as a lazy, finite sequence of chunks.
// Consumers read chunks with [Collect], which evaluates a stop predicate
// after every chunk and abandons the sequence once the answer is
// structurally complete; abandoning the sequence cancels the underlying
// request. An optional [PromptCache] lets a backend save and restore the
// evaluated state of a long shared prompt prefix, see [WarmUp].
package llm

import (
	"context"
	"io"
	"iter"
	"regexp"
	"strings"

	"github.com/snajpa/rllm/internal/errors"
	"github.com/snajpa/rllm/internal/numbered"
)

// Request is one completion request.
type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	// Grammar is an optional GBNF grammar constraining the output.
	// Backends without constrained decoding ignore it.
	Grammar string
	// Stop lists optional stop sequences.
	Stop []string
}

// Client streams completions.
type Client interface {
	// Stream returns the completion for req as a sequence of text chunks.
	// The sequence is not restartable. Breaking out of the range loop
	// cancels the request.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// PromptCache saves and restores evaluated prompt prefixes by name.
// Implementations return errors.ErrCacheUnsupported when the backend has
// no such facility and errors.ErrCacheMiss when Restore finds nothing.
type PromptCache interface {
	Restore(ctx context.Context, name string) error
	Save(ctx context.Context, name string) error
}

// NoCache is a PromptCache for backends without prompt caching.
type NoCache struct{}

// Restore always reports the cache as unsupported.
func (NoCache) Restore(context.Context, string) error { return errors.ErrCacheUnsupported }

// Save always reports the cache as unsupported.
func (NoCache) Save(context.Context, string) error { return errors.ErrCacheUnsupported }

// -----------------------------------------------------------------------------
// Stop predicates
// -----------------------------------------------------------------------------

// StopFunc inspects the response accumulated so far and reports whether
// the answer is complete.
type StopFunc func(response string) bool

// FenceClosed stops once a fenced block has been opened and closed.
func FenceClosed() StopFunc {
	return func(response string) bool {
		return numbered.CountFences(response) >= 2
	}
}

var askLineRe = regexp.MustCompile(`(?m)^\s*ASK:.*\n`)

// AskLine stops once a complete "ASK:" line has been produced.
func AskLine() StopFunc {
	return func(response string) bool {
		return askLineRe.MatchString(response)
	}
}

// Marker stops once marker appears on a line of its own.
func Marker(marker string) StopFunc {
	return func(response string) bool {
		for _, line := range strings.Split(response, "\n") {
			if strings.TrimSpace(line) == marker {
				return true
			}
		}
		return false
	}
}

// Any stops when any of preds does.
func Any(preds ...StopFunc) StopFunc {
	return func(response string) bool {
		for _, p := range preds {
			if p != nil && p(response) {
				return true
			}
		}
		return false
	}
}

// -----------------------------------------------------------------------------
// Collect
// -----------------------------------------------------------------------------

// Collect consumes the stream for req until it ends or stop reports the
// answer complete. Every chunk is copied to echo when it is not nil. A
// response ended by stop gets a trailing newline so its last line is
// complete.
func Collect(ctx context.Context, c Client, req Request, stop StopFunc, echo io.Writer) (string, error) {
	var sb strings.Builder
	for chunk, err := range c.Stream(ctx, req) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
		if echo != nil {
			_, _ = io.WriteString(echo, chunk)
		}
		if stop != nil && stop(sb.String()) {
			if !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteString("\n")
				if echo != nil {
					_, _ = io.WriteString(echo, "\n")
				}
			}
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return sb.String(), errors.Join(errors.ErrCanceled, err)
	}
	return sb.String(), nil
}
