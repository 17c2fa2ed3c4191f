package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sourcegraph/conc"

	"github.com/snajpa/rllm/internal/errors"
)

// CacheName returns the cache entry name for a prompt prefix.
func CacheName(prefix string) string {
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])
}

// WarmUp makes sure the backend holds the evaluated state of prefix.
// It restores a saved entry, or on a miss evaluates the prefix with a
// single-token completion and saves it. warmed is false when the backend
// does not support caching, which is not an error.
func WarmUp(ctx context.Context, c Client, cache PromptCache, prefix string) (warmed bool, err error) {
	if cache == nil || prefix == "" {
		return false, nil
	}
	name := CacheName(prefix)

	err = cache.Restore(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errors.ErrCacheUnsupported):
		return false, nil
	case !errors.Is(err, errors.ErrCacheMiss):
		return false, err
	}

	if _, err := Collect(ctx, c, Request{Prompt: prefix, MaxTokens: 1, Temperature: 0}, nil, nil); err != nil {
		return false, err
	}
	if err := cache.Save(ctx, name); err != nil {
		if errors.Is(err, errors.ErrCacheUnsupported) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Warming is a warm-up running in the background.
type Warming struct {
	wg     conc.WaitGroup
	warmed bool
	err    error
}

// StartWarmUp runs WarmUp in the background. The result must be collected
// with Wait before the prompt that depends on the prefix is sent.
func StartWarmUp(ctx context.Context, c Client, cache PromptCache, prefix string) *Warming {
	w := &Warming{}
	w.wg.Go(func() {
		w.warmed, w.err = WarmUp(ctx, c, cache, prefix)
	})
	return w
}

// Wait joins the warm-up. A nil Warming reports nothing warmed.
func (w *Warming) Wait() (warmed bool, err error) {
	if w == nil {
		return false, nil
	}
	w.wg.Wait()
	return w.warmed, w.err
}
