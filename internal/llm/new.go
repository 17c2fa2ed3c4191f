package llm

import (
	"context"
	"os"

	"github.com/snajpa/rllm/internal/config"
	"github.com/snajpa/rllm/internal/errors"
)

// New builds the client and prompt cache for the configured backend.
func New(ctx context.Context, cfg config.LLMConfig) (Client, PromptCache, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}

	switch cfg.Backend {
	case config.BackendLlama:
		l := NewLlama(LlamaOptions{
			Endpoint:     cfg.Endpoint,
			Model:        cfg.Model,
			APIKey:       apiKey,
			Slot:         cfg.Slot,
			CacheEnabled: cfg.CacheEnabled,
			OpenTimeout:  cfg.OpenTimeout(),
			ReadTimeout:  cfg.ReadTimeout(),
		})
		return l, l, nil
	case config.BackendGemini:
		if apiKey == "" {
			return nil, nil, errors.NewValidationError("missing API key").
				WithField("llm.api_key_env").
				WithValue(cfg.APIKeyEnv)
		}
		g, err := NewGemini(ctx, apiKey, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return g, NoCache{}, nil
	default:
		return nil, nil, errors.NewValidationError("unknown backend").
			WithField("llm.backend").
			WithValue(cfg.Backend)
	}
}
