package llm

import (
	"context"
	"iter"

	genai "google.golang.org/genai"

	"github.com/snajpa/rllm/internal/errors"
)

// Gemini streams completions from the Gemini API. It has no prompt cache
// and ignores grammars.
type Gemini struct {
	cli   *genai.Client
	model string
}

// NewGemini creates a Gemini client for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.NewInferenceError("failed to create gemini client", err).
			WithEndpoint("gemini:" + model).
			WithRetryable(false)
	}
	return &Gemini{cli: cli, model: model}, nil
}

// Stream implements Client.
func (g *Gemini) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cfg := &genai.GenerateContentConfig{
			Temperature:   genai.Ptr(float32(req.Temperature)),
			StopSequences: req.Stop,
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}}

		for resp, err := range g.cli.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				yield("", errors.NewInferenceError("gemini stream failed", err).
					WithEndpoint("gemini:"+g.model))
				return
			}
			if resp == nil {
				continue
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}
