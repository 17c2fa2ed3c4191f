package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snajpa/rllm/internal/errors"
)

// Slot operation timeouts. Saving writes the whole KV state to disk on the
// server side and is much slower than restoring it.
const (
	slotSaveTimeout    = 300 * time.Second
	slotRestoreTimeout = 60 * time.Second
)

// LlamaOptions configures a llama.cpp compatible server.
type LlamaOptions struct {
	// Endpoint is the server base URL, e.g. http://127.0.0.1:8080
	Endpoint string
	Model    string
	APIKey   string
	// Slot is the server slot used for prompt cache save/restore.
	Slot         int
	CacheEnabled bool
	OpenTimeout  time.Duration
	ReadTimeout  time.Duration
	// HTTPClient overrides the client built from the timeouts.
	HTTPClient *http.Client
}

func (o *LlamaOptions) defaults() {
	o.Endpoint = strings.TrimRight(o.Endpoint, "/")
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 900 * time.Second
	}
}

// Llama streams completions from the OpenAI-compatible /v1/completions
// endpoint of a llama.cpp server and implements PromptCache with its slot
// save/restore actions.
type Llama struct {
	opts LlamaOptions
	hc   *http.Client
}

// NewLlama creates a Llama client.
func NewLlama(opts LlamaOptions) *Llama {
	opts.defaults()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: opts.OpenTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.OpenTimeout,
				ResponseHeaderTimeout: opts.ReadTimeout,
			},
		}
	}
	return &Llama{opts: opts, hc: hc}
}

type completionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
	Grammar     string   `json:"grammar,omitempty"`
	CachePrompt bool     `json:"cache_prompt"`
	Slot        *int     `json:"id_slot,omitempty"`
}

type completionChunk struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements Client.
func (l *Llama) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, l.opts.ReadTimeout)
		defer cancel()

		body := completionRequest{
			Model:       l.opts.Model,
			Prompt:      req.Prompt,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      true,
			Stop:        req.Stop,
			Grammar:     req.Grammar,
			CachePrompt: true,
		}
		if l.opts.CacheEnabled {
			slot := l.opts.Slot
			body.Slot = &slot
		}

		resp, err := l.post(ctx, "/v1/completions", body)
		if err != nil {
			yield("", l.transportError("completion request failed", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			yield("", l.statusError(resp))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}

			var chunk completionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", errors.NewInferenceError("malformed stream event", err).
					WithEndpoint(l.opts.Endpoint).
					WithRetryable(true))
				return
			}
			if chunk.Error != nil {
				yield("", errors.NewInferenceError(chunk.Error.Message, errors.ErrOperationFailed).
					WithEndpoint(l.opts.Endpoint).
					WithRetryable(true))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Text == "" {
					continue
				}
				if !yield(choice.Text, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", l.transportError("reading completion stream", err))
		}
	}
}

// Restore implements PromptCache.
func (l *Llama) Restore(ctx context.Context, name string) error {
	return l.slotAction(ctx, "restore", name, slotRestoreTimeout)
}

// Save implements PromptCache.
func (l *Llama) Save(ctx context.Context, name string) error {
	return l.slotAction(ctx, "save", name, slotSaveTimeout)
}

// slotAction maps the server's answers: 501 means the server was started
// without a slot save path, 400 and 404 mean there is no such entry.
func (l *Llama) slotAction(ctx context.Context, action, name string, timeout time.Duration) error {
	if !l.opts.CacheEnabled {
		return errors.ErrCacheUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := "/slots/" + strconv.Itoa(l.opts.Slot) + "?action=" + action
	resp, err := l.post(ctx, path, map[string]string{"filename": name})
	if err != nil {
		return l.transportError("slot "+action+" failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusNotImplemented:
		return errors.ErrCacheUnsupported
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		if action == "restore" {
			return errors.ErrCacheMiss
		}
		return errors.ErrCacheUnsupported
	default:
		return errors.NewInferenceError("slot "+action+" failed", errors.ErrOperationFailed).
			WithEndpoint(l.opts.Endpoint).
			WithStatus(resp.StatusCode)
	}
}

func (l *Llama) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.Endpoint+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if l.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+l.opts.APIKey)
	}
	return l.hc.Do(httpReq)
}

func (l *Llama) transportError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewInferenceError(msg, errors.NewTimeoutError("completion", l.opts.ReadTimeout).WithCause(err)).
			WithEndpoint(l.opts.Endpoint).
			WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Join(errors.ErrCanceled, err)
	}
	return errors.NewInferenceError(msg, err).
		WithEndpoint(l.opts.Endpoint).
		WithRetryable(true)
}

func (l *Llama) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode/100 == 5
	return errors.NewInferenceError(
		fmt.Sprintf("completion rejected: %s", strings.TrimSpace(string(snippet))),
		errors.ErrOperationFailed,
	).WithEndpoint(l.opts.Endpoint).WithStatus(resp.StatusCode).WithRetryable(retryable)
}
