// Package llm is a typed wrapper over a remote chat-completion endpoint.
// It executes a single structured-output request per call and returns a
// strictly decoded reply or a typed error; it never returns unchecked data.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/domainerr"
)

// Role tags a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes a single structured-output completion call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Deadline    time.Duration // per-call override; zero means the client default
}

// Client executes a completion request and strictly decodes the reply JSON
// into out. Decoding rejects unknown fields; any decode failure is
// domainerr.ErrMalformedResponse. Implementations are stateless and safe
// for concurrent use; callers must not hold locks across a call.
type Client interface {
	Complete(ctx context.Context, req Request, out any) error
}

// acquireWait bounds how long an excess call queues on the concurrency
// semaphore before failing Unavailable.
const acquireWait = 2 * time.Second

// HTTPClient talks to an OpenAI- or Anthropic-style chat-completion API.
type HTTPClient struct {
	provider config.LLMProvider
	apiKey   string
	baseURL  string
	model    string
	deadline time.Duration
	http     *http.Client
	sem      *semaphore.Weighted
}

// disabledClient is the provider=none degradation target: every call fails
// Unavailable so callers take their heuristic fallback immediately.
type disabledClient struct{}

func (disabledClient) Complete(context.Context, Request, any) error {
	return fmt.Errorf("%w: llm provider is disabled", domainerr.ErrUnavailable)
}

// NewFromConfig builds a Client for the configured provider. A missing API
// key has already degraded the provider to "none" during config validation.
func NewFromConfig(cfg config.LLMConfig) Client {
	if cfg.Provider == config.ProviderNone {
		slog.Info("LLM client disabled, heuristic-only mode")
		return disabledClient{}
	}
	baseURL := cfg.BaseURL
	model := cfg.Model
	switch cfg.Provider {
	case config.ProviderOpenAI:
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		if model == "" {
			model = "gpt-4o-mini"
		}
	case config.ProviderAnthropic:
		if baseURL == "" {
			baseURL = "https://api.anthropic.com/v1"
		}
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
	}
	slog.Info("LLM client configured", "provider", cfg.Provider, "model", model, "max_concurrency", cfg.MaxConcurrency)
	return &HTTPClient{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		model:    model,
		deadline: cfg.Deadline,
		http:     &http.Client{},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
}

// Complete sends the request and strictly decodes the reply content into
// out. The concurrency semaphore is held for the duration of the HTTP
// exchange; queueing on it is bounded separately from the call deadline.
func (c *HTTPClient) Complete(ctx context.Context, req Request, out any) error {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, acquireWait)
	defer cancelAcquire()
	if err := c.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", domainerr.ErrTimeout, "deadline expired while queued")
		}
		return fmt.Errorf("%w: llm concurrency limit reached", domainerr.ErrUnavailable)
	}
	defer c.sem.Release(1)

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = c.deadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	content, err := c.exchange(callCtx, req)
	if err != nil {
		return err
	}
	return decodeStrict(content, out)
}

// exchange performs one HTTP round-trip and extracts the reply text.
func (c *HTTPClient) exchange(ctx context.Context, req Request) ([]byte, error) {
	body, url, err := c.encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", domainerr.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainerr.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: llm call exceeded deadline", domainerr.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %s", domainerr.ErrUnavailable, c.redact(err.Error()))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading reply: %s", domainerr.ErrUnavailable, c.redact(err.Error()))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: llm endpoint rejected credentials", domainerr.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: llm endpoint returned 429", domainerr.ErrQuotaExceeded)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: llm endpoint returned %d", domainerr.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: llm endpoint returned %d: %s", domainerr.ErrMalformedResponse, resp.StatusCode, c.redact(truncate(string(raw), 200)))
	}

	content, err := c.decodeReply(raw)
	if err != nil {
		return nil, err
	}
	return content, nil
}

// decodeStrict unmarshals the model's reply content into out, rejecting
// unknown fields so a drifted reply shape fails MalformedResponse instead
// of silently dropping data.
func decodeStrict(content []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: reply failed schema: %v", domainerr.ErrMalformedResponse, err)
	}
	// Trailing garbage after the JSON document is as malformed as bad JSON.
	if dec.More() {
		return fmt.Errorf("%w: trailing data after reply document", domainerr.ErrMalformedResponse)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
