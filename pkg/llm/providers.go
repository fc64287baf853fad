package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/blopit/microtask/pkg/config"
	"github.com/blopit/microtask/pkg/domainerr"
)

// openAIRequest is the chat-completions request body. response_format
// json_object keeps the model emitting a single JSON document.
type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// anthropicRequest is the Messages API request body. The system prompt is
// a top-level field rather than a message role.
type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *HTTPClient) encodeRequest(req Request) ([]byte, string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	switch c.provider {
	case config.ProviderAnthropic:
		var system string
		messages := make([]Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Role == RoleSystem {
				system = m.Content
				continue
			}
			messages = append(messages, m)
		}
		body, err := json.Marshal(anthropicRequest{
			Model:       c.model,
			System:      system,
			Messages:    messages,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
		})
		return body, c.baseURL + "/messages", err
	default:
		body, err := json.Marshal(openAIRequest{
			Model:          c.model,
			Messages:       req.Messages,
			MaxTokens:      maxTokens,
			Temperature:    req.Temperature,
			ResponseFormat: map[string]string{"type": "json_object"},
		})
		return body, c.baseURL + "/chat/completions", err
	}
}

// authorize sets the provider-specific credential headers.
func (c *HTTPClient) authorize(req *http.Request) {
	switch c.provider {
	case config.ProviderAnthropic:
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// decodeReply extracts the assistant's text content from the provider
// envelope. Markdown code fences around the JSON document are stripped —
// models emit them even when asked not to.
func (c *HTTPClient) decodeReply(raw []byte) ([]byte, error) {
	var text string
	switch c.provider {
	case config.ProviderAnthropic:
		var resp anthropicResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", domainerr.ErrMalformedResponse, err)
		}
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
	default:
		var resp openAIResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", domainerr.ErrMalformedResponse, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("%w: reply has no choices", domainerr.ErrMalformedResponse)
		}
		text = resp.Choices[0].Message.Content
	}
	text = stripFences(text)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: reply content is empty", domainerr.ErrMalformedResponse)
	}
	return []byte(text), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
