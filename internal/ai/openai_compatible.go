package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrMalformedResponse = errors.New("malformed llm response")
	ErrEmptyChoices      = errors.New("empty llm choices")
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is one parsed chat completion. Usage is nil when the
// provider omitted it.
type Completion struct {
	Content string
	Model   string
	Usage   *Usage
}

// StatusError is a non-2xx reply from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm response status %d: %s", e.StatusCode, e.Body)
}

// Completer is a single round trip to a chat completion endpoint.
type Completer interface {
	Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (*Completion, error)
}

type OpenAICompatibleClient struct {
	httpClient *http.Client
}

// NewOpenAICompatibleClient returns a client without its own timeout; the
// gateway bounds every attempt through the request context.
func NewOpenAICompatibleClient(httpClient *http.Client) *OpenAICompatibleClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAICompatibleClient{httpClient: httpClient}
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (*Completion, error) {
	reqBody := map[string]interface{}{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   false,
	}
	if cfg.MaxTokens > 0 {
		reqBody["max_tokens"] = cfg.MaxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request failed: %w", err)
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build llm request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read llm response failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyChoices
	}

	out := &Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}
	if out.Model == "" {
		out.Model = cfg.Model
	}
	return out, nil
}

func truncateBody(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
