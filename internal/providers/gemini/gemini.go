// Package gemini implements the Google Gemini adapter via Google's
// OpenAI-compatible endpoint, which keeps the wire format aligned with the
// rest of the gateway.
package gemini

import (
	"context"
	"net/http"

	"llmgate/internal/core"
	"llmgate/internal/llmclient"
	"llmgate/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

func init() {
	providers.Register("gemini", func(baseURL string) providers.Adapter {
		return New(baseURL)
	})
}

// Adapter talks to the Gemini API through its OpenAI compatibility layer.
type Adapter struct {
	client *llmclient.Client
}

// New creates the adapter. baseURL overrides the Google endpoint when
// non-empty.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: llmclient.New(llmclient.DefaultConfig("gemini", baseURL))}
}

// NewWithHTTPClient creates the adapter with a custom HTTP client.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: llmclient.NewWithHTTPClient(httpClient, llmclient.DefaultConfig("gemini", baseURL))}
}

func (a *Adapter) Name() string { return "gemini" }

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      core.Message `json:"message"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func buildBody(messages []core.Message, cfg providers.CallConfig, stream bool) *chatRequest {
	temp := cfg.Temperature
	maxTokens := cfg.MaxOutputTokens
	return &chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stream:      stream,
	}
}

func authHeaders(cfg providers.CallConfig) map[string]string {
	return map[string]string{"Authorization": "Bearer " + cfg.APIKey}
}

// Stream starts a streaming chat completion. The compatibility endpoint
// sends the usage block in the final chunk without needing stream_options.
func (a *Adapter) Stream(ctx context.Context, messages []core.Message, cfg providers.CallConfig) (*providers.StreamResult, error) {
	body, err := a.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     buildBody(messages, cfg, true),
		Headers:  authHeaders(cfg),
	})
	if err != nil {
		return nil, err
	}
	return providers.NewStreamResult(body, "gemini", cfg.Model), nil
}

// Generate runs a non-streaming chat completion.
func (a *Adapter) Generate(ctx context.Context, messages []core.Message, cfg providers.CallConfig) (*core.LLMResponse, error) {
	var resp chatResponse
	err := a.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     buildBody(messages, cfg, false),
		Headers:  authHeaders(cfg),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &core.LLMResponse{
		ID:       resp.ID,
		Provider: "gemini",
		Model:    resp.Model,
		Created:  resp.Created,
		Usage: core.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}.Normalize(),
	}
	if out.Model == "" {
		out.Model = cfg.Model
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}
