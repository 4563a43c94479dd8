// Package openai implements the OpenAI chat completions adapter.
package openai

import (
	"context"
	"net/http"
	"strings"

	"llmgate/internal/core"
	"llmgate/internal/llmclient"
	"llmgate/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	providers.Register("openai", func(baseURL string) providers.Adapter {
		return New(baseURL)
	})
}

// Adapter talks to the OpenAI chat completions API.
type Adapter struct {
	client *llmclient.Client
}

// New creates the adapter. baseURL overrides the OpenAI endpoint when
// non-empty, which tests and proxies rely on.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: llmclient.New(llmclient.DefaultConfig("openai", baseURL))}
}

// NewWithHTTPClient creates the adapter with a custom HTTP client.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: llmclient.NewWithHTTPClient(httpClient, llmclient.DefaultConfig("openai", baseURL))}
}

func (a *Adapter) Name() string { return "openai" }

// chatRequest is the JSON body for /chat/completions.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	// o-series models reject max_tokens and temperature and require
	// max_completion_tokens instead.
	MaxCompletionTokens *int           `json:"max_completion_tokens,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
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

// isOSeriesModel reports whether the model is a reasoning model (o1, o3, o4
// families). Non-reasoning models like gpt-4o start with "gpt-", not "o".
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

func buildBody(messages []core.Message, cfg providers.CallConfig, stream bool) *chatRequest {
	body := &chatRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	maxTokens := cfg.MaxOutputTokens
	if isOSeriesModel(cfg.Model) {
		body.MaxCompletionTokens = &maxTokens
	} else {
		temp := cfg.Temperature
		body.Temperature = &temp
		body.MaxTokens = &maxTokens
	}
	if stream {
		// Without this OpenAI omits the final usage chunk entirely.
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func authHeaders(cfg providers.CallConfig) map[string]string {
	return map[string]string{"Authorization": "Bearer " + cfg.APIKey}
}

// Stream starts a streaming chat completion.
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
	return providers.NewStreamResult(body, "openai", cfg.Model), nil
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
		Provider: "openai",
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
