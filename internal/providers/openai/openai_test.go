package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"llmgate/internal/core"
	"llmgate/internal/providers"
)

func testCallConfig(model string) providers.CallConfig {
	return providers.CallConfig{
		Model:           model,
		Temperature:     0.7,
		MaxOutputTokens: 2048,
		APIKey:          "sk-test",
	}
}

func testMessages() []core.Message {
	return []core.Message{{Role: core.RoleUser, Content: "hi"}}
}

func TestGenerate(t *testing.T) {
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-abc",
			"model": "gpt-4o-mini",
			"created": 1700000000,
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`))
	}))
	defer server.Close()

	a := New(server.URL)
	resp, err := a.Generate(context.Background(), testMessages(), testCallConfig("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 11 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
	if resp.Provider != "openai" {
		t.Errorf("provider = %q", resp.Provider)
	}

	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["temperature"] != 0.7 {
		t.Errorf("temperature = %v", gotBody["temperature"])
	}
	if gotBody["max_tokens"] != float64(2048) {
		t.Errorf("max_tokens = %v", gotBody["max_tokens"])
	}
	if _, ok := gotBody["stream"]; ok {
		t.Error("non-streaming request must not set stream")
	}
}

func TestGenerateOSeriesParams(t *testing.T) {
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"id":"x","choices":[],"usage":{}}`))
	}))
	defer server.Close()

	a := New(server.URL)
	if _, err := a.Generate(context.Background(), testMessages(), testCallConfig("o3-mini")); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, ok := gotBody["max_tokens"]; ok {
		t.Error("o-series request must not set max_tokens")
	}
	if _, ok := gotBody["temperature"]; ok {
		t.Error("o-series request must not set temperature")
	}
	if gotBody["max_completion_tokens"] != float64(2048) {
		t.Errorf("max_completion_tokens = %v", gotBody["max_completion_tokens"])
	}
}

func TestStream(t *testing.T) {
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":1,\"total_tokens\":5}}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	a := New(server.URL)
	sr, err := a.Stream(context.Background(), testMessages(), testCallConfig("gpt-4o-mini"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer sr.Body.Close()

	if gotBody["stream"] != true {
		t.Error("streaming request must set stream")
	}
	opts, ok := gotBody["stream_options"].(map[string]interface{})
	if !ok || opts["include_usage"] != true {
		t.Errorf("stream_options = %v, want include_usage", gotBody["stream_options"])
	}

	if _, err := io.Copy(io.Discard, sr.Body); err != nil {
		t.Fatalf("drain: %v", err)
	}
	u := <-sr.Usage
	if u.Usage.TotalTokens != 5 {
		t.Errorf("usage total = %d, want 5", u.Usage.TotalTokens)
	}
}

func TestStreamUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	a := New(server.URL)
	_, err := a.Stream(context.Background(), testMessages(), testCallConfig("gpt-4o-mini"))
	if err == nil {
		t.Fatal("expected error")
	}

	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if gwErr.Type != core.ErrorTypeAuthentication {
		t.Errorf("type = %s, want authentication_error", gwErr.Type)
	}
}
