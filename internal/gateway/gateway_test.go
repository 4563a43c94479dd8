package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"llmgate/internal/core"
	"llmgate/internal/pricing"
	"llmgate/internal/providers"
	"llmgate/internal/usage"
)

// fakeAdapter records the last call and serves a canned stream or response.
type fakeAdapter struct {
	mu        sync.Mutex
	name      string
	lastCfg   providers.CallConfig
	calls     int
	streamSSE string
	resp      *core.LLMResponse
	err       error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Stream(_ context.Context, _ []core.Message, cfg providers.CallConfig) (*providers.StreamResult, error) {
	f.mu.Lock()
	f.lastCfg = cfg
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return providers.NewStreamResult(io.NopCloser(strings.NewReader(f.streamSSE)), f.name, cfg.Model), nil
}

func (f *fakeAdapter) Generate(_ context.Context, _ []core.Message, cfg providers.CallConfig) (*core.LLMResponse, error) {
	f.mu.Lock()
	f.lastCfg = cfg
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) config() providers.CallConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCfg
}

// recordingStore captures tracked entries for assertions.
type recordingStore struct {
	mu      sync.Mutex
	entries []*usage.LogEntry
}

func (r *recordingStore) Insert(_ context.Context, e *usage.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingStore) CostSince(context.Context, time.Time) (float64, error) { return 0, nil }

func (r *recordingStore) Summarize(context.Context, usage.SummaryParams) (*usage.Summary, error) {
	return usage.NewSummary(), nil
}

func (r *recordingStore) Close() error { return nil }

func (r *recordingStore) snapshot() []*usage.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*usage.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

const fakeSSE = `data: {"id":"c1","choices":[{"delta":{"content":"hi"},"finish_reason":"stop"}]}

data: {"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}

data: [DONE]

`

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func messages() []core.Message {
	return []core.Message{{Role: core.RoleUser, Content: "hi"}}
}

func newTestGateway(adapters map[string]providers.Adapter, store usage.Store, env map[string]string) (*Gateway, *usage.Tracker) {
	var tracker *usage.Tracker
	if store != nil {
		tracker = usage.NewTracker(pricing.MustRegistry(), usage.TrackerConfig{Store: store})
	}
	return New(adapters, pricing.MustRegistry(), tracker, WithEnv(envMap(env))), tracker
}

func TestResolveProviderPrecedence(t *testing.T) {
	openai := &fakeAdapter{name: "openai", streamSSE: fakeSSE}
	gemini := &fakeAdapter{name: "gemini", streamSSE: fakeSSE}
	adapters := map[string]providers.Adapter{"openai": openai, "gemini": gemini}

	env := map[string]string{
		"DEFAULT_LLM_PROVIDER": "gemini",
		"OPENAI_API_KEY":       "sk-env",
		"GEMINI_API_KEY":       "gm-env",
	}
	g, _ := newTestGateway(adapters, nil, env)

	// Explicit option wins over the environment default.
	out, err := g.Stream(context.Background(), Options{Messages: messages(), Provider: "openai"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_ = out.Body.Close()
	if openai.callCount() != 1 || gemini.callCount() != 0 {
		t.Fatal("explicit provider option must win")
	}

	// Environment default applies when the option is empty.
	out, err = g.Stream(context.Background(), Options{Messages: messages()})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_ = out.Body.Close()
	if gemini.callCount() != 1 {
		t.Fatal("DEFAULT_LLM_PROVIDER must be used when no option given")
	}
}

func TestResolveFallsBackToOpenAI(t *testing.T) {
	openai := &fakeAdapter{name: "openai", streamSSE: fakeSSE}
	g, _ := newTestGateway(map[string]providers.Adapter{"openai": openai}, nil,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	out, err := g.Stream(context.Background(), Options{Messages: messages()})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_ = out.Body.Close()

	if openai.callCount() != 1 {
		t.Fatal("openai is the final provider fallback")
	}
	if got := openai.config().Model; got != pricing.MustRegistry().DefaultModel("openai") {
		t.Errorf("model = %q, want the provider default", got)
	}
}

func TestResolveDefaultsGenerationParams(t *testing.T) {
	openai := &fakeAdapter{name: "openai", streamSSE: fakeSSE}
	g, _ := newTestGateway(map[string]providers.Adapter{"openai": openai}, nil,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	out, err := g.Stream(context.Background(), Options{Messages: messages(), APIKey: "sk-explicit"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_ = out.Body.Close()

	cfg := openai.config()
	if cfg.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", cfg.Temperature, DefaultTemperature)
	}
	if cfg.MaxOutputTokens != DefaultMaxOutputTokens {
		t.Errorf("max tokens = %v, want %v", cfg.MaxOutputTokens, DefaultMaxOutputTokens)
	}
	if cfg.APIKey != "sk-explicit" {
		t.Errorf("explicit API key option must win, got %q", cfg.APIKey)
	}
}

func TestMissingKeyFailsBeforeAdapterCall(t *testing.T) {
	for _, provider := range []string{"openai", "gemini"} {
		t.Run(provider, func(t *testing.T) {
			adapter := &fakeAdapter{name: provider, streamSSE: fakeSSE}
			g, _ := newTestGateway(map[string]providers.Adapter{provider: adapter}, nil, nil)

			_, err := g.Stream(context.Background(), Options{Messages: messages(), Provider: provider})
			if err == nil {
				t.Fatal("expected configuration error")
			}

			var gwErr *core.GatewayError
			if !errors.As(err, &gwErr) || gwErr.Type != core.ErrorTypeConfiguration {
				t.Fatalf("expected configuration_error, got %v", err)
			}
			if adapter.callCount() != 0 {
				t.Error("missing key must fail before any adapter call")
			}
		})
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	g, _ := newTestGateway(map[string]providers.Adapter{}, nil, nil)

	_, err := g.Stream(context.Background(), Options{Messages: messages(), Provider: "acme"})
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != core.ErrorTypeInvalidRequest {
		t.Fatalf("expected invalid_request_error, got %v", err)
	}
}

func TestEmptyMessagesRejected(t *testing.T) {
	g, _ := newTestGateway(map[string]providers.Adapter{}, nil, nil)

	if _, err := g.Stream(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestStreamTracksUsageOnce(t *testing.T) {
	openai := &fakeAdapter{name: "openai", streamSSE: fakeSSE}
	store := &recordingStore{}
	g, tracker := newTestGateway(map[string]providers.Adapter{"openai": openai}, store,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	out, err := g.Stream(context.Background(), Options{Messages: messages(), UserID: "alice"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.RequestID == "" {
		t.Error("stream outcome must carry a request ID")
	}

	if _, err := io.Copy(io.Discard, out.Body); err != nil {
		t.Fatalf("drain: %v", err)
	}
	_ = out.Body.Close()

	// Metering is detached; wait for it.
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) == 0 && time.Now().Before(deadline) {
		_ = tracker.Drain(waitCtx)
		time.Sleep(5 * time.Millisecond)
	}

	entries := store.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected exactly 1 usage entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TotalTokens != 8 || e.InputTokens != 5 || e.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d/%d, want 5/3/8", e.InputTokens, e.OutputTokens, e.TotalTokens)
	}
	if e.Status != usage.StatusSuccess {
		t.Errorf("status = %q", e.Status)
	}
	if e.UserID != "alice" {
		t.Errorf("user = %q", e.UserID)
	}
	if e.RequestID != out.RequestID {
		t.Errorf("entry request ID %q != outcome %q", e.RequestID, out.RequestID)
	}
}

func TestGenerateTracksAndReturnsResponse(t *testing.T) {
	openai := &fakeAdapter{name: "openai", resp: &core.LLMResponse{
		ID: "r1", Provider: "openai", Model: "gpt-4o-mini", Content: "hello",
		Usage: core.Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14},
	}}
	store := &recordingStore{}
	g, tracker := newTestGateway(map[string]providers.Adapter{"openai": openai}, store,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	resp, err := g.Generate(context.Background(), Options{Messages: messages()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tracker.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	entries := store.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].TotalTokens != 14 {
		t.Errorf("total tokens = %d", entries[0].TotalTokens)
	}
}

func TestGenerateErrorTracked(t *testing.T) {
	openai := &fakeAdapter{name: "openai", err: core.NewRateLimitError("openai", "slow down")}
	store := &recordingStore{}
	g, tracker := newTestGateway(map[string]providers.Adapter{"openai": openai}, store,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	if _, err := g.Generate(context.Background(), Options{Messages: messages()}); err == nil {
		t.Fatal("expected error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tracker.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	entries := store.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 error entry, got %d", len(entries))
	}
	if entries[0].Status != usage.StatusError {
		t.Errorf("status = %q, want error", entries[0].Status)
	}
	if entries[0].ErrorMessage == "" {
		t.Error("error entry must record the message")
	}
	if entries[0].TotalTokens != 0 {
		t.Errorf("failed call should have zero usage, got %d", entries[0].TotalTokens)
	}
}

func TestStreamInterruptedStillTracked(t *testing.T) {
	partial := "data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"par\"},\"finish_reason\":null}]}\n\n"
	openai := &fakeAdapter{name: "openai", streamSSE: partial}
	store := &recordingStore{}
	g, _ := newTestGateway(map[string]providers.Adapter{"openai": openai}, store,
		map[string]string{"OPENAI_API_KEY": "sk-env"})

	out, err := g.Stream(context.Background(), Options{Messages: messages()})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Close mid-stream without draining.
	buf := make([]byte, len(partial))
	_, _ = io.ReadFull(out.Body, buf)
	_ = out.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	entries := store.snapshot()
	if len(entries) != 1 {
		t.Fatalf("interrupted stream must still be tracked, got %d entries", len(entries))
	}
	if entries[0].Status != usage.StatusError {
		t.Errorf("status = %q, want error", entries[0].Status)
	}
}
