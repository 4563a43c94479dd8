// Package gateway dispatches chat requests to provider adapters. It resolves
// provider, model and API key from explicit options and the environment,
// fails fast on configuration gaps and hands finished calls to the usage
// tracker without blocking the response path.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"llmgate/internal/core"
	"llmgate/internal/pricing"
	"llmgate/internal/providers"
	"llmgate/internal/usage"
)

// Generation parameter defaults applied when the request leaves them unset.
const (
	DefaultTemperature     = 0.7
	DefaultMaxOutputTokens = 2048
)

// envDefaultProvider selects the provider when the request names none.
const envDefaultProvider = "DEFAULT_LLM_PROVIDER"

// apiKeyEnv maps a provider to the environment variable its key lives in.
var apiKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// Options are the per-call dispatch inputs. Everything but Messages is
// optional.
type Options struct {
	Messages    []core.Message
	Provider    string
	Model       string
	APIKey      string
	UserID      string
	Temperature *float64
	MaxTokens   *int
	Endpoint    string
}

// StreamOutcome augments a provider stream with the resolved call identity.
type StreamOutcome struct {
	*providers.StreamResult
	RequestID string
}

// Gateway routes calls to adapters and meters the results.
type Gateway struct {
	adapters  map[string]providers.Adapter
	registry  *pricing.Registry
	tracker   *usage.Tracker // nil disables tracking
	lookupEnv func(string) string
	logger    *slog.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithEnv replaces the environment lookup, for tests.
func WithEnv(lookup func(string) string) Option {
	return func(g *Gateway) { g.lookupEnv = lookup }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a gateway over the given adapters.
func New(adapters map[string]providers.Adapter, registry *pricing.Registry, tracker *usage.Tracker, opts ...Option) *Gateway {
	g := &Gateway{
		adapters:  adapters,
		registry:  registry,
		tracker:   tracker,
		lookupEnv: os.Getenv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type resolved struct {
	provider string
	adapter  providers.Adapter
	cfg      providers.CallConfig
}

// resolve applies the option -> environment -> default chain for provider,
// model and API key. A missing key is a configuration error raised here,
// before any network traffic.
func (g *Gateway) resolve(opts Options) (*resolved, error) {
	if len(opts.Messages) == 0 {
		return nil, core.NewInvalidRequestError("messages is required", nil)
	}

	provider := opts.Provider
	if provider == "" {
		provider = g.lookupEnv(envDefaultProvider)
	}
	if provider == "" {
		provider = "openai"
	}

	adapter, ok := g.adapters[provider]
	if !ok {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unknown provider: %s", provider), nil)
	}

	model := opts.Model
	if model == "" {
		model = g.registry.DefaultModel(provider)
	}
	if model == "" {
		return nil, core.NewConfigurationError(provider, "no default model configured for provider")
	}

	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = g.lookupEnv(apiKeyEnv[provider])
	}
	if apiKey == "" {
		return nil, core.NewConfigurationError(provider,
			fmt.Sprintf("no API key for provider %s: set %s or pass one with the request", provider, apiKeyEnv[provider]))
	}

	cfg := providers.CallConfig{
		Model:           model,
		Temperature:     DefaultTemperature,
		MaxOutputTokens: DefaultMaxOutputTokens,
		APIKey:          apiKey,
	}
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.MaxTokens != nil {
		cfg.MaxOutputTokens = *opts.MaxTokens
	}

	return &resolved{provider: provider, adapter: adapter, cfg: cfg}, nil
}

// Stream dispatches a streaming call. On success the caller owns the stream
// body; metering rides on the usage future and never blocks the relay.
func (g *Gateway) Stream(ctx context.Context, opts Options) (*StreamOutcome, error) {
	res, err := g.resolve(opts)
	if err != nil {
		return nil, err
	}

	requestID := requestIDFrom(ctx)
	start := time.Now()

	sr, err := res.adapter.Stream(core.WithRequestID(ctx, requestID), opts.Messages, res.cfg)
	if err != nil {
		g.trackError(requestID, res, opts, start, err)
		return nil, err
	}

	go g.awaitStream(requestID, res, opts, sr, start)

	return &StreamOutcome{StreamResult: sr, RequestID: requestID}, nil
}

// Generate dispatches a non-streaming call.
func (g *Gateway) Generate(ctx context.Context, opts Options) (*core.LLMResponse, error) {
	res, err := g.resolve(opts)
	if err != nil {
		return nil, err
	}

	requestID := requestIDFrom(ctx)
	start := time.Now()

	resp, err := res.adapter.Generate(core.WithRequestID(ctx, requestID), opts.Messages, res.cfg)
	if err != nil {
		g.trackError(requestID, res, opts, start, err)
		return nil, err
	}

	g.track(usage.TrackParams{
		RequestID: requestID,
		UserID:    opts.UserID,
		Provider:  res.provider,
		Model:     resp.Model,
		Usage:     resp.Usage,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    usage.StatusSuccess,
		Endpoint:  endpointOf(opts),
	})
	return resp, nil
}

// awaitStream blocks on the usage future and meters the call once the
// stream terminates, however it terminates.
func (g *Gateway) awaitStream(requestID string, res *resolved, opts Options, sr *providers.StreamResult, start time.Time) {
	result := <-sr.Usage

	params := usage.TrackParams{
		RequestID: requestID,
		UserID:    opts.UserID,
		Provider:  res.provider,
		Model:     res.cfg.Model,
		Usage:     result.Usage,
		LatencyMs: time.Since(start).Milliseconds(),
		Status:    usage.StatusSuccess,
		Endpoint:  endpointOf(opts),
	}
	if result.Err != nil {
		params.Status = usage.StatusError
		params.ErrorMessage = result.Err.Error()
	}
	g.track(params)
}

// trackError records a call that failed before producing a stream or
// response.
func (g *Gateway) trackError(requestID string, res *resolved, opts Options, start time.Time, err error) {
	g.track(usage.TrackParams{
		RequestID:    requestID,
		UserID:       opts.UserID,
		Provider:     res.provider,
		Model:        res.cfg.Model,
		LatencyMs:    time.Since(start).Milliseconds(),
		Status:       usage.StatusError,
		ErrorMessage: err.Error(),
		Endpoint:     endpointOf(opts),
	})
}

func (g *Gateway) track(params usage.TrackParams) {
	if g.tracker == nil {
		return
	}
	g.tracker.TrackAsync(params)
}

// Providers returns the names of the adapters this gateway dispatches to.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.adapters))
	for name := range g.adapters {
		names = append(names, name)
	}
	return names
}

func requestIDFrom(ctx context.Context) string {
	if id := core.GetRequestID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func endpointOf(opts Options) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}
	return "/v1/chat/completions"
}
