package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmgate/internal/cache"
	"llmgate/internal/core"
	"llmgate/internal/metrics"
	"llmgate/internal/pricing"
)

// trackTimeout bounds a single detached tracking attempt so a stuck store
// cannot pin goroutines forever.
const trackTimeout = 10 * time.Second

// TrackParams describes one finished gateway call.
type TrackParams struct {
	RequestID    string
	UserID       string
	Provider     string
	Model        string
	Usage        core.Usage
	LatencyMs    int64
	Status       string
	ErrorMessage string
	Endpoint     string
	Metadata     map[string]any
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Store persists entries. Nil disables persistence; the log line is
	// still emitted.
	Store Store

	// DailyCost, when non-nil, replaces the per-call store query for the
	// threshold check with a cached running counter.
	DailyCost cache.DailyCost

	// DailyThresholdUSD triggers an advisory warning once today's spend
	// exceeds it. Zero or negative disables the check.
	DailyThresholdUSD float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Tracker meters finished gateway calls. Tracking is best-effort by
// contract: failures are logged and swallowed, never surfaced to the caller.
type Tracker struct {
	registry  *pricing.Registry
	store     Store
	dailyCost cache.DailyCost
	threshold float64
	logger    *slog.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
}

// NewTracker creates a tracker backed by the given price registry.
func NewTracker(registry *pricing.Registry, cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		registry:  registry,
		store:     cfg.Store,
		dailyCost: cfg.DailyCost,
		threshold: cfg.DailyThresholdUSD,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// TrackAsync runs Track on a detached goroutine with its own timeout, so
// metering never adds latency to the response path. Drain waits for all
// in-flight attempts.
func (t *Tracker) TrackAsync(params TrackParams) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), trackTimeout)
		defer cancel()
		t.Track(ctx, params)
	}()
}

// Track meters one call: compute cost, emit the usage log line, persist the
// entry and check the daily spend threshold. Never returns an error; a
// metering failure must not affect the proxied call.
func (t *Tracker) Track(ctx context.Context, params TrackParams) {
	u := params.Usage.Normalize()
	cost := t.registry.CalculateCost(params.Model, u)
	if !t.registry.Known(params.Model) {
		t.logger.Debug("model not in price table, using fallback pricing",
			"model", params.Model, "provider", params.Provider)
	}

	// The log line is the metering record of last resort: it is emitted
	// before and regardless of persistence.
	t.logger.LogAttrs(ctx, slog.LevelInfo, "llm usage",
		slog.Group("context",
			slog.String("requestId", params.RequestID),
			slog.String("provider", params.Provider),
			slog.String("model", params.Model),
			slog.Int("inputTokens", u.InputTokens),
			slog.Int("outputTokens", u.OutputTokens),
			slog.Int("totalTokens", u.TotalTokens),
			slog.Float64("costUsd", cost),
			slog.Int64("latencyMs", params.LatencyMs),
			slog.String("status", params.Status),
			slog.String("errorMessage", params.ErrorMessage),
			slog.String("endpoint", params.Endpoint),
		),
	)

	t.metrics.ObserveCall(params.Provider, params.Model, params.Status, u, cost, params.LatencyMs)

	if t.store == nil {
		return
	}

	entry := &LogEntry{
		ID:           uuid.NewString(),
		RequestID:    params.RequestID,
		UserID:       params.UserID,
		Provider:     params.Provider,
		Model:        params.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		CostUSD:      cost,
		LatencyMs:    params.LatencyMs,
		Status:       params.Status,
		ErrorMessage: params.ErrorMessage,
		Endpoint:     params.Endpoint,
		Metadata:     params.Metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.store.Insert(ctx, entry); err != nil {
		t.logger.Error("failed to persist usage entry",
			"error", err, "request_id", params.RequestID)
		return
	}

	t.checkDailyThreshold(ctx, cost)
}

// checkDailyThreshold warns when today's spend crosses the configured limit.
// At most one warning per tracked call; advisory only.
func (t *Tracker) checkDailyThreshold(ctx context.Context, cost float64) {
	if t.threshold <= 0 {
		return
	}

	var total float64
	var err error
	if t.dailyCost != nil {
		total, err = t.dailyCost.Add(ctx, localDay(time.Now()), cost)
	} else {
		total, err = t.store.CostSince(ctx, localMidnight(time.Now()))
	}
	if err != nil {
		t.logger.Error("failed to compute daily cost", "error", err)
		return
	}

	if total > t.threshold {
		t.logger.Warn("daily cost threshold exceeded",
			"total_usd", total, "threshold_usd", t.threshold)
	}
}

// Drain blocks until in-flight tracking attempts finish or ctx expires.
func (t *Tracker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localMidnight returns the start of the day containing now, in local time.
func localMidnight(now time.Time) time.Time {
	y, m, d := now.Local().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

// localDay returns the cache key for the day containing now.
func localDay(now time.Time) string {
	return now.Local().Format("2006-01-02")
}
