// Package usage records per-call LLM usage: cost computation, a structured
// log line for every call, best-effort persistence and daily spend summaries.
package usage

import (
	"context"
	"time"
)

// Entry status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// LogEntry is one persisted usage record. One row per gateway call.
type LogEntry struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	UserID       string         `json:"user_id,omitempty"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	LatencyMs    int64          `json:"latency_ms"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Endpoint     string         `json:"endpoint,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SummaryParams filters a usage summary query. Zero times mean unbounded,
// empty UserID means all users.
type SummaryParams struct {
	Start  time.Time
	End    time.Time
	UserID string
}

// Bucket aggregates usage for one provider or model.
type Bucket struct {
	CostUSD  float64 `json:"cost_usd"`
	Tokens   int64   `json:"tokens"`
	Requests int64   `json:"requests"`
}

// Summary is the aggregate view over a time window.
type Summary struct {
	TotalCostUSD  float64            `json:"total_cost_usd"`
	TotalTokens   int64              `json:"total_tokens"`
	TotalRequests int64              `json:"total_requests"`
	ByProvider    map[string]*Bucket `json:"by_provider"`
	ByModel       map[string]*Bucket `json:"by_model"`
}

// NewSummary returns an empty summary with initialized maps, so callers can
// serve it directly when the store is unavailable.
func NewSummary() *Summary {
	return &Summary{
		ByProvider: make(map[string]*Bucket),
		ByModel:    make(map[string]*Bucket),
	}
}

// add folds one row into the summary. Aggregation is a single pass over
// whatever rows the store returns.
func (s *Summary) add(provider, model string, costUSD float64, tokens int64) {
	s.TotalCostUSD += costUSD
	s.TotalTokens += tokens
	s.TotalRequests++

	bump(s.ByProvider, provider, costUSD, tokens)
	bump(s.ByModel, model, costUSD, tokens)
}

func bump(buckets map[string]*Bucket, key string, costUSD float64, tokens int64) {
	b := buckets[key]
	if b == nil {
		b = &Bucket{}
		buckets[key] = b
	}
	b.CostUSD += costUSD
	b.Tokens += tokens
	b.Requests++
}

// Store persists usage entries and answers aggregate queries.
type Store interface {
	// Insert writes a single entry. Duplicate request IDs are ignored.
	Insert(ctx context.Context, entry *LogEntry) error

	// CostSince returns the total cost of entries created at or after since.
	CostSince(ctx context.Context, since time.Time) (float64, error)

	// Summarize aggregates entries matching params.
	Summarize(ctx context.Context, params SummaryParams) (*Summary, error)

	Close() error
}
