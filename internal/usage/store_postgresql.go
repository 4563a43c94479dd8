package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store on a pgx connection pool.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the store, the usage_logs table and its
// indexes. A background cleanup goroutine runs when retention is configured.
func NewPostgreSQLStore(pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_logs (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			user_id TEXT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			endpoint TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_created_at ON usage_logs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_provider ON usage_logs(provider)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_model ON usage_logs(model)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_user_id ON usage_logs(user_id)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// Insert writes a single entry. Replays of the same request ID are ignored.
func (s *PostgreSQLStore) Insert(ctx context.Context, entry *LogEntry) error {
	var metadataValue interface{}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			slog.Warn("failed to marshal usage metadata", "error", err, "id", entry.ID)
		} else {
			metadataValue = raw
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_logs (
			id, request_id, user_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd,
			latency_ms, status, error_message, endpoint, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_id) DO NOTHING`,
		entry.ID,
		entry.RequestID,
		entry.UserID,
		entry.Provider,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.TotalTokens,
		entry.CostUSD,
		entry.LatencyMs,
		entry.Status,
		entry.ErrorMessage,
		entry.Endpoint,
		metadataValue,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}
	return nil
}

// CostSince returns the total cost of entries created at or after since.
func (s *PostgreSQLStore) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(cost_usd), 0) FROM usage_logs WHERE created_at >= $1",
		since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

// Summarize aggregates matching rows in a single pass.
func (s *PostgreSQLStore) Summarize(ctx context.Context, params SummaryParams) (*Summary, error) {
	query := "SELECT provider, model, cost_usd, total_tokens FROM usage_logs"
	var conditions []string
	var args []interface{}

	if !params.Start.IsZero() {
		args = append(args, params.Start)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !params.End.IsZero() {
		args = append(args, params.End)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if params.UserID != "" {
		args = append(args, params.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	summary := NewSummary()
	for rows.Next() {
		var provider, model string
		var cost float64
		var tokens int64
		if err := rows.Scan(&provider, &model, &cost, &tokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		summary.add(provider, model, cost, tokens)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage rows: %w", err)
	}
	return summary, nil
}

// cleanup deletes entries older than the retention window.
func (s *PostgreSQLStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	tag, err := s.pool.Exec(context.Background(),
		"DELETE FROM usage_logs WHERE created_at < $1", cutoff)
	if err != nil {
		slog.Error("failed to clean up usage entries", "error", err)
		return
	}
	if deleted := tag.RowsAffected(); deleted > 0 {
		slog.Info("cleaned up old usage entries", "deleted", deleted, "retention_days", s.retentionDays)
	}
}

// Close stops the cleanup goroutine. The pool belongs to the storage layer
// and is closed there.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}
