package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// sqliteTimeLayout is a fixed-width UTC timestamp so lexicographic string
// comparison in SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the store, the usage_logs table and its indexes.
// A background cleanup goroutine runs when retention is configured.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			endpoint TEXT,
			metadata JSON,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_logs table: %w", err)
	}

	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_logs_request_id ON usage_logs(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_created_at ON usage_logs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_provider ON usage_logs(provider)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_model ON usage_logs(model)",
		"CREATE INDEX IF NOT EXISTS idx_usage_logs_user_id ON usage_logs(user_id)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}
	return store, nil
}

// Insert writes a single entry. Replays of the same request ID are ignored.
func (s *SQLiteStore) Insert(ctx context.Context, entry *LogEntry) error {
	var metadataValue interface{}
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			slog.Warn("failed to marshal usage metadata", "error", err, "id", entry.ID)
		} else {
			metadataValue = string(raw)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_logs (
			id, request_id, user_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd,
			latency_ms, status, error_message, endpoint, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		entry.CreatedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}
	return nil
}

// CostSince returns the total cost of entries created at or after since.
func (s *SQLiteStore) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost_usd), 0) FROM usage_logs WHERE created_at >= ?",
		since.UTC().Format(sqliteTimeLayout),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

// Summarize aggregates matching rows in a single pass.
func (s *SQLiteStore) Summarize(ctx context.Context, params SummaryParams) (*Summary, error) {
	query := "SELECT provider, model, cost_usd, total_tokens FROM usage_logs"
	var conditions []string
	var args []interface{}

	if !params.Start.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, params.Start.UTC().Format(sqliteTimeLayout))
	}
	if !params.End.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, params.End.UTC().Format(sqliteTimeLayout))
	}
	if params.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, params.UserID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec(
		"DELETE FROM usage_logs WHERE created_at < ?",
		cutoff.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		slog.Error("failed to clean up usage entries", "error", err)
		return
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		slog.Info("cleaned up old usage entries", "deleted", deleted, "retention_days", s.retentionDays)
	}
}

// Close stops the cleanup goroutine. The DB itself belongs to the storage
// layer and is closed there.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}
