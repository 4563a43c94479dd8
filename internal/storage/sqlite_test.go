package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Detached tracker goroutines all write through the same connection; WAL
// mode and the single-writer pool must keep that safe.
func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS test_usage (id TEXT PRIMARY KEY, data TEXT)`); err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, `INSERT INTO test_usage (id, data) VALUES (?, ?)`,
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d: %w", id, j, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_usage").Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if want := goroutines * insertsPerGoroutine; count != want {
		t.Errorf("got %d rows, want %d", count, want)
	}
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported storage type")
	}
}
