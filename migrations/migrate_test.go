package migrations

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping migration integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return pool
}

func runSQL(t *testing.T, pool *pgxpool.Pool, filename string) {
	t.Helper()
	sql, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		t.Fatalf("failed to execute %s: %v", filename, err)
	}
}

// TestMigrations applies every migration in order, twice — they must be
// idempotent.
func TestMigrations(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	files, err := filepath.Glob("*.sql")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		t.Fatal("no migration files found")
	}

	for round := 0; round < 2; round++ {
		for _, f := range files {
			runSQL(t, pool, f)
		}
	}
}

// TestOneActiveAttemptInvariant exercises the partial unique index that
// backs TryCreate.
func TestOneActiveAttemptInvariant(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var credID, pairID, settingsID int64
	if err := pool.QueryRow(ctx,
		`INSERT INTO credentials (source) VALUES ('web') RETURNING id`).Scan(&credID); err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO connector_credential_pairs (name, source, credential_id)
		VALUES ('invariant-test', 'web', $1) RETURNING id`, credID).Scan(&pairID); err != nil {
		t.Fatalf("insert pair: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO search_settings (status, embedding_model, embedding_dim, index_name)
		VALUES ('Past', 'test-model', 4, 'test-index') RETURNING id`).Scan(&settingsID); err != nil {
		t.Fatalf("insert settings: %v", err)
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO index_attempts (pair_id, search_settings_id, status, task_id)
		VALUES ($1, $2, 'InProgress', 't1')`, pairID, settingsID); err != nil {
		t.Fatalf("first attempt: %v", err)
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO index_attempts (pair_id, search_settings_id, status, task_id)
		VALUES ($1, $2, 'NotStarted', 't2')`, pairID, settingsID)
	if err == nil {
		t.Fatal("second non-terminal attempt must violate the unique index")
	}

	// A terminal attempt alongside the active one is fine.
	if _, err := pool.Exec(ctx, `
		INSERT INTO index_attempts (pair_id, search_settings_id, status, task_id)
		VALUES ($1, $2, 'Failed', 't3')`, pairID, settingsID); err != nil {
		t.Fatalf("terminal attempt should insert: %v", err)
	}
}
