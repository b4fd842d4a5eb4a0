//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
)

func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	runStoreTests(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dbURL)
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		for _, table := range []string{"request_logs", "model_mappings", "api_keys", "channels", "conversion_rules", "tokens", "settings"} {
			if _, err := s.db.ExecContext(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
