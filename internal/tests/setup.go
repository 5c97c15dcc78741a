// Package tests holds end-to-end tests that run the full router against a real
// PostgreSQL database. They are skipped when DATABASE_URL is not set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
)

// TruncateTables empties every application table for a clean test state.
func TruncateTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE friends, friend_requests, refresh_tokens, otps, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
