package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/circlely/server/internal/db"
	"github.com/google/uuid"
)

// RefreshRepo defines the interface for refresh token repository operations
type RefreshRepo interface {
	Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error)
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (uuid.UUID, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

// Create inserts a new refresh token
func (r *refreshRepo) Create(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, userID, tokenHash, expiresAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert refresh token: %w", err)
	}
	return id, nil
}

// Rotate deletes the unexpired token matching oldHash and inserts its successor
// for the same user in one transaction, returning the user ID.
//
// The DELETE is the linearization point: a concurrent rotation of the same token
// blocks on the row lock, then deletes zero rows and gets ErrNotFound, so nothing
// is ever inserted for an already consumed predecessor.
func (r *refreshRepo) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (uuid.UUID, error) {
	var userID uuid.UUID
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		err := tx.QueryRowContext(ctx, `
			DELETE FROM refresh_tokens
			WHERE token_hash = $1 AND expires_at > now()
			RETURNING user_id
		`, oldHash).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("delete refresh token: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO refresh_tokens (user_id, token_hash, expires_at)
			VALUES ($1, $2, $3)
		`, userID, newHash, expiresAt)
		if err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// Delete removes a single unexpired refresh token
func (r *refreshRepo) Delete(ctx context.Context, tokenHash string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE token_hash = $1 AND expires_at > now()
	`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllForUser removes every refresh token of a user and returns how many were removed
func (r *refreshRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete refresh tokens for user: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
