package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/circlely/server/internal/db"
	"github.com/circlely/server/internal/model"
	"github.com/google/uuid"
)

// OtpRepo defines the interface for one-time passcode repository operations
type OtpRepo interface {
	Replace(ctx context.Context, userID uuid.UUID, email, codeHash string, purpose model.OTPPurpose, expiresAt time.Time) (uuid.UUID, error)
	GetActive(ctx context.Context, email string, purpose model.OTPPurpose, maxAttempts int) (model.OneTimePasscode, error)
	ClaimAttempt(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	Consume(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	HasVerifiedReset(ctx context.Context, email string) (bool, error)
	ResetPassword(ctx context.Context, email, passwordHash string) error
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Replace ensures only one code per email: atomically deletes every existing code
// for the email (any purpose, expired or not) and inserts the new one.
// Uses an advisory lock so concurrent issuers for the same email serialize.
func (r *otpRepo) Replace(ctx context.Context, userID uuid.UUID, email, codeHash string, purpose model.OTPPurpose, expiresAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		// Blocks until we hold the lock; released on COMMIT/ROLLBACK.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, email); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM otps WHERE email = $1`, email); err != nil {
			return fmt.Errorf("delete existing codes: %w", err)
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO otps (user_id, email, code_hash, purpose, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, userID, email, codeHash, string(purpose), expiresAt).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// GetActive returns the latest unexpired code for email+purpose that has fewer than maxAttempts attempts.
func (r *otpRepo) GetActive(ctx context.Context, email string, purpose model.OTPPurpose, maxAttempts int) (model.OneTimePasscode, error) {
	query := `
		SELECT id, user_id, email, code_hash, purpose, expires_at, attempt_count, verified_at, created_at
		FROM otps
		WHERE email = $1
		  AND purpose = $2
		  AND expires_at > now()
		  AND attempt_count < $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	var otp model.OneTimePasscode
	var purposeStr string
	var verifiedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, email, string(purpose), maxAttempts).Scan(
		&otp.ID,
		&otp.UserID,
		&otp.Email,
		&otp.CodeHash,
		&purposeStr,
		&otp.ExpiresAt,
		&otp.AttemptCount,
		&verifiedAt,
		&otp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OneTimePasscode{}, ErrNotFound
		}
		return model.OneTimePasscode{}, fmt.Errorf("query code: %w", err)
	}
	otp.Purpose = model.OTPPurpose(purposeStr)
	if verifiedAt.Valid {
		otp.VerifiedAt = &verifiedAt.Time
	}
	return otp, nil
}

// ClaimAttempt reserves one verification attempt on an unexpired code and returns
// the new attempt count. The guard and the increment are one statement, so no more
// than maxAttempts callers ever get past it; the rest see ErrNotFound.
func (r *otpRepo) ClaimAttempt(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otps SET attempt_count = attempt_count + 1
		WHERE id = $1 AND attempt_count < $2 AND expires_at > now()
		RETURNING attempt_count
	`, id, maxAttempts).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("claim attempt: %w", err)
	}
	return n, nil
}

// MarkVerified sets verified_at on an unexpired code.
func (r *otpRepo) MarkVerified(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otps SET verified_at = COALESCE(verified_at, now()) WHERE id = $1 AND expires_at > now()
	`, id)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Consume deletes an unexpired code and returns its user. Of two concurrent
// consumers of the same code exactly one gets the row; the other sees ErrNotFound.
func (r *otpRepo) Consume(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM otps WHERE id = $1 AND expires_at > now() RETURNING user_id
	`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("consume code: %w", err)
	}
	return userID, nil
}

// HasVerifiedReset reports whether a verified, unexpired reset code exists for email.
func (r *otpRepo) HasVerifiedReset(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM otps
			WHERE email = $1 AND purpose = 'reset' AND verified_at IS NOT NULL AND expires_at > now()
		)
	`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reset code: %w", err)
	}
	return exists, nil
}

// ResetPassword consumes the verified reset code for email and updates the
// user's password hash in one transaction. Returns ErrNotFound when no verified
// unexpired reset code exists and ErrUserMissing when the user row is gone.
func (r *otpRepo) ResetPassword(ctx context.Context, email, passwordHash string) error {
	return db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		var id uuid.UUID
		err := tx.QueryRowContext(ctx, `
			DELETE FROM otps
			WHERE email = $1 AND purpose = 'reset' AND verified_at IS NOT NULL AND expires_at > now()
			RETURNING id
		`, email).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("consume reset code: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM otps WHERE email = $1`, email); err != nil {
			return fmt.Errorf("delete remaining codes: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE users SET password_hash = $2, updated_at = now() WHERE email = $1
		`, email, passwordHash)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return ErrUserMissing
		}
		return nil
	})
}
