package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/circlely/server/internal/model"
	"github.com/google/uuid"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	Create(ctx context.Context, fullName, email, passwordHash string) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	Search(ctx context.Context, viewerID uuid.UUID, query string, limit, offset int) ([]model.UserSummary, int, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, full_name, email, password_hash, avatar_ref, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (model.User, error) {
	var u model.User
	var avatar sql.NullString
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.PasswordHash, &avatar, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	if avatar.Valid {
		u.AvatarRef = &avatar.String
	}
	return u, nil
}

// Create inserts a new user. A taken email yields ErrDuplicate.
func (r *userRepo) Create(ctx context.Context, fullName, email, passwordHash string) (model.User, error) {
	query := `
		INSERT INTO users (full_name, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRowContext(ctx, query, fullName, email, passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, ErrDuplicate
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by email
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// UpdatePassword replaces the password hash of a user
func (r *userRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Search returns users whose name contains query (case-insensitive), excluding the viewer,
// ordered by name, plus the total number of matches.
func (r *userRepo) Search(ctx context.Context, viewerID uuid.UUID, query string, limit, offset int) ([]model.UserSummary, int, error) {
	pattern := likePattern(query)

	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE full_name ILIKE $1 AND id <> $2
	`, pattern, viewerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, full_name, email, avatar_ref
		FROM users
		WHERE full_name ILIKE $1 AND id <> $2
		ORDER BY full_name ASC, id ASC
		LIMIT $3 OFFSET $4
	`, pattern, viewerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func scanSummaries(rows *sql.Rows) ([]model.UserSummary, error) {
	out := make([]model.UserSummary, 0)
	for rows.Next() {
		var s model.UserSummary
		var avatar sql.NullString
		if err := rows.Scan(&s.ID, &s.FullName, &s.Email, &avatar); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if avatar.Valid {
			s.AvatarRef = &avatar.String
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}
