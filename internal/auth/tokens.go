package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/repo"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRefresh is returned for an unknown, expired or already rotated refresh token.
	ErrInvalidRefresh = errors.New("invalid or expired refresh token")
	// ErrUserGone is returned when a token outlived its user.
	ErrUserGone = errors.New("user not found")
)

// TokenPair is an access token with its refresh token
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenService issues access tokens and rotating refresh tokens
type TokenService struct {
	jwt         *JWTService
	refreshRepo repo.RefreshRepo
	userRepo    repo.UserRepo
	refreshTTL  time.Duration
}

// NewTokenService creates a new token service
func NewTokenService(jwt *JWTService, refreshRepo repo.RefreshRepo, userRepo repo.UserRepo, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		jwt:         jwt,
		refreshRepo: refreshRepo,
		userRepo:    userRepo,
		refreshTTL:  refreshTTL,
	}
}

// IssuePair creates a new access token and persists a new refresh token for user
func (s *TokenService) IssuePair(ctx context.Context, user model.User) (TokenPair, error) {
	access, err := s.jwt.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, hash, err := GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := s.refreshRepo.Create(ctx, user.ID, hash, time.Now().Add(s.refreshTTL)); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token is
// invalid afterwards; presenting it again yields ErrInvalidRefresh.
func (s *TokenService) Rotate(ctx context.Context, presented string) (TokenPair, error) {
	if presented == "" {
		return TokenPair{}, ErrInvalidRefresh
	}

	refresh, newHash, err := GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	userID, err := s.refreshRepo.Rotate(ctx, HashRefreshToken(presented), newHash, time.Now().Add(s.refreshTTL))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, ErrInvalidRefresh
		}
		return TokenPair{}, err
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, ErrUserGone
		}
		return TokenPair{}, err
	}

	access, err := s.jwt.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Revoke deletes a single refresh token
func (s *TokenService) Revoke(ctx context.Context, presented string) error {
	if presented == "" {
		return ErrInvalidRefresh
	}
	err := s.refreshRepo.Delete(ctx, HashRefreshToken(presented))
	if errors.Is(err, repo.ErrNotFound) {
		return ErrInvalidRefresh
	}
	return err
}

// RevokeAll deletes every refresh token of userID
func (s *TokenService) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.refreshRepo.DeleteAllForUser(ctx, userID)
}
