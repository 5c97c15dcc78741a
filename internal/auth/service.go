package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/circlely/server/internal/apperr"
	"github.com/circlely/server/internal/logging"
	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/notify"
	"github.com/circlely/server/internal/repo"
	"github.com/google/uuid"
)

// Verification flows accepted by VerifyOTP
const (
	FlowLogin          = "login"
	FlowForgotPassword = "forgot-password"
)

// LoginResult is returned after valid credentials. DevOTP is only set in dev mode.
type LoginResult struct {
	UserID uuid.UUID
	DevOTP string
}

// VerifyResult carries tokens and the user for the login flow; both are nil for the reset flow.
type VerifyResult struct {
	Tokens *TokenPair
	User   *model.User
}

// AuthService orchestrates authentication operations
type AuthService struct {
	userRepo repo.UserRepo
	otps     *OTPService
	tokens   *TokenService
	mailer   notify.Mailer
	devMode  bool
	log      *slog.Logger
}

// NewAuthService creates a new auth service
func NewAuthService(
	userRepo repo.UserRepo,
	otps *OTPService,
	tokens *TokenService,
	mailer notify.Mailer,
	devMode bool,
	log *slog.Logger,
) *AuthService {
	return &AuthService{
		userRepo: userRepo,
		otps:     otps,
		tokens:   tokens,
		mailer:   mailer,
		devMode:  devMode,
		log:      log,
	}
}

// NormalizeEmail trims and lower-cases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func checkPasswordPolicy(password string) error {
	if len(password) < MinPasswordLength {
		return apperr.Validation(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

// Signup registers a new account. No session is created.
func (s *AuthService) Signup(ctx context.Context, fullName, email, password string) (model.User, error) {
	fullName = strings.TrimSpace(fullName)
	email = NormalizeEmail(email)
	if fullName == "" || email == "" {
		return model.User{}, apperr.Validation("Full name, email and password are required")
	}
	if err := checkPasswordPolicy(password); err != nil {
		return model.User{}, err
	}

	if _, err := s.userRepo.GetByEmail(ctx, email); err == nil {
		return model.User{}, apperr.Conflict("User already exists")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, err
	}

	user, err := s.userRepo.Create(ctx, fullName, email, hash)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return model.User{}, apperr.Conflict("User already exists")
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info("user signed up", "user_id", user.ID, "email", logging.MaskEmail(email))
	return user, nil
}

// Login checks credentials and issues a login OTP. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = NormalizeEmail(email)
	invalid := apperr.Unauthenticated("Invalid email or password")

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			burnPasswordCheck(password)
			s.log.Info("login failed", "email", logging.MaskEmail(email), "reason", "unknown email")
			return LoginResult{}, invalid
		}
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.log.Info("login failed", "user_id", user.ID, "reason", "wrong password")
		return LoginResult{}, invalid
	}

	code, err := s.otps.Issue(ctx, user.ID, user.Email, model.OTPPurposeLogin)
	if err != nil {
		return LoginResult{}, err
	}
	s.dispatchOTP(ctx, user.Email, code, model.OTPPurposeLogin)

	res := LoginResult{UserID: user.ID}
	if s.devMode {
		res.DevOTP = code
	}
	return res, nil
}

// VerifyOTP completes the login flow (consumes the code, issues tokens) or
// the forgot-password flow (marks the reset code verified).
func (s *AuthService) VerifyOTP(ctx context.Context, email, code, flow string) (VerifyResult, error) {
	email = NormalizeEmail(email)

	switch flow {
	case FlowLogin:
		userID, err := s.otps.Consume(ctx, email, code, model.OTPPurposeLogin)
		if err != nil {
			return VerifyResult{}, s.otpError(err)
		}
		user, err := s.userRepo.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return VerifyResult{}, apperr.NotFound("User not found")
			}
			return VerifyResult{}, fmt.Errorf("lookup user: %w", err)
		}
		pair, err := s.tokens.IssuePair(ctx, user)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("issue tokens: %w", err)
		}
		s.log.Info("user logged in", "user_id", user.ID)
		return VerifyResult{Tokens: &pair, User: &user}, nil

	case FlowForgotPassword:
		if _, err := s.otps.Verify(ctx, email, code, model.OTPPurposeReset); err != nil {
			return VerifyResult{}, s.otpError(err)
		}
		return VerifyResult{}, nil

	default:
		return VerifyResult{}, apperr.Validation("Invalid flow")
	}
}

// ForgotPassword issues a reset OTP for an existing account. The returned
// string is the code in dev mode and empty otherwise.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", apperr.NotFound("User not found")
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	code, err := s.otps.Issue(ctx, user.ID, user.Email, model.OTPPurposeReset)
	if err != nil {
		return "", err
	}
	s.dispatchOTP(ctx, user.Email, code, model.OTPPurposeReset)

	if s.devMode {
		return code, nil
	}
	return "", nil
}

// ResetPassword sets a new password once a reset code has been verified.
// Existing refresh tokens stay valid.
func (s *AuthService) ResetPassword(ctx context.Context, email, newPassword string) error {
	email = NormalizeEmail(email)
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	if err := s.otps.RequireVerifiedReset(ctx, email); err != nil {
		return s.otpError(err)
	}

	if _, err := s.userRepo.GetByEmail(ctx, email); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.otps.CompleteReset(ctx, email, hash); err != nil {
		if errors.Is(err, repo.ErrUserMissing) {
			return apperr.NotFound("User not found")
		}
		return s.otpError(err)
	}

	s.log.Info("password reset", "email", logging.MaskEmail(email))
	return nil
}

// ChangePassword replaces the password of an authenticated user and revokes all of their refresh tokens.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	if err := checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if !CheckPassword(user.PasswordHash, oldPassword) {
		return apperr.Unauthenticated("Old password is incorrect")
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdatePassword(ctx, user.ID, hash); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		return fmt.Errorf("update password: %w", err)
	}

	revoked, err := s.tokens.RevokeAll(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	s.log.Info("password changed", "user_id", user.ID, "revoked_tokens", revoked)
	return nil
}

// Refresh rotates a refresh token into a new token pair
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRefresh):
			return TokenPair{}, apperr.Forbidden("Invalid or expired refresh token")
		case errors.Is(err, ErrUserGone):
			return TokenPair{}, apperr.NotFound("User not found")
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return pair, nil
}

// Logout revokes one refresh token
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		if errors.Is(err, ErrInvalidRefresh) {
			return apperr.Forbidden("Invalid or expired refresh token")
		}
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// CurrentUser returns the user behind an access token
func (s *AuthService) CurrentUser(ctx context.Context, userID uuid.UUID) (model.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, apperr.NotFound("User not found")
		}
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *AuthService) otpError(err error) error {
	if errors.Is(err, ErrInvalidOTP) {
		return apperr.Unauthenticated("Invalid or expired OTP")
	}
	return fmt.Errorf("otp: %w", err)
}

// dispatchOTP runs after the code is committed. Failures are logged only.
func (s *AuthService) dispatchOTP(ctx context.Context, email, code string, purpose model.OTPPurpose) {
	subject, body := notify.OTPMail(code, string(purpose), s.otps.TTL())
	if err := s.mailer.Send(ctx, email, subject, body); err != nil {
		s.log.Error("failed to send otp mail", "email", logging.MaskEmail(email), "purpose", purpose, "error", err)
	}
}
