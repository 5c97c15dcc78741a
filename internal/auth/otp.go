package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/circlely/server/internal/logging"
	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/repo"
	"github.com/google/uuid"
)

const (
	otpDigits   = 6
	maxAttempts = 5
	devOTPCode  = "123456"
)

// ErrInvalidOTP is returned for a wrong, expired, exhausted or missing code.
var ErrInvalidOTP = errors.New("invalid or expired OTP")

// OTPService issues and checks one-time passcodes backed by OtpRepo.
// At most one code is active per email; issuing replaces any previous one.
type OTPService struct {
	otpRepo repo.OtpRepo
	salt    string
	ttl     time.Duration
	devMode bool
	log     *slog.Logger
}

// NewOTPService creates a new OTP service. In devMode every issued code is 123456.
func NewOTPService(otpRepo repo.OtpRepo, salt string, ttl time.Duration, devMode bool, log *slog.Logger) *OTPService {
	return &OTPService{
		otpRepo: otpRepo,
		salt:    salt,
		ttl:     ttl,
		devMode: devMode,
		log:     log,
	}
}

// TTL is how long an issued code stays valid
func (s *OTPService) TTL() time.Duration { return s.ttl }

// Issue stores a fresh code for email and returns the plaintext for dispatch.
// Never log the returned value.
func (s *OTPService) Issue(ctx context.Context, userID uuid.UUID, email string, purpose model.OTPPurpose) (string, error) {
	code := devOTPCode
	if !s.devMode {
		var err error
		code, err = generateOTPCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
	}

	expiresAt := time.Now().Add(s.ttl)
	if _, err := s.otpRepo.Replace(ctx, userID, email, hashOTPHex(email, code, s.salt), purpose, expiresAt); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	s.log.Debug("otp issued", "email", logging.MaskEmail(email), "purpose", purpose)
	return code, nil
}

// Verify checks code against the active code for email+purpose and marks it verified
// without deleting it. Used by the reset flow.
func (s *OTPService) Verify(ctx context.Context, email, code string, purpose model.OTPPurpose) (uuid.UUID, error) {
	otp, err := s.match(ctx, email, code, purpose)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.otpRepo.MarkVerified(ctx, otp.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, ErrInvalidOTP
		}
		return uuid.Nil, err
	}
	return otp.UserID, nil
}

// Consume checks code and deletes it. Of two concurrent consumers of the same
// code exactly one succeeds.
func (s *OTPService) Consume(ctx context.Context, email, code string, purpose model.OTPPurpose) (uuid.UUID, error) {
	otp, err := s.match(ctx, email, code, purpose)
	if err != nil {
		return uuid.Nil, err
	}
	userID, err := s.otpRepo.Consume(ctx, otp.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, ErrInvalidOTP
		}
		return uuid.Nil, err
	}
	return userID, nil
}

// RequireVerifiedReset fails with ErrInvalidOTP unless a verified, unexpired reset code exists for email.
func (s *OTPService) RequireVerifiedReset(ctx context.Context, email string) error {
	ok, err := s.otpRepo.HasVerifiedReset(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidOTP
	}
	return nil
}

// CompleteReset consumes the verified reset code and stores the new password hash atomically.
func (s *OTPService) CompleteReset(ctx context.Context, email, passwordHash string) error {
	err := s.otpRepo.ResetPassword(ctx, email, passwordHash)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrInvalidOTP
	}
	return err
}

// match claims one attempt on the active code before comparing, so concurrent
// guesses can never check more than maxAttempts values against a code.
func (s *OTPService) match(ctx context.Context, email, code string, purpose model.OTPPurpose) (model.OneTimePasscode, error) {
	otp, err := s.otpRepo.GetActive(ctx, email, purpose, maxAttempts)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.OneTimePasscode{}, ErrInvalidOTP
		}
		return model.OneTimePasscode{}, fmt.Errorf("load code: %w", err)
	}

	n, err := s.otpRepo.ClaimAttempt(ctx, otp.ID, maxAttempts)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.log.Info("otp attempts exhausted", "email", logging.MaskEmail(email), "purpose", purpose)
			return model.OneTimePasscode{}, ErrInvalidOTP
		}
		return model.OneTimePasscode{}, fmt.Errorf("claim attempt: %w", err)
	}

	stored, err := hex.DecodeString(otp.CodeHash)
	if err != nil || !constantTimeCompare(hashOTPBytes(email, code, s.salt), stored) {
		s.log.Info("otp mismatch", "email", logging.MaskEmail(email), "purpose", purpose, "attempts", n)
		return model.OneTimePasscode{}, ErrInvalidOTP
	}
	return otp, nil
}

func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// hashOTPHex returns SHA-256(email:code:salt) as hex for DB storage
func hashOTPHex(email, code, salt string) string {
	return hex.EncodeToString(hashOTPBytes(email, code, salt))
}

func hashOTPBytes(email, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s", email, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func constantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
