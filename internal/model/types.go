package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system
type User struct {
	ID           uuid.UUID
	FullName     string
	Email        string
	PasswordHash string
	AvatarRef    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ImagePath returns the public path of the avatar, or nil when none is set.
func (u User) ImagePath() *string {
	return ImagePath(u.AvatarRef)
}

// ImagePath maps a stored avatar reference to its public path.
func ImagePath(ref *string) *string {
	if ref == nil || *ref == "" {
		return nil
	}
	p := "/uploads/" + *ref
	return &p
}

// OTPPurpose is the flow a one-time passcode was issued for
type OTPPurpose string

const (
	OTPPurposeLogin OTPPurpose = "login"
	OTPPurposeReset OTPPurpose = "reset"
)

// Valid reports whether p is a known purpose.
func (p OTPPurpose) Valid() bool {
	return p == OTPPurposeLogin || p == OTPPurposeReset
}

// OneTimePasscode represents a stored OTP. Only the salted hash of the code is persisted.
type OneTimePasscode struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Email        string
	CodeHash     string
	Purpose      OTPPurpose
	ExpiresAt    time.Time
	AttemptCount int
	VerifiedAt   *time.Time
	CreatedAt    time.Time
}

// RefreshToken represents a persisted refresh token (hash only)
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// UserSummary is the public projection of a user used in friend listings
type UserSummary struct {
	ID        uuid.UUID
	FullName  string
	Email     string
	AvatarRef *string
}

// FriendRequest is a pending, directed friend request
type FriendRequest struct {
	ID         uuid.UUID
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	CreatedAt  time.Time
}

// RequestOutcome is the result of sending a friend request
type RequestOutcome string

const (
	// OutcomeRequested means a new pending request was stored.
	OutcomeRequested RequestOutcome = "requested"
	// OutcomeBefriended means a reverse pending request existed and the pair became friends.
	OutcomeBefriended RequestOutcome = "befriended"
)

// PendingRequest is a pending request joined with its sender
type PendingRequest struct {
	FriendRequest
	Sender UserSummary
}

// Relation describes how a user relates to the viewer
type Relation struct {
	IsFriend        bool
	RequestSent     bool
	RequestReceived bool
}

// UserWithRelation is a user summary annotated with its relation to the viewer
type UserWithRelation struct {
	UserSummary
	Relation
}
