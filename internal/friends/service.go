// Package friends implements the friend request state machine and the user
// lookups that report how another user relates to the viewer.
package friends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/circlely/server/internal/apperr"
	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/notify"
	"github.com/circlely/server/internal/repo"
	"github.com/google/uuid"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Page is one page of users plus the paging window it was read with
type Page struct {
	Total  int
	Offset int
	Limit  int
	Users  []model.UserWithRelation
}

// FriendsPage is one page of a user's friends
type FriendsPage struct {
	Total   int
	Offset  int
	Limit   int
	Friends []model.UserSummary
}

// Profile is a user as seen by another user, with their friend count
type Profile struct {
	model.UserWithRelation
	TotalFriends int
}

// Service orchestrates friend operations
type Service struct {
	users     repo.UserRepo
	friends   repo.FriendRepo
	publisher notify.Publisher
	log       *slog.Logger
}

// NewService creates a new friends service
func NewService(users repo.UserRepo, friends repo.FriendRepo, publisher notify.Publisher, log *slog.Logger) *Service {
	return &Service{
		users:     users,
		friends:   friends,
		publisher: publisher,
		log:       log,
	}
}

// NormalizePaging applies the default and max limit. Negative values are rejected.
func NormalizePaging(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, apperr.Validation("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit, offset, nil
}

// counterpart loads the other user of a friend operation. Self-targeting (reported
// with selfMsg) and unknown users are validation errors.
func (s *Service) counterpart(ctx context.Context, self, other uuid.UUID, selfMsg string) (model.User, error) {
	if other == uuid.Nil {
		return model.User{}, apperr.Validation("Friend id is required")
	}
	if self == other {
		return model.User{}, apperr.Validation(selfMsg)
	}
	u, err := s.users.GetByID(ctx, other)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, apperr.Validation("User not found")
		}
		return model.User{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

// SendRequest sends a friend request from senderID to receiverID. A pending request in the
// other direction turns the pair into friends instead; the outcome tells which happened.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID uuid.UUID) (model.RequestOutcome, error) {
	if _, err := s.counterpart(ctx, senderID, receiverID, "You cannot send a friend request to yourself"); err != nil {
		return "", err
	}
	sender, err := s.users.GetByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", apperr.NotFound("User not found")
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	req, outcome, err := s.friends.Send(ctx, senderID, receiverID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrAlreadyFriends):
			return "", apperr.Conflict("You are already friends")
		case errors.Is(err, repo.ErrDuplicate):
			return "", apperr.Conflict("Friend request already sent")
		case errors.Is(err, repo.ErrUserMissing):
			return "", apperr.Validation("User not found")
		}
		return "", fmt.Errorf("send friend request: %w", err)
	}

	s.log.Info("friend request sent", "sender_id", senderID, "receiver_id", receiverID, "outcome", outcome)

	switch outcome {
	case model.OutcomeBefriended:
		s.publish(ctx, receiverID, notify.EventFriendRequestAccepted, map[string]any{
			"by": userPayload(sender),
		})
	default:
		s.publish(ctx, receiverID, notify.EventFriendRequestReceived, map[string]any{
			"requestId": req.ID,
			"from":      userPayload(sender),
		})
	}
	return outcome, nil
}

// AcceptRequest accepts the pending request requesterID sent to accepterID.
func (s *Service) AcceptRequest(ctx context.Context, accepterID, requesterID uuid.UUID) error {
	if _, err := s.counterpart(ctx, accepterID, requesterID, "You cannot accept a friend request from yourself"); err != nil {
		return err
	}

	if err := s.friends.Accept(ctx, accepterID, requesterID); err != nil {
		switch {
		case errors.Is(err, repo.ErrAlreadyFriends):
			return apperr.Conflict("You are already friends")
		case errors.Is(err, repo.ErrNotFound):
			return apperr.NotFound("No pending friend request from this user")
		case errors.Is(err, repo.ErrUserMissing):
			return apperr.Validation("User not found")
		}
		return fmt.Errorf("accept friend request: %w", err)
	}

	s.log.Info("friend request accepted", "accepter_id", accepterID, "requester_id", requesterID)

	if accepter, err := s.users.GetByID(ctx, accepterID); err == nil {
		s.publish(ctx, requesterID, notify.EventFriendRequestAccepted, map[string]any{
			"by": userPayload(accepter),
		})
	}
	return nil
}

// CancelRequest removes the pending request requesterID sent to cancellerID.
func (s *Service) CancelRequest(ctx context.Context, cancellerID, requesterID uuid.UUID) error {
	if _, err := s.counterpart(ctx, cancellerID, requesterID, "You cannot cancel a friend request from yourself"); err != nil {
		return err
	}

	if err := s.friends.Cancel(ctx, cancellerID, requesterID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.NotFound("Friend request already removed")
		}
		return fmt.Errorf("cancel friend request: %w", err)
	}

	s.log.Info("friend request cancelled", "canceller_id", cancellerID, "requester_id", requesterID)
	return nil
}

// ListPending returns the requests waiting for userID, newest first.
func (s *Service) ListPending(ctx context.Context, userID uuid.UUID) ([]model.PendingRequest, error) {
	pending, err := s.friends.ListPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	for _, p := range pending {
		if p.SenderID == userID || p.ReceiverID != userID {
			s.log.Error("inconsistent pending request", "request_id", p.ID, "user_id", userID)
			return nil, apperr.New(apperr.ErrInternal, "inconsistent friend request")
		}
	}
	return pending, nil
}

// ListFriends returns one page of userID's friends ordered by name.
func (s *Service) ListFriends(ctx context.Context, userID uuid.UUID, limit, offset int) (FriendsPage, error) {
	limit, offset, err := NormalizePaging(limit, offset)
	if err != nil {
		return FriendsPage{}, err
	}
	friends, total, err := s.friends.ListFriends(ctx, userID, limit, offset)
	if err != nil {
		return FriendsPage{}, fmt.Errorf("list friends: %w", err)
	}
	return FriendsPage{Total: total, Offset: offset, Limit: limit, Friends: friends}, nil
}

// GetUser returns another user's public profile with its relation to viewerID
// and how many friends they have.
func (s *Service) GetUser(ctx context.Context, viewerID, id uuid.UUID) (Profile, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Profile{}, apperr.NotFound("User not found")
		}
		return Profile{}, fmt.Errorf("lookup user: %w", err)
	}

	summary := model.UserSummary{ID: u.ID, FullName: u.FullName, Email: u.Email, AvatarRef: u.AvatarRef}
	annotated, err := s.annotate(ctx, viewerID, []model.UserSummary{summary})
	if err != nil {
		return Profile{}, err
	}
	total, err := s.friends.CountFriends(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	return Profile{UserWithRelation: annotated[0], TotalFriends: total}, nil
}

// SearchUsers finds users by name (case-insensitive substring), excluding the viewer.
func (s *Service) SearchUsers(ctx context.Context, viewerID uuid.UUID, query string, limit, offset int) (Page, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Page{}, apperr.Validation("Search query is required")
	}
	limit, offset, err := NormalizePaging(limit, offset)
	if err != nil {
		return Page{}, err
	}

	found, total, err := s.users.Search(ctx, viewerID, query, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("search users: %w", err)
	}
	annotated, err := s.annotate(ctx, viewerID, found)
	if err != nil {
		return Page{}, err
	}
	return Page{Total: total, Offset: offset, Limit: limit, Users: annotated}, nil
}

// annotate attaches relation flags. Edges are keyed by uuid.UUID on both sides.
func (s *Service) annotate(ctx context.Context, viewerID uuid.UUID, users []model.UserSummary) ([]model.UserWithRelation, error) {
	ids := make([]uuid.UUID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	edges, err := s.friends.Relations(ctx, viewerID, ids)
	if err != nil {
		return nil, fmt.Errorf("load relations: %w", err)
	}

	rel := make(map[uuid.UUID]model.Relation, len(edges))
	for _, e := range edges {
		r := rel[e.OtherID]
		switch e.Kind {
		case repo.EdgeFriend:
			r.IsFriend = true
		case repo.EdgeSent:
			r.RequestSent = true
		case repo.EdgeReceived:
			r.RequestReceived = true
		}
		rel[e.OtherID] = r
	}

	out := make([]model.UserWithRelation, len(users))
	for i, u := range users {
		out[i] = model.UserWithRelation{UserSummary: u, Relation: rel[u.ID]}
	}
	return out, nil
}

// publish runs after commit; a failure never undoes the mutation.
func (s *Service) publish(ctx context.Context, userID uuid.UUID, eventType string, payload any) {
	if err := s.publisher.Publish(ctx, userID, notify.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Error("failed to publish event", "type", eventType, "user_id", userID, "error", err)
	}
}

func userPayload(u model.User) map[string]any {
	return map[string]any{
		"id":       u.ID,
		"fullName": u.FullName,
		"image":    u.ImagePath(),
	}
}
