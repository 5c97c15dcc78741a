// Package repotest provides an in-memory implementation of the repo
// interfaces with the same error contract as the Postgres ones.
package repotest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/circlely/server/internal/model"
	"github.com/circlely/server/internal/repo"
	"github.com/google/uuid"
)

type pair [2]uuid.UUID

// Store holds every table. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	offset   time.Duration
	users    map[uuid.UUID]model.User
	otps     map[uuid.UUID]model.OneTimePasscode
	refresh  map[string]model.RefreshToken
	requests map[pair]model.FriendRequest
	friends  map[pair]time.Time
}

// New returns an empty store
func New() *Store {
	return &Store{
		users:    make(map[uuid.UUID]model.User),
		otps:     make(map[uuid.UUID]model.OneTimePasscode),
		refresh:  make(map[string]model.RefreshToken),
		requests: make(map[pair]model.FriendRequest),
		friends:  make(map[pair]time.Time),
	}
}

// Advance moves the store clock forward so rows expire without sleeping.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

func (s *Store) now() time.Time { return time.Now().Add(s.offset) }

func (s *Store) Users() repo.UserRepo { return userStore{s} }

func (s *Store) OTPs() repo.OtpRepo { return otpStore{s} }

func (s *Store) Refresh() repo.RefreshRepo { return refreshStore{s} }

func (s *Store) Friends() repo.FriendRepo { return friendStore{s} }

// DeleteUser removes a user row only, like a manual delete in the database.
func (s *Store) DeleteUser(id uuid.UUID) {
	s.mu.Lock()
	delete(s.users, id)
	s.mu.Unlock()
}

// RefreshCount returns the number of stored refresh tokens of userID.
func (s *Store) RefreshCount(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.refresh {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

// OTPCount returns the number of stored codes for email.
func (s *Store) OTPCount(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.otps {
		if o.Email == email {
			n++
		}
	}
	return n
}

// AreFriends reports whether both directed friend rows exist.
func (s *Store) AreFriends(a, b uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ab := s.friends[pair{a, b}]
	_, ba := s.friends[pair{b, a}]
	return ab && ba
}

// HasRequest reports whether a pending sender->receiver request exists.
func (s *Store) HasRequest(sender, receiver uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[pair{sender, receiver}]
	return ok
}

func summary(u model.User) model.UserSummary {
	return model.UserSummary{ID: u.ID, FullName: u.FullName, Email: u.Email, AvatarRef: u.AvatarRef}
}

func sortSummaries(list []model.UserSummary) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].FullName != list[j].FullName {
			return list[i].FullName < list[j].FullName
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}

func page[T any](list []T, limit, offset int) []T {
	if offset >= len(list) {
		return []T{}
	}
	end := offset + limit
	if end > len(list) {
		end = len(list)
	}
	return list[offset:end]
}

// users

type userStore struct{ s *Store }

func (r userStore) Create(_ context.Context, fullName, email, passwordHash string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			return model.User{}, repo.ErrDuplicate
		}
	}
	now := r.s.now()
	u := model.User{ID: uuid.New(), FullName: fullName, Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	r.s.users[u.ID] = u
	return u, nil
}

func (r userStore) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (r userStore) GetByEmail(_ context.Context, email string) (model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (r userStore) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = r.s.now()
	r.s.users[id] = u
	return nil
}

func (r userStore) Search(_ context.Context, viewerID uuid.UUID, query string, limit, offset int) ([]model.UserSummary, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q := strings.ToLower(query)
	var all []model.UserSummary
	for _, u := range r.s.users {
		if u.ID != viewerID && strings.Contains(strings.ToLower(u.FullName), q) {
			all = append(all, summary(u))
		}
	}
	sortSummaries(all)
	return page(all, limit, offset), len(all), nil
}

// otps

type otpStore struct{ s *Store }

func (r otpStore) Replace(_ context.Context, userID uuid.UUID, email, codeHash string, purpose model.OTPPurpose, expiresAt time.Time) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, o := range r.s.otps {
		if o.Email == email {
			delete(r.s.otps, id)
		}
	}
	o := model.OneTimePasscode{
		ID: uuid.New(), UserID: userID, Email: email, CodeHash: codeHash,
		Purpose: purpose, ExpiresAt: expiresAt, CreatedAt: r.s.now(),
	}
	r.s.otps[o.ID] = o
	return o.ID, nil
}

func (r otpStore) GetActive(_ context.Context, email string, purpose model.OTPPurpose, maxAttempts int) (model.OneTimePasscode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *model.OneTimePasscode
	for _, o := range r.s.otps {
		o := o
		if o.Email != email || o.Purpose != purpose || !o.ExpiresAt.After(r.s.now()) || o.AttemptCount >= maxAttempts {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = &o
		}
	}
	if best == nil {
		return model.OneTimePasscode{}, repo.ErrNotFound
	}
	return *best, nil
}

func (r otpStore) ClaimAttempt(_ context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.otps[id]
	if !ok || o.AttemptCount >= maxAttempts || !o.ExpiresAt.After(r.s.now()) {
		return 0, repo.ErrNotFound
	}
	o.AttemptCount++
	r.s.otps[id] = o
	return o.AttemptCount, nil
}

func (r otpStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.otps[id]
	if !ok || !o.ExpiresAt.After(r.s.now()) {
		return repo.ErrNotFound
	}
	if o.VerifiedAt == nil {
		now := r.s.now()
		o.VerifiedAt = &now
		r.s.otps[id] = o
	}
	return nil
}

func (r otpStore) Consume(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.otps[id]
	if !ok || !o.ExpiresAt.After(r.s.now()) {
		return uuid.Nil, repo.ErrNotFound
	}
	delete(r.s.otps, id)
	return o.UserID, nil
}

func (r otpStore) verifiedReset(email string) (uuid.UUID, bool) {
	for id, o := range r.s.otps {
		if o.Email == email && o.Purpose == model.OTPPurposeReset && o.VerifiedAt != nil && o.ExpiresAt.After(r.s.now()) {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (r otpStore) HasVerifiedReset(_ context.Context, email string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.verifiedReset(email)
	return ok, nil
}

func (r otpStore) ResetPassword(_ context.Context, email, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.verifiedReset(email); !ok {
		return repo.ErrNotFound
	}
	var target *model.User
	for _, u := range r.s.users {
		u := u
		if u.Email == email {
			target = &u
		}
	}
	if target == nil {
		return repo.ErrUserMissing
	}
	for id, o := range r.s.otps {
		if o.Email == email {
			delete(r.s.otps, id)
		}
	}
	target.PasswordHash = passwordHash
	target.UpdatedAt = r.s.now()
	r.s.users[target.ID] = *target
	return nil
}

// refresh tokens

type refreshStore struct{ s *Store }

func (r refreshStore) Create(_ context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := model.RefreshToken{ID: uuid.New(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: r.s.now()}
	r.s.refresh[tokenHash] = t
	return t.ID, nil
}

func (r refreshStore) Rotate(_ context.Context, oldHash, newHash string, expiresAt time.Time) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.refresh[oldHash]
	if !ok || !t.ExpiresAt.After(r.s.now()) {
		return uuid.Nil, repo.ErrNotFound
	}
	delete(r.s.refresh, oldHash)
	r.s.refresh[newHash] = model.RefreshToken{ID: uuid.New(), UserID: t.UserID, TokenHash: newHash, ExpiresAt: expiresAt, CreatedAt: r.s.now()}
	return t.UserID, nil
}

func (r refreshStore) Delete(_ context.Context, tokenHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.refresh[tokenHash]
	if !ok || !t.ExpiresAt.After(r.s.now()) {
		return repo.ErrNotFound
	}
	delete(r.s.refresh, tokenHash)
	return nil
}

func (r refreshStore) DeleteAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for h, t := range r.s.refresh {
		if t.UserID == userID {
			delete(r.s.refresh, h)
			n++
		}
	}
	return n, nil
}

// friends

type friendStore struct{ s *Store }

func (r friendStore) areFriends(a, b uuid.UUID) bool {
	_, ab := r.s.friends[pair{a, b}]
	_, ba := r.s.friends[pair{b, a}]
	return ab || ba
}

func (r friendStore) befriend(a, b uuid.UUID) error {
	if _, ok := r.s.users[a]; !ok {
		return repo.ErrUserMissing
	}
	if _, ok := r.s.users[b]; !ok {
		return repo.ErrUserMissing
	}
	now := r.s.now()
	r.s.friends[pair{a, b}] = now
	r.s.friends[pair{b, a}] = now
	return nil
}

func (r friendStore) Send(_ context.Context, senderID, receiverID uuid.UUID) (model.FriendRequest, model.RequestOutcome, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.areFriends(senderID, receiverID) {
		return model.FriendRequest{}, "", repo.ErrAlreadyFriends
	}
	if rev, ok := r.s.requests[pair{receiverID, senderID}]; ok {
		if err := r.befriend(senderID, receiverID); err != nil {
			return model.FriendRequest{}, "", err
		}
		delete(r.s.requests, pair{receiverID, senderID})
		return rev, model.OutcomeBefriended, nil
	}
	if _, ok := r.s.requests[pair{senderID, receiverID}]; ok {
		return model.FriendRequest{}, "", repo.ErrDuplicate
	}
	if _, ok := r.s.users[receiverID]; !ok {
		return model.FriendRequest{}, "", repo.ErrUserMissing
	}
	req := model.FriendRequest{ID: uuid.New(), SenderID: senderID, ReceiverID: receiverID, CreatedAt: r.s.now()}
	r.s.requests[pair{senderID, receiverID}] = req
	return req, model.OutcomeRequested, nil
}

func (r friendStore) Accept(_ context.Context, accepterID, requesterID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.areFriends(accepterID, requesterID) {
		return repo.ErrAlreadyFriends
	}
	key := pair{requesterID, accepterID}
	if _, ok := r.s.requests[key]; !ok {
		return repo.ErrNotFound
	}
	if err := r.befriend(accepterID, requesterID); err != nil {
		return err
	}
	delete(r.s.requests, key)
	return nil
}

func (r friendStore) Cancel(_ context.Context, cancellerID, requesterID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := pair{requesterID, cancellerID}
	if _, ok := r.s.requests[key]; !ok {
		return repo.ErrNotFound
	}
	delete(r.s.requests, key)
	return nil
}

func (r friendStore) ListPending(_ context.Context, receiverID uuid.UUID) ([]model.PendingRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.PendingRequest, 0)
	for k, req := range r.s.requests {
		if k[1] != receiverID {
			continue
		}
		sender, ok := r.s.users[req.SenderID]
		if !ok {
			continue
		}
		out = append(out, model.PendingRequest{FriendRequest: req, Sender: summary(sender)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r friendStore) ListFriends(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.UserSummary, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []model.UserSummary
	for k := range r.s.friends {
		if k[0] != userID {
			continue
		}
		if u, ok := r.s.users[k[1]]; ok {
			all = append(all, summary(u))
		}
	}
	sortSummaries(all)
	return page(all, limit, offset), len(all), nil
}

func (r friendStore) CountFriends(_ context.Context, userID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for k := range r.s.friends {
		if k[0] == userID {
			n++
		}
	}
	return n, nil
}

func (r friendStore) Relations(_ context.Context, viewerID uuid.UUID, others []uuid.UUID) ([]repo.RelationEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var edges []repo.RelationEdge
	for _, id := range others {
		if _, ok := r.s.friends[pair{viewerID, id}]; ok {
			edges = append(edges, repo.RelationEdge{OtherID: id, Kind: repo.EdgeFriend})
		}
		if _, ok := r.s.requests[pair{viewerID, id}]; ok {
			edges = append(edges, repo.RelationEdge{OtherID: id, Kind: repo.EdgeSent})
		}
		if _, ok := r.s.requests[pair{id, viewerID}]; ok {
			edges = append(edges, repo.RelationEdge{OtherID: id, Kind: repo.EdgeReceived})
		}
	}
	return edges, nil
}
