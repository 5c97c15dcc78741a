package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/circlely/server/internal/db"
	"github.com/circlely/server/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Relation kinds returned by FriendRepo.Relations
const (
	EdgeFriend   = "friend"
	EdgeSent     = "sent"
	EdgeReceived = "received"
)

// RelationEdge is one relation between the viewer and another user.
type RelationEdge struct {
	OtherID uuid.UUID
	Kind    string
}

// FriendRepo defines the interface for friend request and friendship operations
type FriendRepo interface {
	Send(ctx context.Context, senderID, receiverID uuid.UUID) (model.FriendRequest, model.RequestOutcome, error)
	Accept(ctx context.Context, accepterID, requesterID uuid.UUID) error
	Cancel(ctx context.Context, cancellerID, requesterID uuid.UUID) error
	ListPending(ctx context.Context, receiverID uuid.UUID) ([]model.PendingRequest, error)
	ListFriends(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.UserSummary, int, error)
	CountFriends(ctx context.Context, userID uuid.UUID) (int, error)
	Relations(ctx context.Context, viewerID uuid.UUID, others []uuid.UUID) ([]RelationEdge, error)
}

type friendRepo struct {
	db *sql.DB
}

// NewFriendRepo creates a new FriendRepo instance
func NewFriendRepo(db *sql.DB) FriendRepo {
	return &friendRepo{db: db}
}

// pairKey is the same for (a,b) and (b,a).
func pairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}

// lockPair serializes every friend mutation on the unordered pair until the transaction ends.
func lockPair(ctx context.Context, tx db.DBTX, a, b uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, pairKey(a, b)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func areFriends(ctx context.Context, tx db.DBTX, a, b uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM friends
			WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)
		)
	`, a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return exists, nil
}

func insertFriendship(ctx context.Context, tx db.DBTX, a, b uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO friends (user_id, friend_id) VALUES ($1, $2), ($2, $1)
	`, a, b)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyFriends
		}
		if isForeignKeyViolation(err) {
			return ErrUserMissing
		}
		return fmt.Errorf("insert friendship: %w", err)
	}
	return nil
}

// deleteRequest removes the pending sender->receiver request and returns its ID,
// or ErrNotFound when there is none.
func deleteRequest(ctx context.Context, tx db.DBTX, senderID, receiverID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		DELETE FROM friend_requests
		WHERE sender_id = $1 AND receiver_id = $2 AND status = 'pending'
		RETURNING id
	`, senderID, receiverID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("delete friend request: %w", err)
	}
	return id, nil
}

// Send creates a pending sender->receiver request. When the receiver already has a
// pending request to the sender, that request is resolved into a friendship instead.
func (r *friendRepo) Send(ctx context.Context, senderID, receiverID uuid.UUID) (model.FriendRequest, model.RequestOutcome, error) {
	var req model.FriendRequest
	var outcome model.RequestOutcome

	err := db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		if err := lockPair(ctx, tx, senderID, receiverID); err != nil {
			return err
		}

		friends, err := areFriends(ctx, tx, senderID, receiverID)
		if err != nil {
			return err
		}
		if friends {
			return ErrAlreadyFriends
		}

		reverseID, err := deleteRequest(ctx, tx, receiverID, senderID)
		switch {
		case err == nil:
			if err := insertFriendship(ctx, tx, senderID, receiverID); err != nil {
				return err
			}
			req = model.FriendRequest{ID: reverseID, SenderID: receiverID, ReceiverID: senderID}
			outcome = model.OutcomeBefriended
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO friend_requests (sender_id, receiver_id)
			VALUES ($1, $2)
			RETURNING id, sender_id, receiver_id, created_at
		`, senderID, receiverID).Scan(&req.ID, &req.SenderID, &req.ReceiverID, &req.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			if isForeignKeyViolation(err) {
				return ErrUserMissing
			}
			return fmt.Errorf("insert friend request: %w", err)
		}
		outcome = model.OutcomeRequested
		return nil
	})
	if err != nil {
		return model.FriendRequest{}, "", err
	}
	return req, outcome, nil
}

// Accept converts the pending requester->accepter request into a friendship.
// Both directed rows are inserted and the request deleted in one transaction.
func (r *friendRepo) Accept(ctx context.Context, accepterID, requesterID uuid.UUID) error {
	return db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		if err := lockPair(ctx, tx, accepterID, requesterID); err != nil {
			return err
		}

		friends, err := areFriends(ctx, tx, accepterID, requesterID)
		if err != nil {
			return err
		}
		if friends {
			return ErrAlreadyFriends
		}

		if _, err := deleteRequest(ctx, tx, requesterID, accepterID); err != nil {
			return err
		}
		return insertFriendship(ctx, tx, accepterID, requesterID)
	})
}

// Cancel deletes the pending requester->canceller request. ErrNotFound means it was already gone.
func (r *friendRepo) Cancel(ctx context.Context, cancellerID, requesterID uuid.UUID) error {
	return db.WithTx(ctx, r.db, func(ctx context.Context, tx db.DBTX) error {
		if err := lockPair(ctx, tx, cancellerID, requesterID); err != nil {
			return err
		}
		_, err := deleteRequest(ctx, tx, requesterID, cancellerID)
		return err
	})
}

// ListPending returns the pending requests addressed to receiverID, newest first.
func (r *friendRepo) ListPending(ctx context.Context, receiverID uuid.UUID) ([]model.PendingRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fr.id, fr.sender_id, fr.receiver_id, fr.created_at,
		       u.id, u.full_name, u.email, u.avatar_ref
		FROM friend_requests fr
		JOIN users u ON u.id = fr.sender_id
		WHERE fr.receiver_id = $1 AND fr.status = 'pending'
		ORDER BY fr.created_at DESC
	`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	out := make([]model.PendingRequest, 0)
	for rows.Next() {
		var p model.PendingRequest
		var avatar sql.NullString
		if err := rows.Scan(
			&p.ID, &p.SenderID, &p.ReceiverID, &p.CreatedAt,
			&p.Sender.ID, &p.Sender.FullName, &p.Sender.Email, &avatar,
		); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		if avatar.Valid {
			p.Sender.AvatarRef = &avatar.String
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending requests: %w", err)
	}
	return out, nil
}

// ListFriends returns one page of userID's friends ordered by name plus the total count.
func (r *friendRepo) ListFriends(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.UserSummary, int, error) {
	total, err := r.CountFriends(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.full_name, u.email, u.avatar_ref
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = $1
		ORDER BY u.full_name ASC, u.id ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	friends, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return friends, total, nil
}

// CountFriends returns how many friends userID has
func (r *friendRepo) CountFriends(ctx context.Context, userID uuid.UUID) (int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM friends WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count friends: %w", err)
	}
	return total, nil
}

// Relations returns every friendship and pending request edge between viewerID and others.
func (r *friendRepo) Relations(ctx context.Context, viewerID uuid.UUID, others []uuid.UUID) ([]RelationEdge, error) {
	if len(others) == 0 {
		return nil, nil
	}
	ids := make([]string, len(others))
	for i, id := range others {
		ids[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT friend_id, 'friend' FROM friends
		WHERE user_id = $1 AND friend_id = ANY($2::uuid[])
		UNION ALL
		SELECT receiver_id, 'sent' FROM friend_requests
		WHERE sender_id = $1 AND receiver_id = ANY($2::uuid[]) AND status = 'pending'
		UNION ALL
		SELECT sender_id, 'received' FROM friend_requests
		WHERE receiver_id = $1 AND sender_id = ANY($2::uuid[]) AND status = 'pending'
	`, viewerID, pq.StringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()

	var edges []RelationEdge
	for rows.Next() {
		var e RelationEdge
		if err := rows.Scan(&e.OtherID, &e.Kind); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return edges, nil
}
