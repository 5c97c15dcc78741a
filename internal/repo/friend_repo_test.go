package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/circlely/server/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectPairLock(mock sqlmock.Sqlmock, a, b uuid.UUID) {
	mock.ExpectExec(`pg_advisory_xact_lock\(2, hashtext\(\$1\)\)`).
		WithArgs(pairKey(a, b)).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectFriends(mock sqlmock.Sqlmock, exists bool) {
	mock.ExpectQuery(`SELECT EXISTS \(\s+SELECT 1 FROM friends`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestPairKeySymmetric(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, pairKey(a, b), pairKey(b, a))
	assert.NotEqual(t, pairKey(a, b), pairKey(a, uuid.New()))
}

func TestFriendRepo_SendCreatesRequest(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	alice, bob := uuid.New(), uuid.New()
	reqID := uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, alice, bob)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).
		WithArgs(bob, alice).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO friend_requests \(sender_id, receiver_id\)`).
		WithArgs(alice, bob).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "created_at"}).
			AddRow(reqID.String(), alice.String(), bob.String(), time.Now()))
	mock.ExpectCommit()

	req, outcome, err := r.Send(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRequested, outcome)
	assert.Equal(t, reqID, req.ID)
	assert.Equal(t, bob, req.ReceiverID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_SendResolvesReverseRequest(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	alice, bob := uuid.New(), uuid.New()
	reverseID := uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, alice, bob)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).
		WithArgs(bob, alice).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(reverseID.String()))
	mock.ExpectExec(`INSERT INTO friends \(user_id, friend_id\) VALUES \(\$1, \$2\), \(\$2, \$1\)`).
		WithArgs(alice, bob).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	req, outcome, err := r.Send(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeBefriended, outcome)
	assert.Equal(t, bob, req.SenderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_SendAlreadyFriends(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	alice, bob := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, alice, bob)
	expectFriends(mock, true)
	mock.ExpectRollback()

	_, _, err := r.Send(context.Background(), alice, bob)
	require.ErrorIs(t, err, ErrAlreadyFriends)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_SendDuplicate(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	alice, bob := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, alice, bob)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO friend_requests`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := r.Send(context.Background(), alice, bob)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestFriendRepo_SendToDeletedUser(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	alice, bob := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, alice, bob)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO friend_requests`).WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	_, _, err := r.Send(context.Background(), alice, bob)
	require.ErrorIs(t, err, ErrUserMissing)
}

func TestFriendRepo_Accept(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	accepter, requester := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, accepter, requester)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).
		WithArgs(requester, accepter).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
	mock.ExpectExec(`INSERT INTO friends`).
		WithArgs(accepter, requester).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, r.Accept(context.Background(), accepter, requester))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_AcceptMissingRequest(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	accepter, requester := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, accepter, requester)
	expectFriends(mock, false)
	mock.ExpectQuery(`DELETE FROM friend_requests`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	require.ErrorIs(t, r.Accept(context.Background(), accepter, requester), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_Cancel(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	canceller, requester := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectPairLock(mock, canceller, requester)
	mock.ExpectQuery(`DELETE FROM friend_requests`).
		WithArgs(requester, canceller).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	require.ErrorIs(t, r.Cancel(context.Background(), canceller, requester), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_ListPending(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	receiver, sender := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM friend_requests fr\s+JOIN users u ON u.id = fr.sender_id`).
		WithArgs(receiver).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender_id", "receiver_id", "created_at", "uid", "full_name", "email", "avatar_ref"}).
			AddRow(uuid.NewString(), sender.String(), receiver.String(), time.Now(), sender.String(), "Bob", "bob@example.com", "b.png"))

	pending, err := r.ListPending(context.Background(), receiver)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sender, pending[0].Sender.ID)
	require.NotNil(t, pending[0].Sender.AvatarRef)
}

func TestFriendRepo_ListFriends(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	user := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM friends WHERE user_id = \$1`).
		WithArgs(user).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`FROM friends f\s+JOIN users u`).
		WithArgs(user, 10, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "email", "avatar_ref"}).
			AddRow(uuid.NewString(), "Zed", "zed@example.com", nil).
			AddRow(uuid.NewString(), "Zoe", "zoe@example.com", nil))

	friends, total, err := r.ListFriends(context.Background(), user, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.Len(t, friends, 2)
}

func TestFriendRepo_CountFriends(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	user := uuid.New()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM friends WHERE user_id = \$1`).
		WithArgs(user).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := r.CountFriends(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFriendRepo_Relations(t *testing.T) {
	database, mock := newMock(t)
	r := NewFriendRepo(database)
	viewer, a, b := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`ANY\(\$2::uuid\[\]\)`).
		WithArgs(viewer, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"other", "kind"}).
			AddRow(a.String(), EdgeFriend).
			AddRow(b.String(), EdgeReceived))

	edges, err := r.Relations(context.Background(), viewer, []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Equal(t, []RelationEdge{{OtherID: a, Kind: EdgeFriend}, {OtherID: b, Kind: EdgeReceived}}, edges)

	edges, err = r.Relations(context.Background(), viewer, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
}
