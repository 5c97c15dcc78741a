package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshRepo_Rotate(t *testing.T) {
	database, mock := newMock(t)
	r := NewRefreshRepo(database)

	userID := uuid.New()
	exp := time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM refresh_tokens\s+WHERE token_hash = \$1 AND expires_at > now\(\)\s+RETURNING user_id`).
		WithArgs("old").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(userID.String()))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(userID, "new", exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := r.Rotate(context.Background(), "old", "new", exp)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRepo_RotateConsumedToken(t *testing.T) {
	database, mock := newMock(t)
	r := NewRefreshRepo(database)

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM refresh_tokens`).
		WithArgs("old").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Rotate(context.Background(), "old", "new", time.Now())
	require.ErrorIs(t, err, ErrNotFound)
	// no successor may be inserted
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRepo_Delete(t *testing.T) {
	database, mock := newMock(t)
	r := NewRefreshRepo(database)

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE token_hash = \$1`).
		WithArgs("h").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.Delete(context.Background(), "h"))

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE token_hash = \$1`).
		WithArgs("h").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, r.Delete(context.Background(), "h"), ErrNotFound)
}

func TestRefreshRepo_DeleteAllForUser(t *testing.T) {
	database, mock := newMock(t)
	r := NewRefreshRepo(database)
	userID := uuid.New()

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE user_id = \$1`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := r.DeleteAllForUser(context.Background(), userID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
