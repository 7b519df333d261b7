package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"agora/internal/models"
	"agora/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepository_UpdatePresence(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "users" SET "connection_id"=$1,"last_seen_at"=$2,"online_status"=$3`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdatePresence(context.Background(), 7, models.StatusOnline, "conn-1", time.Now())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_UpdatePresence_UnknownUser(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "users" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.UpdatePresence(context.Background(), 99, models.StatusOffline, "", time.Now())
	assert.True(t, models.HasCode(err, models.ErrCodeNotFound))
}

func TestUserRepository_GetByID_DatabaseError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "users" WHERE "users"."id" = $1`)).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.GetByID(context.Background(), 1)
	assert.True(t, models.HasCode(err, models.ErrCodeInternal))
}

func TestUserRepository_SQLite(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	u := &models.User{Username: "ada"}
	require.NoError(t, repo.Create(ctx, u))
	assert.Equal(t, models.StatusOffline, u.OnlineStatus)

	seen := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdatePresence(ctx, u.ID, models.StatusOnline, "conn-9", seen))

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline())
	assert.Equal(t, "conn-9", got.ConnectionID)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(seen))

	_, err = repo.GetByID(ctx, 12345)
	assert.True(t, models.HasCode(err, models.ErrCodeNotFound))
}
