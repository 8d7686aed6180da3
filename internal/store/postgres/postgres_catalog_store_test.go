package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCatalogStore_GetChannel_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCatalogStore(db)

	mock.ExpectQuery("SELECT id, title, thumbnail").
		WithArgs("UC404").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetChannel(context.Background(), "UC404")
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalogStore_GetSubscription_SoftDeleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCatalogStore(db)
	deletedAt := time.Now().Add(-time.Hour)

	mock.ExpectQuery("SELECT channel_id, account_id, user_submitted, deleted_at").
		WithArgs("UC1", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "account_id", "user_submitted", "deleted_at"}).
			AddRow("UC1", int64(5), false, deletedAt))

	sub, err := s.GetSubscription(context.Background(), "UC1", 5)
	require.NoError(t, err)
	require.NotNil(t, sub.DeletedAt)
	assert.False(t, sub.UserSubmitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalogStore_SoftDeleteSubscription_SkipsUserSubmitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCatalogStore(db)

	mock.ExpectExec("UPDATE tubefire.subscriptions SET deleted_at = now\\(\\)").
		WithArgs("UC1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := s.SoftDeleteSubscription(context.Background(), "UC1", 5)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalogStore_GetOrCreateCategory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCatalogStore(db)

	mock.ExpectQuery("INSERT INTO tubefire.video_categories").
		WithArgs("Music").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), "Music"))

	cat, err := s.GetOrCreateCategory(context.Background(), "Music")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cat.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalogStore_FinishChannelSync_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresCatalogStore(db)
	now := time.Now()

	mock.ExpectExec("UPDATE tubefire.channels SET updating = FALSE").
		WithArgs("UC1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.FinishChannelSync(context.Background(), "UC1", now)
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSession_InTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	f := NewPostgresSessionFactory(db)
	sess, err := f.OpenSession(context.Background())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tubefire.subscriptions").
		WithArgs("UC1", int64(5), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = sess.InTx(context.Background(), func(tx store.CatalogStore) error {
		return tx.CreateSubscription(context.Background(), &types.Subscription{ChannelID: "UC1", AccountID: 5})
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = sess.InTx(context.Background(), func(tx store.CatalogStore) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, sess.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
