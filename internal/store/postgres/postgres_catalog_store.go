package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
)

// PostgresCatalogStore runs catalog queries on whatever querier it was built with:
// the pool, a job's pinned connection or a transaction.
type PostgresCatalogStore struct {
	q querier
}

func NewPostgresCatalogStore(db *sql.DB) *PostgresCatalogStore {
	return &PostgresCatalogStore{q: db}
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", custom_errors.ErrNotFound, what)
	}
	return err
}

func (s *PostgresCatalogStore) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	var a types.Account
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, remote_channel_id FROM tubefire.accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.RemoteChannelID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("account %d", id))
	}
	return &a, nil
}

func (s *PostgresCatalogStore) ListLinkedAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, remote_channel_id FROM tubefire.accounts
		WHERE remote_channel_id IS NOT NULL AND remote_channel_id <> ''
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.RemoteChannelID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresCatalogStore) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	var ch types.Channel
	err := s.q.QueryRowContext(ctx, `
		SELECT id, title, thumbnail, last_videos_synced_at, updating
		FROM tubefire.channels WHERE id = $1`, id).
		Scan(&ch.ID, &ch.Title, &ch.Thumbnail, &ch.LastVideosSyncedAt, &ch.Updating)
	if err != nil {
		return nil, notFound(err, "channel "+id)
	}
	return &ch, nil
}

func (s *PostgresCatalogStore) CreateChannel(ctx context.Context, ch *types.Channel) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tubefire.channels (id, title, thumbnail, last_videos_synced_at, updating)
		VALUES ($1, $2, $3, $4, $5)`,
		ch.ID, ch.Title, ch.Thumbnail, ch.LastVideosSyncedAt, ch.Updating)
	if err != nil {
		return fmt.Errorf("create channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *PostgresCatalogStore) UpdateChannelInfo(ctx context.Context, id, title, thumbnail string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tubefire.channels SET title = $2, thumbnail = $3 WHERE id = $1`, id, title, thumbnail)
	return affected(res, err, "channel "+id)
}

func (s *PostgresCatalogStore) SetChannelUpdating(ctx context.Context, id string, updating bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tubefire.channels SET updating = $2 WHERE id = $1`, id, updating)
	return affected(res, err, "channel "+id)
}

func (s *PostgresCatalogStore) FinishChannelSync(ctx context.Context, id string, syncedAt time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tubefire.channels SET updating = FALSE, last_videos_synced_at = $2 WHERE id = $1`, id, syncedAt)
	return affected(res, err, "channel "+id)
}

func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", custom_errors.ErrNotFound, what)
	}
	return nil
}

func (s *PostgresCatalogStore) ListStaleChannels(ctx context.Context, before time.Time) ([]types.Channel, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, title, thumbnail, last_videos_synced_at, updating
		FROM tubefire.channels
		WHERE NOT updating AND last_videos_synced_at < $1
		ORDER BY last_videos_synced_at ASC`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.ID, &ch.Title, &ch.Thumbnail, &ch.LastVideosSyncedAt, &ch.Updating); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *PostgresCatalogStore) GetSubscription(ctx context.Context, channelID string, accountID int64) (*types.Subscription, error) {
	var sub types.Subscription
	err := s.q.QueryRowContext(ctx, `
		SELECT channel_id, account_id, user_submitted, deleted_at
		FROM tubefire.subscriptions WHERE channel_id = $1 AND account_id = $2`, channelID, accountID).
		Scan(&sub.ChannelID, &sub.AccountID, &sub.UserSubmitted, &sub.DeletedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("subscription %s/%d", channelID, accountID))
	}
	return &sub, nil
}

func (s *PostgresCatalogStore) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tubefire.subscriptions (channel_id, account_id, user_submitted)
		VALUES ($1, $2, $3)`, sub.ChannelID, sub.AccountID, sub.UserSubmitted)
	if err != nil {
		return fmt.Errorf("create subscription %s/%d: %w", sub.ChannelID, sub.AccountID, err)
	}
	return nil
}

func (s *PostgresCatalogStore) RestoreSubscription(ctx context.Context, channelID string, accountID int64) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tubefire.subscriptions SET deleted_at = NULL
		WHERE channel_id = $1 AND account_id = $2`, channelID, accountID)
	return affected(res, err, fmt.Sprintf("subscription %s/%d", channelID, accountID))
}

func (s *PostgresCatalogStore) SoftDeleteSubscription(ctx context.Context, channelID string, accountID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tubefire.subscriptions SET deleted_at = now()
		WHERE channel_id = $1 AND account_id = $2 AND deleted_at IS NULL AND NOT user_submitted`,
		channelID, accountID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresCatalogStore) ListActiveAutoSubscriptions(ctx context.Context, accountID int64) ([]types.Subscription, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT channel_id, account_id, user_submitted, deleted_at
		FROM tubefire.subscriptions
		WHERE account_id = $1 AND deleted_at IS NULL AND NOT user_submitted
		ORDER BY channel_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Subscription
	for rows.Next() {
		var sub types.Subscription
		if err := rows.Scan(&sub.ChannelID, &sub.AccountID, &sub.UserSubmitted, &sub.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PostgresCatalogStore) GetOrCreateCategory(ctx context.Context, name string) (*types.VideoCategory, error) {
	var cat types.VideoCategory
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO tubefire.video_categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, name).Scan(&cat.ID, &cat.Name)
	if err != nil {
		return nil, fmt.Errorf("category %q: %w", name, err)
	}
	return &cat, nil
}

func (s *PostgresCatalogStore) GetVideo(ctx context.Context, id string) (*types.Video, error) {
	var v types.Video
	err := s.q.QueryRowContext(ctx, `
		SELECT id, title, description, thumbnail, channel_id, category_id, published_at, updated_at
		FROM tubefire.videos WHERE id = $1`, id).
		Scan(&v.ID, &v.Title, &v.Description, &v.Thumbnail, &v.ChannelID, &v.CategoryID, &v.PublishedAt, &v.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "video "+id)
	}
	return &v, nil
}

func (s *PostgresCatalogStore) CreateVideo(ctx context.Context, v *types.Video) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tubefire.videos (id, title, description, thumbnail, channel_id, category_id, published_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		v.ID, v.Title, v.Description, v.Thumbnail, v.ChannelID, v.CategoryID, v.PublishedAt)
	if err != nil {
		return fmt.Errorf("create video %s: %w", v.ID, err)
	}
	return nil
}

func (s *PostgresCatalogStore) UpdateVideo(ctx context.Context, v *types.Video) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tubefire.videos
		SET title = $2, description = $3, thumbnail = $4, category_id = $5, published_at = $6, updated_at = now()
		WHERE id = $1`,
		v.ID, v.Title, v.Description, v.Thumbnail, v.CategoryID, v.PublishedAt)
	return affected(res, err, "video "+v.ID)
}

// PostgresSession is a job's scoped handle: one pinned pool connection.
type PostgresSession struct {
	*PostgresCatalogStore
	conn *sql.Conn
}

func (s *PostgresSession) InTx(ctx context.Context, fn func(tx store.CatalogStore) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&PostgresCatalogStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresSession) Close() error {
	return s.conn.Close()
}

// PostgresSessionFactory hands out one pinned connection per job.
type PostgresSessionFactory struct {
	db *sql.DB
}

func NewPostgresSessionFactory(db *sql.DB) *PostgresSessionFactory {
	return &PostgresSessionFactory{db: db}
}

func (f *PostgresSessionFactory) OpenSession(ctx context.Context) (store.Session, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &PostgresSession{PostgresCatalogStore: &PostgresCatalogStore{q: conn}, conn: conn}, nil
}
