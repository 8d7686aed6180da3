package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/tubefire/types"
)

type PostgresProxyStore struct {
	db *sql.DB
}

func NewPostgresProxyStore(db *sql.DB) *PostgresProxyStore {
	return &PostgresProxyStore{db: db}
}

func (s *PostgresProxyStore) LeaseLeastRecentlyUsed(ctx context.Context, freshSince, now time.Time) (*types.Proxy, error) {
	var p types.Proxy
	err := s.db.QueryRowContext(ctx, `
		UPDATE tubefire.proxies SET last_used_at = $2
		WHERE id = (
			SELECT id FROM tubefire.proxies
			WHERE created_at >= $1
			ORDER BY last_used_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, address, port, last_used_at, created_at`, freshSince, now).
		Scan(&p.ID, &p.Address, &p.Port, &p.LastUsedAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease proxy: %w", err)
	}
	return &p, nil
}

func (s *PostgresProxyStore) AddMissing(ctx context.Context, proxies []types.Proxy, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	for _, p := range proxies {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tubefire.proxies (address, port, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (address, port) DO NOTHING`, p.Address, p.Port, now)
		if err != nil {
			return 0, fmt.Errorf("add proxy %s: %w", p.HostPort(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func (s *PostgresProxyStore) PurgeOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tubefire.proxies WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresProxyStore) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tubefire.proxies WHERE id = $1`, id)
	return err
}
