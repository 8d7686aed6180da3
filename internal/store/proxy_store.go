package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/tubefire/types"
)

// ProxyStore persists the rotating proxy pool.
type ProxyStore interface {
	// LeaseLeastRecentlyUsed picks the entry created at or after freshSince with the oldest (or no)
	// last use, stamps it with now and returns it. Returns nil when no entry qualifies.
	LeaseLeastRecentlyUsed(ctx context.Context, freshSince, now time.Time) (*types.Proxy, error)

	// AddMissing inserts the proxies whose address and port are not known yet.
	AddMissing(ctx context.Context, proxies []types.Proxy, now time.Time) (int, error)

	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)

	Remove(ctx context.Context, id int64) error
}
