package store

import (
	"context"
	"time"

	"github.com/RezaEskandarii/tubefire/types"
)

// CatalogStore reads and writes accounts, channels, subscriptions and videos.
// Lookups of missing rows return custom_errors.ErrNotFound.
type CatalogStore interface {
	GetAccount(ctx context.Context, id int64) (*types.Account, error)
	ListLinkedAccounts(ctx context.Context) ([]types.Account, error)

	GetChannel(ctx context.Context, id string) (*types.Channel, error)
	CreateChannel(ctx context.Context, ch *types.Channel) error
	UpdateChannelInfo(ctx context.Context, id, title, thumbnail string) error
	SetChannelUpdating(ctx context.Context, id string, updating bool) error
	// FinishChannelSync clears the updating flag and stamps the last sync time.
	FinishChannelSync(ctx context.Context, id string, syncedAt time.Time) error
	// ListStaleChannels returns idle channels last synced before the given time.
	ListStaleChannels(ctx context.Context, before time.Time) ([]types.Channel, error)

	// GetSubscription returns the row even when soft-deleted.
	GetSubscription(ctx context.Context, channelID string, accountID int64) (*types.Subscription, error)
	CreateSubscription(ctx context.Context, sub *types.Subscription) error
	RestoreSubscription(ctx context.Context, channelID string, accountID int64) error
	// SoftDeleteSubscription marks an auto-discovered subscription deleted. User-submitted rows are never touched.
	SoftDeleteSubscription(ctx context.Context, channelID string, accountID int64) (bool, error)
	// ListActiveAutoSubscriptions returns the account's non-deleted, non-user-submitted subscriptions.
	ListActiveAutoSubscriptions(ctx context.Context, accountID int64) ([]types.Subscription, error)

	GetOrCreateCategory(ctx context.Context, name string) (*types.VideoCategory, error)
	GetVideo(ctx context.Context, id string) (*types.Video, error)
	CreateVideo(ctx context.Context, v *types.Video) error
	UpdateVideo(ctx context.Context, v *types.Video) error
}

// Session is the scoped storage handle a job runs with. It must be closed on every exit path.
type Session interface {
	CatalogStore

	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx CatalogStore) error) error

	Close() error
}

type SessionFactory interface {
	OpenSession(ctx context.Context) (Session, error)
}
