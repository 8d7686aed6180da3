package types

import "time"

type Account struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	RemoteChannelID *string `json:"remote_channel_id,omitempty"`
}

// Linked reports whether the account has a remote identity to sync from.
func (a *Account) Linked() bool {
	return a.RemoteChannelID != nil && *a.RemoteChannelID != ""
}

type Channel struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Thumbnail          string    `json:"thumbnail"`
	LastVideosSyncedAt time.Time `json:"last_videos_synced_at"`
	Updating           bool      `json:"updating"`
}

type Subscription struct {
	ChannelID     string     `json:"channel_id"`
	AccountID     int64      `json:"account_id"`
	UserSubmitted bool       `json:"user_submitted"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

type VideoCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Video struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Thumbnail   string    `json:"thumbnail"`
	ChannelID   string    `json:"channel_id"`
	CategoryID  int64     `json:"category_id"`
	PublishedAt time.Time `json:"published_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChannelEvent is published when a channel starts or finishes ingesting.
type ChannelEvent struct {
	ChannelID string `json:"channel_id"`
	Updating  bool   `json:"updating"`
}

// SyncSummary is published after a subscription sync pass completes.
type SyncSummary struct {
	AccountID int64 `json:"account_id"`
	Seen      int   `json:"seen"`
	Created   int   `json:"created"`
	Restored  int   `json:"restored"`
	Swept     int   `json:"swept"`
}
