package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
)

type subKey struct {
	channelID string
	accountID int64
}

// CatalogStore keeps the media catalog in maps. Transactions run one at a time and roll back on
// error, but writes outside a transaction are not isolated from them.
type CatalogStore struct {
	txMu          sync.Mutex
	mu            sync.Mutex
	accounts      map[int64]types.Account
	channels      map[string]types.Channel
	subscriptions map[subKey]types.Subscription
	categories    map[string]types.VideoCategory
	videos        map[string]types.Video
	nextCategory  int64
	openSessions  atomic.Int64
}

func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		accounts:      make(map[int64]types.Account),
		channels:      make(map[string]types.Channel),
		subscriptions: make(map[subKey]types.Subscription),
		categories:    make(map[string]types.VideoCategory),
		videos:        make(map[string]types.Video),
	}
}

var _ store.CatalogStore = (*CatalogStore)(nil)
var _ store.SessionFactory = (*CatalogStore)(nil)

type session struct {
	*CatalogStore
	closed atomic.Bool
}

func (s *session) InTx(_ context.Context, fn func(tx store.CatalogStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s.CatalogStore); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type catalogSnapshot struct {
	accounts      map[int64]types.Account
	channels      map[string]types.Channel
	subscriptions map[subKey]types.Subscription
	categories    map[string]types.VideoCategory
	videos        map[string]types.Video
	nextCategory  int64
}

func (c *CatalogStore) snapshot() catalogSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return catalogSnapshot{
		accounts:      maps.Clone(c.accounts),
		channels:      maps.Clone(c.channels),
		subscriptions: maps.Clone(c.subscriptions),
		categories:    maps.Clone(c.categories),
		videos:        maps.Clone(c.videos),
		nextCategory:  c.nextCategory,
	}
}

func (c *CatalogStore) restore(snap catalogSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts = snap.accounts
	c.channels = snap.channels
	c.subscriptions = snap.subscriptions
	c.categories = snap.categories
	c.videos = snap.videos
	c.nextCategory = snap.nextCategory
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.openSessions.Add(-1)
	}
	return nil
}

func (c *CatalogStore) OpenSession(_ context.Context) (store.Session, error) {
	c.openSessions.Add(1)
	return &session{CatalogStore: c}, nil
}

// OpenSessions returns the number of sessions not closed yet.
func (c *CatalogStore) OpenSessions() int64 {
	return c.openSessions.Load()
}

func (c *CatalogStore) AddAccount(a types.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.ID] = a
}

func (c *CatalogStore) PutChannel(ch types.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.ID] = ch
}

func (c *CatalogStore) PutSubscription(sub types.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[subKey{sub.ChannelID, sub.AccountID}] = sub
}

// Subscriptions returns every subscription row, deleted or not, ordered by channel.
func (c *CatalogStore) Subscriptions() []types.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

func (c *CatalogStore) Videos() []types.Video {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Video, 0, len(c.videos))
	for _, v := range c.videos {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out
}

func (c *CatalogStore) GetAccount(_ context.Context, id int64) (*types.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", custom_errors.ErrNotFound, id)
	}
	return &a, nil
}

func (c *CatalogStore) ListLinkedAccounts(_ context.Context) ([]types.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Account
	for _, a := range c.accounts {
		if a.Linked() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *CatalogStore) GetChannel(_ context.Context, id string) (*types.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", custom_errors.ErrNotFound, id)
	}
	return &ch, nil
}

func (c *CatalogStore) CreateChannel(_ context.Context, ch *types.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[ch.ID]; ok {
		return fmt.Errorf("channel %s already exists", ch.ID)
	}
	c.channels[ch.ID] = *ch
	return nil
}

func (c *CatalogStore) UpdateChannelInfo(_ context.Context, id, title, thumbnail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", custom_errors.ErrNotFound, id)
	}
	ch.Title, ch.Thumbnail = title, thumbnail
	c.channels[id] = ch
	return nil
}

func (c *CatalogStore) SetChannelUpdating(_ context.Context, id string, updating bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", custom_errors.ErrNotFound, id)
	}
	ch.Updating = updating
	c.channels[id] = ch
	return nil
}

func (c *CatalogStore) FinishChannelSync(_ context.Context, id string, syncedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	if !ok {
		return fmt.Errorf("%w: channel %s", custom_errors.ErrNotFound, id)
	}
	ch.Updating = false
	ch.LastVideosSyncedAt = syncedAt
	c.channels[id] = ch
	return nil
}

func (c *CatalogStore) ListStaleChannels(_ context.Context, before time.Time) ([]types.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Channel
	for _, ch := range c.channels {
		if !ch.Updating && ch.LastVideosSyncedAt.Before(before) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastVideosSyncedAt.Before(out[j].LastVideosSyncedAt) })
	return out, nil
}

func (c *CatalogStore) GetSubscription(_ context.Context, channelID string, accountID int64) (*types.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subscriptions[subKey{channelID, accountID}]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s/%d", custom_errors.ErrNotFound, channelID, accountID)
	}
	return &s, nil
}

func (c *CatalogStore) CreateSubscription(_ context.Context, sub *types.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey{sub.ChannelID, sub.AccountID}
	if _, ok := c.subscriptions[key]; ok {
		return fmt.Errorf("subscription %s/%d already exists", sub.ChannelID, sub.AccountID)
	}
	c.subscriptions[key] = *sub
	return nil
}

func (c *CatalogStore) RestoreSubscription(_ context.Context, channelID string, accountID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey{channelID, accountID}
	s, ok := c.subscriptions[key]
	if !ok {
		return fmt.Errorf("%w: subscription %s/%d", custom_errors.ErrNotFound, channelID, accountID)
	}
	s.DeletedAt = nil
	c.subscriptions[key] = s
	return nil
}

func (c *CatalogStore) SoftDeleteSubscription(_ context.Context, channelID string, accountID int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey{channelID, accountID}
	s, ok := c.subscriptions[key]
	if !ok || s.UserSubmitted || s.DeletedAt != nil {
		return false, nil
	}
	now := time.Now()
	s.DeletedAt = &now
	c.subscriptions[key] = s
	return true, nil
}

func (c *CatalogStore) ListActiveAutoSubscriptions(_ context.Context, accountID int64) ([]types.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Subscription
	for _, s := range c.subscriptions {
		if s.AccountID == accountID && !s.UserSubmitted && s.DeletedAt == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (c *CatalogStore) GetOrCreateCategory(_ context.Context, name string) (*types.VideoCategory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat, ok := c.categories[name]; ok {
		return &cat, nil
	}
	c.nextCategory++
	cat := types.VideoCategory{ID: c.nextCategory, Name: name}
	c.categories[name] = cat
	return &cat, nil
}

func (c *CatalogStore) GetVideo(_ context.Context, id string) (*types.Video, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.videos[id]
	if !ok {
		return nil, fmt.Errorf("%w: video %s", custom_errors.ErrNotFound, id)
	}
	return &v, nil
}

func (c *CatalogStore) CreateVideo(_ context.Context, v *types.Video) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.videos[v.ID]; ok {
		return fmt.Errorf("video %s already exists", v.ID)
	}
	c.videos[v.ID] = *v
	return nil
}

func (c *CatalogStore) UpdateVideo(_ context.Context, v *types.Video) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.videos[v.ID]; !ok {
		return fmt.Errorf("%w: video %s", custom_errors.ErrNotFound, v.ID)
	}
	c.videos[v.ID] = *v
	return nil
}
