package catalog

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/constants"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/proxypool"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/internal/store/memory"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkedCatalog() *memory.CatalogStore {
	catalog := memory.NewCatalogStore()
	catalog.AddAccount(types.Account{ID: 1, Name: "alice", RemoteChannelID: ptr("UCalice")})
	return catalog
}

func TestSyncAccount_NotLinkedIsNoop(t *testing.T) {
	catalog := memory.NewCatalogStore()
	catalog.AddAccount(types.Account{ID: 1, Name: "alice"})
	queue := newRecordingQueue()
	sources := func(*url.URL) youtube.Source {
		t.Fatal("source must not be used for an unlinked account")
		return nil
	}
	w := New(queue, nil, sources, nil, logger.Discard(), Options{})

	res, err := w.SyncAccount(jobContext(t, catalog, SyncAccountJob, SyncArgs{AccountID: 1}))
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Empty(t, queue.jobs)
	assert.Empty(t, catalog.Subscriptions())
}

func TestSyncAccount_InvalidArgs(t *testing.T) {
	w := New(newRecordingQueue(), nil, newFakeSource().factory(), nil, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, linkedCatalog(), SyncAccountJob, SyncArgs{}))
	assert.True(t, jobqueue.IsPermanent(err))
	assert.ErrorIs(t, err, custom_errors.ErrInvalidPayload)

	_, err = w.SyncAccount(jobContext(t, linkedCatalog(), SyncAccountJob, SyncArgs{AccountID: 99}))
	assert.True(t, jobqueue.IsPermanent(err))
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
}

func TestSyncAccount_CreatesRowsAndQueuesIngestForNewChannels(t *testing.T) {
	catalog := linkedCatalog()
	catalog.PutChannel(types.Channel{ID: "UCknown", Title: "old title", LastVideosSyncedAt: time.Now()})

	src := newFakeSource()
	src.subscriptions[""] = youtube.SubscriptionPage{
		Items: []youtube.SubscriptionItem{
			{ChannelID: "UCnew1", Title: "New One"},
			{ChannelID: "UCknown", Title: "Known", Thumbnail: "k.jpg"},
		},
		NextToken: "p2",
	}
	src.subscriptions["p2"] = youtube.SubscriptionPage{
		Items: []youtube.SubscriptionItem{{ChannelID: "UCnew2", Title: "New Two"}},
	}
	bus := notify.NewMemoryBus()
	events := subscribe(t, bus, constants.TopicCatalog)
	queue := newRecordingQueue()
	w := New(queue, nil, src.factory(), bus, logger.Discard(), Options{})

	jc := jobContext(t, catalog, SyncAccountJob, SyncArgs{AccountID: 1})
	res, err := w.SyncAccount(jc)
	require.NoError(t, err)
	assert.True(t, res.Done)

	subs := catalog.Subscriptions()
	require.Len(t, subs, 3)
	for _, s := range subs {
		assert.False(t, s.UserSubmitted)
		assert.Nil(t, s.DeletedAt)
	}

	known, err := jc.Session.GetChannel(context.Background(), "UCknown")
	require.NoError(t, err)
	assert.Equal(t, "Known", known.Title)
	assert.Equal(t, "k.jpg", known.Thumbnail)

	fresh, err := jc.Session.GetChannel(context.Background(), "UCnew1")
	require.NoError(t, err)
	assert.True(t, fresh.LastVideosSyncedAt.Equal(neverSynced))

	ingests := queue.named(IngestChannelJob)
	require.Len(t, ingests, 2)
	assert.Equal(t, "ingest:UCnew1", ingests[0].ID)
	assert.Equal(t, "ingest:UCnew2", ingests[1].ID)
	assert.Empty(t, queue.named(UnsubscribeJob))

	summaries := drain[types.SyncSummary](t, events)
	assert.Equal(t, []types.SyncSummary{{AccountID: 1, Seen: 3, Created: 3}}, summaries)
}

func TestSyncAccount_SweepsOnlyVanishedAutoSubscription(t *testing.T) {
	catalog := linkedCatalog()
	catalog.AddAccount(types.Account{ID: 2, Name: "bob", RemoteChannelID: ptr("UCbob")})
	for _, id := range []string{"UCkept", "UCgone", "UCmine"} {
		catalog.PutChannel(types.Channel{ID: id, Title: id})
	}
	catalog.PutSubscription(types.Subscription{ChannelID: "UCgone", AccountID: 1})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCkept", AccountID: 1})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCmine", AccountID: 1, UserSubmitted: true})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCgone", AccountID: 2})

	src := newFakeSource()
	src.subscriptions[""] = youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{{ChannelID: "UCkept", Title: "UCkept"}}}

	queue := jobqueue.New(memory.NewJobStore(), catalog, nil, logger.Discard(), jobqueue.Options{Synchronous: true})
	w := New(queue, nil, src.factory(), nil, logger.Discard(), Options{})
	require.NoError(t, w.Register(queue))

	job, err := queue.Enqueue(context.Background(), SyncAccountJob, SyncArgs{AccountID: 1}, jobqueue.WithJobID(SyncJobID(1)))
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, job.Status)

	unsub, err := queue.Find(context.Background(), UnsubscribeJobID(1, "UCgone"))
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, unsub.Status)

	subs := catalog.Subscriptions()
	require.Len(t, subs, 4)
	assert.Equal(t, "UCgone", subs[0].ChannelID)
	assert.NotNil(t, subs[0].DeletedAt, "vanished auto subscription is soft-deleted")
	assert.Nil(t, subs[1].DeletedAt, "UCkept")
	assert.Nil(t, subs[2].DeletedAt, "user-submitted subscription is untouched")
	assert.True(t, subs[2].UserSubmitted)
	assert.Equal(t, int64(2), subs[3].AccountID)
	assert.Nil(t, subs[3].DeletedAt, "other accounts are not swept")
	assert.Zero(t, catalog.OpenSessions())
}

func TestSyncAccount_PageFailureSkipsSweep(t *testing.T) {
	catalog := linkedCatalog()
	catalog.PutChannel(types.Channel{ID: "UCold", Title: "UCold"})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCold", AccountID: 1})

	src := newFakeSource()
	src.subscriptions[""] = youtube.SubscriptionPage{
		Items:     []youtube.SubscriptionItem{{ChannelID: "UCfirst", Title: "First"}},
		NextToken: "p2",
	}
	src.subErrors["p2"] = custom_errors.ErrUpstream
	bus := notify.NewMemoryBus()
	events := subscribe(t, bus, constants.TopicCatalog)
	queue := newRecordingQueue()
	w := New(queue, nil, src.factory(), bus, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, catalog, SyncAccountJob, SyncArgs{AccountID: 1}))
	require.ErrorIs(t, err, custom_errors.ErrUpstream)
	assert.False(t, jobqueue.IsPermanent(err))

	assert.Empty(t, queue.named(UnsubscribeJob))
	for _, s := range catalog.Subscriptions() {
		assert.Nil(t, s.DeletedAt, s.ChannelID)
	}
	// the first page stays committed
	assert.Len(t, catalog.Subscriptions(), 2)
	assert.Empty(t, drain[types.SyncSummary](t, events))
}

func TestSyncAccount_CanceledSkipsSweep(t *testing.T) {
	catalog := linkedCatalog()
	catalog.PutSubscription(types.Subscription{ChannelID: "UCold", AccountID: 1})
	src := newFakeSource()
	src.subscriptions[""] = youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{{ChannelID: "UCa"}}}
	queue := newRecordingQueue()
	w := New(queue, nil, src.factory(), nil, logger.Discard(), Options{})

	jc := jobContext(t, catalog, SyncAccountJob, SyncArgs{AccountID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jc.Ctx = ctx

	_, err := w.SyncAccount(jc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, queue.jobs)
}

func TestSyncAccount_RestoresAutoButNotUserSubmitted(t *testing.T) {
	deleted := time.Now().Add(-time.Hour)
	catalog := linkedCatalog()
	catalog.PutChannel(types.Channel{ID: "UCauto", Title: "UCauto"})
	catalog.PutChannel(types.Channel{ID: "UCuser", Title: "UCuser"})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCauto", AccountID: 1, DeletedAt: &deleted})
	catalog.PutSubscription(types.Subscription{ChannelID: "UCuser", AccountID: 1, UserSubmitted: true, DeletedAt: &deleted})

	src := newFakeSource()
	src.subscriptions[""] = youtube.SubscriptionPage{Items: []youtube.SubscriptionItem{
		{ChannelID: "UCauto", Title: "UCauto"},
		{ChannelID: "UCuser", Title: "UCuser"},
	}}
	bus := notify.NewMemoryBus()
	events := subscribe(t, bus, constants.TopicCatalog)
	queue := newRecordingQueue()
	w := New(queue, nil, src.factory(), bus, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, catalog, SyncAccountJob, SyncArgs{AccountID: 1}))
	require.NoError(t, err)

	subs := catalog.Subscriptions()
	require.Len(t, subs, 2, "restored, not duplicated")
	assert.Nil(t, subs[0].DeletedAt)
	assert.False(t, subs[0].UserSubmitted)
	assert.NotNil(t, subs[1].DeletedAt)
	assert.True(t, subs[1].UserSubmitted)
	assert.Empty(t, queue.jobs)
	assert.Equal(t, []types.SyncSummary{{AccountID: 1, Seen: 2, Restored: 1}}, drain[types.SyncSummary](t, events))
}

type stubProvider struct {
	proxies []types.Proxy
	err     error
}

func (p stubProvider) Fetch(context.Context) ([]types.Proxy, error) {
	return p.proxies, p.err
}

func TestSyncAccount_FallsBackToDirectWithoutProxy(t *testing.T) {
	pool := proxypool.New(memory.NewProxyStore(), stubProvider{err: errors.New("provider down")}, logger.Discard(),
		proxypool.Options{MaxRefreshAttempts: 1})
	src := newFakeSource()
	var got []*url.URL
	sources := func(proxy *url.URL) youtube.Source {
		got = append(got, proxy)
		return src
	}
	w := New(newRecordingQueue(), pool, sources, nil, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, linkedCatalog(), SyncAccountJob, SyncArgs{AccountID: 1}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0])
}

func TestSyncAccount_TransportErrorEvictsProxy(t *testing.T) {
	proxies := memory.NewProxyStore()
	pool := proxypool.New(proxies, stubProvider{proxies: []types.Proxy{{Address: "10.0.0.1", Port: 8080}}}, logger.Discard(), proxypool.Options{})
	src := newFakeSource()
	src.subErrors[""] = &url.Error{Op: "Get", URL: "https://www.googleapis.com", Err: errors.New("proxyconnect tcp: connection refused")}
	var got *url.URL
	sources := func(proxy *url.URL) youtube.Source {
		got = proxy
		return src
	}
	w := New(newRecordingQueue(), pool, sources, nil, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, linkedCatalog(), SyncAccountJob, SyncArgs{AccountID: 1}))
	require.Error(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.1:8080", got.Host)
	assert.Empty(t, proxies.All())
}

func TestSyncAccount_APIErrorKeepsProxy(t *testing.T) {
	proxies := memory.NewProxyStore()
	pool := proxypool.New(proxies, stubProvider{proxies: []types.Proxy{{Address: "10.0.0.1", Port: 8080}}}, logger.Discard(), proxypool.Options{})
	src := newFakeSource()
	src.subErrors[""] = custom_errors.ErrUpstream
	w := New(newRecordingQueue(), pool, src.factory(), nil, logger.Discard(), Options{})

	_, err := w.SyncAccount(jobContext(t, linkedCatalog(), SyncAccountJob, SyncArgs{AccountID: 1}))
	require.Error(t, err)
	assert.Len(t, proxies.All(), 1)
}

func TestUnsubscribe(t *testing.T) {
	catalog := linkedCatalog()
	catalog.PutSubscription(types.Subscription{ChannelID: "UCa", AccountID: 1})
	w := New(newRecordingQueue(), nil, newFakeSource().factory(), nil, logger.Discard(), Options{})

	res, err := w.Unsubscribe(jobContext(t, catalog, UnsubscribeJob, UnsubscribeArgs{ChannelID: "UCa", AccountID: 1}))
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.NotNil(t, catalog.Subscriptions()[0].DeletedAt)

	_, err = w.Unsubscribe(jobContext(t, catalog, UnsubscribeJob, UnsubscribeArgs{ChannelID: "UCa"}))
	assert.True(t, jobqueue.IsPermanent(err))
}
