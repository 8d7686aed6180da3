package proxypool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/store/memory"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	listing []types.Proxy
	err     error
	calls   int
}

func (f *fakeProvider) Fetch(context.Context) ([]types.Proxy, error) {
	f.calls++
	return f.listing, f.err
}

func proxies(addrs ...string) []types.Proxy {
	out := make([]types.Proxy, len(addrs))
	for i, a := range addrs {
		out[i] = types.Proxy{Address: a, Port: 8080}
	}
	return out
}

func TestLease_RotatesLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := memory.NewProxyStore()
	_, err := s.AddMissing(ctx, proxies("10.0.0.1", "10.0.0.2", "10.0.0.3"), time.Now())
	require.NoError(t, err)

	pool := New(s, &fakeProvider{}, logger.Discard(), Options{})
	clock := time.Now()
	pool.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var got []string
	for i := 0; i < 4; i++ {
		lease, err := pool.Lease(ctx)
		require.NoError(t, err)
		got = append(got, lease.Proxy.Address)
		require.NoError(t, lease.Release(ctx, nil))
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1"}, got)
}

func TestLease_RefreshesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{listing: proxies("10.0.0.9")}
	pool := New(memory.NewProxyStore(), provider, logger.Discard(), Options{})

	lease, err := pool.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.9:8080", lease.URL().String())
	assert.Equal(t, 1, provider.calls)
}

func TestLease_ExhaustedAfterMaxRefreshes(t *testing.T) {
	upstream := errors.New("provider down")
	provider := &fakeProvider{err: upstream}
	pool := New(memory.NewProxyStore(), provider, logger.Discard(), Options{})

	_, err := pool.Lease(context.Background())
	assert.ErrorIs(t, err, custom_errors.ErrPoolExhausted)
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, DefaultMaxRefreshAttempts, provider.calls)
}

func TestLease_EmptyListingIsExhaustion(t *testing.T) {
	provider := &fakeProvider{}
	pool := New(memory.NewProxyStore(), provider, logger.Discard(), Options{MaxRefreshAttempts: 2})

	_, err := pool.Lease(context.Background())
	assert.ErrorIs(t, err, custom_errors.ErrPoolExhausted)
	assert.Equal(t, 2, provider.calls)
}

func TestLease_PurgesStaleEntries(t *testing.T) {
	ctx := context.Background()
	s := memory.NewProxyStore()
	_, err := s.AddMissing(ctx, proxies("10.0.0.1"), time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	provider := &fakeProvider{listing: proxies("10.0.0.1", "10.0.0.2")}
	pool := New(s, provider, logger.Discard(), Options{Freshness: time.Hour})

	lease, err := pool.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", lease.Proxy.Address)
	assert.Len(t, s.All(), 2)
	for _, p := range s.All() {
		assert.WithinDuration(t, time.Now(), p.CreatedAt, time.Minute)
	}
}

func TestRelease_WithErrorEvicts(t *testing.T) {
	ctx := context.Background()
	s := memory.NewProxyStore()
	_, err := s.AddMissing(ctx, proxies("10.0.0.1", "10.0.0.2"), time.Now())
	require.NoError(t, err)
	pool := New(s, &fakeProvider{}, logger.Discard(), Options{})

	lease, err := pool.Lease(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx, errors.New("connection refused")))

	remaining := s.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, "10.0.0.2", remaining[0].Address)
}

func TestLease_HTTPClientUsesProxy(t *testing.T) {
	lease := &Lease{Proxy: types.Proxy{Address: "10.0.0.1", Port: 3128}}
	client := lease.HTTPClient(time.Second)
	assert.Equal(t, time.Second, client.Timeout)
	assert.NotNil(t, client.Transport)
}
