// Package proxypool rotates outbound proxies, least recently used first, refreshing the pool from
// a provider when every fresh entry is gone.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
)

const (
	DefaultFreshness          = time.Hour
	DefaultMaxRefreshAttempts = 3
)

var errEmptyListing = errors.New("provider returned no proxies")

type Options struct {
	// Freshness is how long a fetched entry stays eligible.
	Freshness          time.Duration
	MaxRefreshAttempts int
}

type Pool struct {
	store    store.ProxyStore
	provider Provider
	logger   *log.Logger
	opts     Options
	now      func() time.Time

	refreshMu sync.Mutex
}

func New(proxies store.ProxyStore, provider Provider, l *log.Logger, opts Options) *Pool {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.MaxRefreshAttempts < 1 {
		opts.MaxRefreshAttempts = DefaultMaxRefreshAttempts
	}
	return &Pool{
		store:    proxies,
		provider: provider,
		logger:   logger.With(l, "component", "proxypool"),
		opts:     opts,
		now:      time.Now,
	}
}

// Lease hands out the least recently used fresh proxy.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		now := p.now()
		freshSince := now.Add(-p.opts.Freshness)

		proxy, err := p.store.LeaseLeastRecentlyUsed(ctx, freshSince, now)
		if err != nil {
			return nil, fmt.Errorf("lease proxy: %w", err)
		}
		if proxy != nil {
			return &Lease{pool: p, Proxy: *proxy}, nil
		}
		if attempt >= p.opts.MaxRefreshAttempts {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %d refreshes: %w", custom_errors.ErrPoolExhausted, attempt, lastErr)
			}
			return nil, fmt.Errorf("%w after %d refreshes", custom_errors.ErrPoolExhausted, attempt)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lastErr = p.refresh(ctx, freshSince, now)
		if lastErr != nil {
			p.logger.Warn("proxy refresh failed", "attempt", attempt+1, "err", lastErr)
		}
	}
}

// refresh drops expired entries and adds whatever the provider lists that the pool does not know.
func (p *Pool) refresh(ctx context.Context, freshSince, now time.Time) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	purged, err := p.store.PurgeOlderThan(ctx, freshSince)
	if err != nil {
		return fmt.Errorf("purge proxies: %w", err)
	}
	listing, err := p.provider.Fetch(ctx)
	if err != nil {
		return err
	}
	if len(listing) == 0 {
		return errEmptyListing
	}
	added, err := p.store.AddMissing(ctx, listing, now)
	if err != nil {
		return fmt.Errorf("store proxies: %w", err)
	}
	p.logger.Info("proxy pool refreshed", "purged", purged, "listed", len(listing), "added", added)
	return nil
}

// Lease is one proxy checked out of the pool.
type Lease struct {
	pool  *Pool
	Proxy types.Proxy
}

func (l *Lease) URL() *url.URL {
	return l.Proxy.URL()
}

// HTTPClient returns a client that sends every request through the leased proxy.
func (l *Lease) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(l.URL())},
	}
}

// Release returns the proxy. A non-nil err means the proxy misbehaved and it is evicted.
func (l *Lease) Release(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if rerr := l.pool.store.Remove(ctx, l.Proxy.ID); rerr != nil {
		return fmt.Errorf("evict %s: %w", l.Proxy.String(), rerr)
	}
	l.pool.logger.Info("proxy evicted", "proxy", l.Proxy.HostPort(), "reason", err)
	return nil
}
