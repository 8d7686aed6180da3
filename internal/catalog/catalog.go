// Package catalog holds the job handlers that reconcile local channels, subscriptions and videos
// against YouTube.
package catalog

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/proxypool"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
)

// Job names.
const (
	SyncAccountJob          = "catalog.sync_account"
	UnsubscribeJob          = "catalog.unsubscribe"
	IngestChannelJob        = "catalog.ingest_channel"
	SyncAllAccountsJob      = "catalog.sync_all_accounts"
	RefreshStaleChannelsJob = "catalog.refresh_stale_channels"
	ReleaseChannelJob       = "catalog.release_channel"
)

const (
	DefaultIngestConcurrency = 4
	DefaultStaleAfter        = 24 * time.Hour
)

// neverSynced is the last-sync stamp given to newly discovered channels so the stale refresh
// picks them up if their first ingestion never happens.
var neverSynced = time.Unix(0, 0).UTC()

// Enqueuer is the part of the job queue the workers use.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any, opts ...jobqueue.EnqueueOption) (*types.Job, error)
}

type ProxyLeaser interface {
	Lease(ctx context.Context) (*proxypool.Lease, error)
}

// Registrar accepts job handlers, usually a *jobqueue.Queue.
type Registrar interface {
	Register(name string, h jobqueue.HandlerFunc) error
}

// lifecycle is implemented by registrars that report jobs ending without success.
type lifecycle interface {
	OnFailure(fn jobqueue.FailureFunc)
	OnCancel(fn jobqueue.CancelHook)
}

type Options struct {
	// IngestConcurrency bounds the parallel detail fetches of one uploads page.
	IngestConcurrency int
	// StaleAfter is how long a channel may go without ingestion before the refresh task picks it up.
	StaleAfter time.Duration
}

type Workers struct {
	queue   Enqueuer
	proxies ProxyLeaser
	sources youtube.SourceFactory
	bus     notify.Bus
	logger  *log.Logger
	opts    Options
	now     func() time.Time
}

// New builds the catalog workers. proxies may be nil, in which case every request goes direct.
func New(queue Enqueuer, proxies ProxyLeaser, sources youtube.SourceFactory, bus notify.Bus, l *log.Logger, opts Options) *Workers {
	if opts.IngestConcurrency < 1 {
		opts.IngestConcurrency = DefaultIngestConcurrency
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Workers{
		queue:   queue,
		proxies: proxies,
		sources: sources,
		bus:     bus,
		logger:  logger.With(l, "component", "catalog"),
		opts:    opts,
		now:     time.Now,
	}
}

// Register adds every catalog handler to r. When r also reports failed and canceled jobs, an
// ingestion that ends early gets its channel released.
func (w *Workers) Register(r Registrar) error {
	handlers := map[string]jobqueue.HandlerFunc{
		SyncAccountJob:          w.SyncAccount,
		UnsubscribeJob:          w.Unsubscribe,
		IngestChannelJob:        w.IngestChannel,
		SyncAllAccountsJob:      w.SyncAllAccounts,
		RefreshStaleChannelsJob: w.RefreshStaleChannels,
		ReleaseChannelJob:       w.ReleaseChannel,
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	if lc, ok := r.(lifecycle); ok {
		lc.OnFailure(func(job *types.Job, _ error) { w.abandonIngest(job) })
		lc.OnCancel(w.abandonIngest)
	}
	return nil
}

// DefaultSchedules are the recurring tasks installed when the configuration names none.
func DefaultSchedules() []types.ScheduledEntry {
	return []types.ScheduledEntry{
		{Name: "sync-accounts", Expression: "0 * * * *", Target: SyncAllAccountsJob},
		{Name: "refresh-stale-channels", Expression: "30 */6 * * *", Target: RefreshStaleChannelsJob},
		{Name: "prune-jobs", Expression: "0 3 * * *", Target: jobqueue.PruneJobName},
	}
}

// source returns a Source routed through a leased proxy when one is available. The returned
// release func must be called with the outcome of the work done through the source.
func (w *Workers) source(ctx context.Context, l *log.Logger) (youtube.Source, func(error)) {
	direct := func(error) {}
	if w.proxies == nil {
		return w.sources(nil), direct
	}
	lease, err := w.proxies.Lease(ctx)
	if err != nil {
		l.Warn("no proxy available, connecting directly", "err", err)
		return w.sources(nil), direct
	}
	return w.sources(lease.URL()), func(workErr error) {
		var hint error
		if ctx.Err() == nil && proxyFault(workErr) {
			hint = workErr
		}
		if err := lease.Release(context.WithoutCancel(ctx), hint); err != nil {
			l.Warn("release proxy", "proxy", lease.Proxy.String(), "err", err)
		}
	}
}

// proxyFault reports whether err came from the transport rather than from the remote API.
func proxyFault(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
