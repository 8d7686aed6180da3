// Package app wires configuration into a running tubefire process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/catalog"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/lock"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/proxypool"
	"github.com/RezaEskandarii/tubefire/internal/scheduler"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/RezaEskandarii/tubefire/types/config"
	"github.com/RezaEskandarii/tubefire/web"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout      = 15 * time.Second
	proxyProviderTimeout = 30 * time.Second
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.TubefireConfig
	Logger *log.Logger

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	Jobs     store.JobStore
	Sessions store.SessionFactory
	Proxies  store.ProxyStore

	Locks lock.DistributedLockManager
	Bus   notify.Bus

	Queue     *jobqueue.Queue
	Pool      *proxypool.Pool // nil when no proxy provider is configured
	Workers   *catalog.Workers
	Scheduler *scheduler.Scheduler
	Server    *web.Server // nil unless the admin API is enabled

	closers []io.Closer
}

// NewContainer creates and wires all dependencies. Call it once per process.
// Pass WithDB, WithRedis, WithBus or WithSourceFactory to inject collaborators in tests.
func NewContainer(ctx context.Context, cfg *config.TubefireConfig, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}
	l := opt.logger
	if l == nil {
		l = logger.New(os.Stderr, cfg.LogLevel)
	}
	c := &Container{Config: cfg, Logger: l}

	if err := c.initStorage(ctx, opt); err != nil {
		c.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if err := c.initBus(ctx, opt); err != nil {
		c.Close()
		return nil, fmt.Errorf("init notifications: %w", err)
	}

	c.Queue = jobqueue.New(c.Jobs, c.Sessions, c.Bus, l, jobqueue.Options{
		Instance:         cfg.Instance,
		WorkerCount:      cfg.Queue.WorkerCount,
		PollInterval:     cfg.Queue.PollInterval,
		StaleLockTimeout: cfg.Queue.StaleLockTimeout,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Backoff:          cfg.Queue.Backoff,
		Synchronous:      cfg.Queue.Synchronous,
		SyncTimeout:      cfg.Queue.SyncTimeout,
	})
	c.Queue.OnFailure(func(job *types.Job, err error) {
		l.Error("job gave up", "job_id", job.ID, "name", job.Name, "attempts", job.Attempts, "err", err)
	})

	var leaser catalog.ProxyLeaser
	if cfg.Proxy.ProviderURL != "" {
		provider := proxypool.NewHTTPProvider(cfg.Proxy.ProviderURL, &http.Client{Timeout: proxyProviderTimeout})
		c.Pool = proxypool.New(c.Proxies, provider, l, proxypool.Options{
			Freshness:          cfg.Proxy.Freshness,
			MaxRefreshAttempts: cfg.Proxy.MaxRefreshAttempts,
		})
		leaser = c.Pool
	}

	sources := opt.sources
	if sources == nil {
		yt := cfg.YouTube
		sources = youtube.NewFactory(youtube.Config{
			BaseURL:       yt.BaseURL,
			APIKey:        yt.APIKey,
			ClientID:      yt.ClientID,
			ClientSecret:  yt.ClientSecret,
			RefreshToken:  yt.RefreshToken,
			TokenURL:      yt.TokenURL,
			RatePerSecond: yt.RatePerSecond,
			PageSize:      yt.PageSize,
			Timeout:       yt.Timeout,
		}, yt.DetailsMode, l)
	}

	c.Workers = catalog.New(c.Queue, leaser, sources, c.Bus, l, catalog.Options{
		IngestConcurrency: cfg.YouTube.IngestConcurrency,
		StaleAfter:        cfg.YouTube.StaleAfter,
	})
	if err := c.Workers.Register(c.Queue); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Queue.Register(jobqueue.PruneJobName, c.Queue.PruneHandler(cfg.Queue.Retention)); err != nil {
		c.Close()
		return nil, err
	}

	c.Scheduler = scheduler.New(c.Queue, c.Locks, l, scheduler.Options{
		Location:           cfg.Location(),
		OwnerRetryInterval: cfg.Scheduler.OwnerRetryInterval,
	})
	entries := cfg.Schedules
	if len(entries) == 0 {
		entries = catalog.DefaultSchedules()
	}
	for _, e := range entries {
		if err := c.Scheduler.Add(e); err != nil {
			c.Close()
			return nil, err
		}
	}

	if cfg.Web.Enabled {
		c.Server = web.NewServer(web.Deps{
			Queue:     c.Queue,
			Sessions:  c.Sessions,
			Schedules: c.Scheduler,
			Bus:       c.Bus,
		}, cfg.Web.Secret, l)
	}
	return c, nil
}

// Run processes jobs, keeps the schedule alive and serves the admin API until ctx is done or one
// of them fails. Scheduled chains are handed back before it returns.
func (c *Container) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(c.Queue.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(c.Scheduler.Start(gctx)) })
	if c.Server != nil {
		g.Go(func() error { return c.Server.Run(gctx, c.Config.Web.Addr) })
	}
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := c.Scheduler.Stop(stopCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("stop scheduler: %w", serr))
	}
	return err
}

// Close releases every connection the container opened itself.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
