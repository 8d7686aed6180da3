// Package web serves the admin HTTP API and streams notifications to clients as server-sent events.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/scheduler"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/internal/store"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 10 * time.Second

// JobQueue is the part of the job queue the API exposes.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, args any, opts ...jobqueue.EnqueueOption) (*types.Job, error)
	Cancel(ctx context.Context, id string) error
	Find(ctx context.Context, id string) (*types.Job, error)
	List(ctx context.Context, page, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Job], error)
	Stats(ctx context.Context) (map[state.JobStatus]int, error)
}

type ScheduleLister interface {
	Entries() []scheduler.EntryInfo
}

type Deps struct {
	Queue     JobQueue
	Sessions  store.SessionFactory
	Schedules ScheduleLister
	Bus       notify.Bus
}

type Server struct {
	echo   *echo.Echo
	logger *log.Logger
}

// NewServer builds the router. An empty secret leaves the API unauthenticated.
func NewServer(deps Deps, secret string, l *log.Logger) *Server {
	l = logger.With(l, "component", "web")
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			l.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	h := &handler{queue: deps.Queue, sessions: deps.Sessions, schedules: deps.Schedules, bus: deps.Bus, logger: l}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api", authMiddleware(secret))
	api.POST("/accounts/:id/sync", h.syncAccount)
	api.POST("/channels/:id/ingest", h.ingestChannel)
	api.GET("/jobs", h.listJobs)
	api.GET("/jobs/stats", h.jobStats)
	api.GET("/jobs/:id", h.getJob)
	api.DELETE("/jobs/:id", h.cancelJob)
	api.GET("/schedules", h.listSchedules)
	api.GET("/events", h.events)

	return &Server{echo: e, logger: l}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is done, then shuts down gracefully. Open event streams end with ctx.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.echo.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.echo.Start(addr) }()
	printBanner(addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("admin API stopped")
		return nil
	}
}
