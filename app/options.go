package app

import (
	"database/sql"

	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/youtube"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Injected collaborators are used as-is and never closed by the container.
	db      *sql.DB
	redis   *redis.Client
	bus     notify.Bus
	logger  *log.Logger
	sources youtube.SourceFactory
}

// WithDB injects an open database instead of connecting from config. The schema is not migrated.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects the client the redis notification bus uses.
func WithRedis(redis *redis.Client) ContainerOption {
	return func(c *containerConfig) {
		c.redis = redis
	}
}

// WithBus replaces the configured notification bus.
func WithBus(bus notify.Bus) ContainerOption {
	return func(c *containerConfig) {
		c.bus = bus
	}
}

func WithLogger(l *log.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = l
	}
}

// WithSourceFactory replaces the YouTube client, usually with a fake.
func WithSourceFactory(f youtube.SourceFactory) ContainerOption {
	return func(c *containerConfig) {
		c.sources = f
	}
}
