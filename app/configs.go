package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/RezaEskandarii/tubefire/internal/lock"
	"github.com/RezaEskandarii/tubefire/internal/notify"
	"github.com/RezaEskandarii/tubefire/internal/store/memory"
	"github.com/RezaEskandarii/tubefire/internal/store/postgres"
	"github.com/RezaEskandarii/tubefire/types/config"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

func (c *Container) initStorage(ctx context.Context, opt *containerConfig) error {
	switch c.Config.Storage.Driver {
	case config.Postgres:
		db := opt.db
		if db == nil {
			var err error
			if db, err = OpenDatabase(ctx, c.Config, c.Logger); err != nil {
				return err
			}
			c.closers = append(c.closers, db)
		}
		c.DB = db
		c.Locks = lock.NewPostgresDistributedLockManager(db)
		c.Jobs = postgres.NewPostgresJobStore(db)
		c.Sessions = postgres.NewPostgresSessionFactory(db)
		c.Proxies = postgres.NewPostgresProxyStore(db)
		return nil
	case config.Memory:
		catalog := memory.NewCatalogStore()
		c.Locks = lock.NewMemoryLockManager()
		c.Jobs = memory.NewJobStore()
		c.Sessions = catalog
		c.Proxies = memory.NewProxyStore()
		return nil
	default:
		return fmt.Errorf("unsupported storage driver: %v", c.Config.Storage.Driver)
	}
}

// OpenDatabase connects to Postgres and brings the schema up to date.
func OpenDatabase(ctx context.Context, cfg *config.TubefireConfig, l *log.Logger) (*sql.DB, error) {
	db, err := postgres.Open(ctx, cfg.Storage.PostgresURL, cfg.Storage.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db, lock.NewPostgresDistributedLockManager(db), l); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (c *Container) initBus(ctx context.Context, opt *containerConfig) error {
	if opt.bus != nil {
		c.Bus = opt.bus
		return nil
	}

	n := c.Config.Notify
	switch n.Driver {
	case config.Redis:
		client := opt.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: n.RedisAddr, Password: n.RedisPassword, DB: n.RedisDB})
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("ping redis: %w", err)
			}
			c.closers = append(c.closers, client)
		}
		c.Redis = client
		c.Bus = notify.NewRedisBus(client, n.RedisPrefix, c.Logger)
	case config.RabbitMQ:
		bus, err := notify.NewRabbitMQ(n.RabbitMQURL, n.RabbitMQExchange, c.Logger)
		if err != nil {
			return fmt.Errorf("init rabbitmq: %w", err)
		}
		c.Bus = bus
	default:
		c.Bus = notify.NewMemoryBus()
	}
	c.closers = append(c.closers, c.Bus)
	return nil
}
