package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RezaEskandarii/tubefire/app"
	"github.com/RezaEskandarii/tubefire/internal/catalog"
	"github.com/RezaEskandarii/tubefire/internal/jobqueue"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/RezaEskandarii/tubefire/types/config"
	"github.com/RezaEskandarii/tubefire/web"
	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "tubefire",
		Usage: "Keep a local catalog of YouTube subscriptions and uploads in sync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "tubefire.toml",
				Sources: cli.EnvVars("TUBEFIRE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "KEY=VALUE file loaded before the configuration is read",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			enqueueCommand(),
			cancelCommand(),
			jobsCommand(),
			schedulesCommand(),
			initCommand(),
			tokenCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command, overrides ...config.Option) (*config.TubefireConfig, error) {
	if err := config.LoadEnv(cmd.String("env")); err != nil {
		return nil, err
	}
	if level := cmd.String("log-level"); level != "" {
		overrides = append(overrides, config.WithLogLevel(level))
	}
	return config.Load(cmd.String("config"), overrides...)
}

func openContainer(ctx context.Context, cmd *cli.Command, overrides ...config.Option) (*app.Container, error) {
	cfg, err := loadConfig(cmd, overrides...)
	if err != nil {
		return nil, err
	}
	return app.NewContainer(ctx, cfg)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Process jobs, keep the schedule alive and serve the admin API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Override the configured worker count",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var overrides []config.Option
			if n := cmd.Int("workers"); n > 0 {
				overrides = append(overrides, config.WithWorkerCount(int(n)))
			}
			c, err := openContainer(ctx, cmd, overrides...)
			if err != nil {
				return err
			}
			defer c.Close()

			c.Logger.Info("tubefire started", "instance", c.Config.Instance,
				"storage", c.Config.Storage.Driver, "notify", c.Config.Notify.Driver)
			return c.Run(ctx)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.Postgres {
				return fmt.Errorf("migrate needs the postgres storage driver, not %s", cfg.Storage.Driver)
			}
			l := logger.New(nil, cfg.LogLevel)
			db, err := app.OpenDatabase(ctx, cfg, l)
			if err != nil {
				return err
			}
			l.Info("schema is up to date")
			return db.Close()
		},
	}
}

// enqueueCommand queues catalog work. With --wait the job and everything it queues run in this
// process before the command returns.
func enqueueCommand() *cli.Command {
	waitFlag := &cli.BoolFlag{
		Name:  "wait",
		Usage: "Run the job here and wait for it, including the work it queues",
	}
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Queue catalog work",
		Flags: []cli.Flag{waitFlag},
		Commands: []*cli.Command{
			{
				Name:      "sync",
				Usage:     "Sync one account's subscriptions",
				Arguments: []cli.Argument{&cli.StringArg{Name: "account-id"}},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := strconv.ParseInt(cmd.StringArg("account-id"), 10, 64)
					if err != nil || id < 1 {
						return errors.New("a positive account id is required")
					}
					return enqueue(ctx, cmd, catalog.SyncAccountJob, catalog.SyncArgs{AccountID: id},
						jobqueue.WithJobID(catalog.SyncJobID(id)), jobqueue.WithPriority(types.PriorityFront))
				},
			},
			{
				Name:      "ingest",
				Usage:     "Ingest one channel's uploads",
				Arguments: []cli.Argument{&cli.StringArg{Name: "channel-id"}},
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "date-after", Usage: "Only read uploads newer than this day (YYYYMMDD)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					channelID := cmd.StringArg("channel-id")
					if channelID == "" {
						return errors.New("a channel id is required")
					}
					dateAfter := cmd.String("date-after")
					if dateAfter != "" {
						if _, err := time.Parse(catalog.DateLayout, dateAfter); err != nil {
							return fmt.Errorf("date-after must be YYYYMMDD: %w", err)
						}
					}
					return enqueue(ctx, cmd, catalog.IngestChannelJob, catalog.IngestArgs{ChannelID: channelID, DateAfter: dateAfter},
						jobqueue.WithJobID(catalog.IngestJobID(channelID)), jobqueue.WithPriority(types.PriorityFront))
				},
			},
			{
				Name:  "sync-all",
				Usage: "Sync every linked account",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return enqueue(ctx, cmd, catalog.SyncAllAccountsJob, struct{}{})
				},
			},
			{
				Name:  "refresh-stale",
				Usage: "Ingest channels that have not been refreshed recently",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return enqueue(ctx, cmd, catalog.RefreshStaleChannelsJob, struct{}{})
				},
			},
			{
				Name:  "prune",
				Usage: "Delete finished jobs past the retention period",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return enqueue(ctx, cmd, jobqueue.PruneJobName, jobqueue.PruneArgs{})
				},
			},
		},
	}
}

func enqueue(ctx context.Context, cmd *cli.Command, name string, args any, opts ...jobqueue.EnqueueOption) error {
	var overrides []config.Option
	if cmd.Bool("wait") {
		overrides = append(overrides, config.Synchronous(0))
	}
	c, err := openContainer(ctx, cmd, overrides...)
	if err != nil {
		return err
	}
	defer c.Close()

	job, err := c.Queue.Enqueue(ctx, name, args, opts...)
	if job != nil {
		printJob(cmd.Root().Writer, job)
	}
	if err != nil {
		return err
	}
	if job.Status == state.StatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.LastError)
	}
	return nil
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a job wherever it is queued or running",
		Arguments: []cli.Argument{&cli.StringArg{Name: "job-id"}},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.StringArg("job-id")
			if id == "" {
				return errors.New("a job id is required")
			}
			c, err := openContainer(ctx, cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Queue.Cancel(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, okStyle.Render("canceled "+id))
			return nil
		},
	}
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "List jobs, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Only jobs in this status"},
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.IntFlag{Name: "page-size", Value: web.PageSize},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := openContainer(ctx, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			result, err := c.Queue.List(ctx, int(cmd.Int("page")), int(cmd.Int("page-size")), state.JobStatus(cmd.String("status")))
			if err != nil {
				return err
			}
			printJobs(cmd.Root().Writer, result)
			return nil
		},
	}
}

func schedulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedules",
		Usage: "Show the recurring tasks and when they fire next",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c, err := openContainer(ctx, cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			printSchedules(cmd.Root().Writer, c.Scheduler.Entries())
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write an annotated configuration file",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, okStyle.Render("wrote "+path))
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Print an admin API bearer token",
		Arguments: []cli.Argument{&cli.StringArg{Name: "subject", Value: "admin"}},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Web.Secret == "" {
				return errors.New("web.secret is empty; the admin API needs no token")
			}
			fmt.Fprintln(cmd.Root().Writer, web.GenerateToken(cmd.StringArg("subject"), cfg.Web.Secret))
			return nil
		},
	}
}
