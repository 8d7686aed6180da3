package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/RezaEskandarii/tubefire/types"
	"github.com/joho/godotenv"
)

//go:embed config.example.toml
var exampleConf []byte

type fileConfig struct {
	Instance  string            `toml:"instance"`
	LogLevel  string            `toml:"log_level"`
	Storage   storageSection    `toml:"storage"`
	Queue     queueSection      `toml:"queue"`
	Scheduler schedulerSection  `toml:"scheduler"`
	Proxy     proxySection      `toml:"proxy"`
	YouTube   youtubeSection    `toml:"youtube"`
	Notify    notifySection     `toml:"notify"`
	Web       webSection        `toml:"web"`
	Schedules []scheduleSection `toml:"schedules"`
}

type storageSection struct {
	Driver       string `toml:"driver"`
	PostgresURL  string `toml:"postgres_url"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

type queueSection struct {
	Workers          int             `toml:"workers"`
	PollInterval     time.Duration   `toml:"poll_interval"`
	StaleLockTimeout time.Duration   `toml:"stale_lock_timeout"`
	MaxAttempts      int             `toml:"max_attempts"`
	Backoff          []time.Duration `toml:"backoff"`
	Retention        time.Duration   `toml:"retention"`
	Synchronous      bool            `toml:"synchronous"`
	SyncTimeout      time.Duration   `toml:"sync_timeout"`
}

type schedulerSection struct {
	Timezone           string        `toml:"timezone"`
	OwnerRetryInterval time.Duration `toml:"owner_retry_interval"`
}

type proxySection struct {
	ProviderURL        string        `toml:"provider_url"`
	Freshness          time.Duration `toml:"freshness"`
	MaxRefreshAttempts int           `toml:"max_refresh_attempts"`
}

type youtubeSection struct {
	BaseURL           string        `toml:"base_url"`
	APIKey            string        `toml:"api_key"`
	ClientID          string        `toml:"client_id"`
	ClientSecret      string        `toml:"client_secret"`
	RefreshToken      string        `toml:"refresh_token"`
	TokenURL          string        `toml:"token_url"`
	RatePerSecond     float64       `toml:"rate_per_second"`
	PageSize          int           `toml:"page_size"`
	Timeout           time.Duration `toml:"timeout"`
	DetailsMode       string        `toml:"details_mode"`
	IngestConcurrency int           `toml:"ingest_concurrency"`
	StaleAfter        time.Duration `toml:"stale_after"`
}

type notifySection struct {
	Driver           string `toml:"driver"`
	RedisAddr        string `toml:"redis_addr"`
	RedisPassword    string `toml:"redis_password"`
	RedisDB          int    `toml:"redis_db"`
	RedisPrefix      string `toml:"redis_prefix"`
	RabbitMQURL      string `toml:"rabbitmq_url"`
	RabbitMQExchange string `toml:"rabbitmq_exchange"`
}

type webSection struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Secret  string `toml:"secret"`
}

type scheduleSection struct {
	Name       string         `toml:"name"`
	Expression string         `toml:"expression"`
	Target     string         `toml:"target"`
	Args       map[string]any `toml:"args"`
}

// ${VAR} or ${VAR:-fallback}
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

// LoadEnv loads KEY=VALUE files into the process environment without overriding variables that
// are already set. Missing files are skipped; no names means ".env".
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a TOML configuration file. overrides are applied after the file, so command-line
// flags win over file values.
func Load(path string, overrides ...Option) (*TubefireConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, overrides...)
}

// Parse builds a configuration from TOML text.
func Parse(data []byte, overrides ...Option) (*TubefireConfig, error) {
	var fc fileConfig
	meta, err := toml.Decode(expandEnv(string(data)), &fc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	opts, err := fc.options()
	if err != nil {
		return nil, err
	}
	instance := fc.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return NewConfig(instance, append(opts, overrides...)...)
}

// WriteExample writes the annotated example configuration to path.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, exampleConf, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (fc fileConfig) options() ([]Option, error) {
	var opts []Option
	if fc.LogLevel != "" {
		opts = append(opts, WithLogLevel(fc.LogLevel))
	}

	driver, err := ParseStorageDriver(fc.Storage.Driver)
	if err != nil {
		return nil, err
	}
	if driver == Postgres {
		opts = append(opts, WithPostgresConfig(fc.Storage.PostgresURL, fc.Storage.MaxOpenConns))
	} else {
		opts = append(opts, WithMemoryStorage())
	}

	q := fc.Queue
	if q.Workers != 0 {
		opts = append(opts, WithWorkerCount(q.Workers))
	}
	if q.PollInterval != 0 {
		opts = append(opts, WithPollInterval(q.PollInterval))
	}
	if q.StaleLockTimeout != 0 {
		opts = append(opts, WithStaleLockTimeout(q.StaleLockTimeout))
	}
	if q.MaxAttempts != 0 || len(q.Backoff) > 0 {
		attempts := q.MaxAttempts
		if attempts == 0 {
			attempts = DefaultMaxAttempts
		}
		opts = append(opts, WithRetryPolicy(attempts, q.Backoff...))
	}
	if q.Retention != 0 {
		opts = append(opts, WithRetention(q.Retention))
	}
	if q.Synchronous {
		opts = append(opts, Synchronous(q.SyncTimeout))
	}

	if fc.Scheduler.Timezone != "" {
		opts = append(opts, WithTimezone(fc.Scheduler.Timezone))
	}
	if fc.Scheduler.OwnerRetryInterval != 0 {
		opts = append(opts, WithOwnerRetryInterval(fc.Scheduler.OwnerRetryInterval))
	}

	if fc.Proxy.ProviderURL != "" {
		opts = append(opts, WithProxyProvider(fc.Proxy.ProviderURL, fc.Proxy.Freshness, fc.Proxy.MaxRefreshAttempts))
	}

	if fc.YouTube != (youtubeSection{}) {
		yt := fc.YouTube
		opts = append(opts, WithYouTube(YouTubeConfig{
			BaseURL:           yt.BaseURL,
			APIKey:            yt.APIKey,
			ClientID:          yt.ClientID,
			ClientSecret:      yt.ClientSecret,
			RefreshToken:      yt.RefreshToken,
			TokenURL:          yt.TokenURL,
			RatePerSecond:     yt.RatePerSecond,
			PageSize:          yt.PageSize,
			Timeout:           yt.Timeout,
			DetailsMode:       yt.DetailsMode,
			IngestConcurrency: yt.IngestConcurrency,
			StaleAfter:        yt.StaleAfter,
		}))
	}

	n := fc.Notify
	notifyDriver, err := ParseNotifyDriver(n.Driver)
	if err != nil {
		return nil, err
	}
	switch notifyDriver {
	case Redis:
		opts = append(opts, WithRedisNotify(n.RedisAddr, n.RedisPassword, n.RedisDB))
	case RabbitMQ:
		opts = append(opts, WithRabbitMQNotify(n.RabbitMQURL, n.RabbitMQExchange))
	}
	if n.RedisPrefix != "" {
		opts = append(opts, func(c *TubefireConfig) error {
			c.Notify.RedisPrefix = n.RedisPrefix
			return nil
		})
	}

	if fc.Web.Enabled {
		addr := fc.Web.Addr
		if addr == "" {
			addr = DefaultWebAddr
		}
		opts = append(opts, WithAdminAPI(addr, fc.Web.Secret))
	} else if fc.Web.Secret != "" {
		// token minting still needs the secret on hosts that do not serve the API
		opts = append(opts, func(c *TubefireConfig) error {
			c.Web.Secret = fc.Web.Secret
			return nil
		})
	}

	if len(fc.Schedules) > 0 {
		entries := make([]types.ScheduledEntry, 0, len(fc.Schedules))
		for _, s := range fc.Schedules {
			e := types.ScheduledEntry{Name: s.Name, Expression: s.Expression, Target: s.Target}
			if len(s.Args) > 0 {
				raw, err := json.Marshal(s.Args)
				if err != nil {
					return nil, fmt.Errorf("schedule %q args: %w", s.Name, err)
				}
				e.Args = raw
			}
			entries = append(entries, e)
		}
		opts = append(opts, WithSchedules(entries...))
	}
	return opts, nil
}
