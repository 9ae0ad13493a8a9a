// Package config loads buskercal settings from an optional YAML file overlaid
// with BUSKERCAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override. Names follow the YAML path,
// e.g. BUSKERCAL_FEED_URL or BUSKERCAL_STORE_REDIS_ADDR.
const EnvPrefix = "BUSKERCAL"

type Log struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

type Redis struct {
	Addr     string `yaml:"addr" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DB       int    `yaml:"db" split_words:"true"`
}

type Store struct {
	Backend    string `yaml:"backend" split_words:"true"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
	Redis      Redis  `yaml:"redis" split_words:"true"`
}

type Calendar struct {
	ID                string  `yaml:"id" split_words:"true"`
	CredentialsPath   string  `yaml:"credentials_path" split_words:"true"`
	Timezone          string  `yaml:"timezone" split_words:"true"`
	RequestsPerSecond float64 `yaml:"requests_per_second" split_words:"true"`
	TitleSuffix       string  `yaml:"title_suffix" split_words:"true"`
}

type Feed struct {
	URL       string        `yaml:"url" split_words:"true"`
	AccessKey string        `yaml:"access_key" split_words:"true"`
	Timeout   time.Duration `yaml:"timeout" split_words:"true"`
	// ServeAddr and DBPath configure the bundled mock feed.
	ServeAddr string `yaml:"serve_addr" split_words:"true"`
	DBPath    string `yaml:"db_path" split_words:"true"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" split_words:"true"`
	BaseDelay   time.Duration `yaml:"base_delay" split_words:"true"`
	MaxDelay    time.Duration `yaml:"max_delay" split_words:"true"`
}

type Publish struct {
	Schedule      string        `yaml:"schedule" split_words:"true"`
	LockTTL       time.Duration `yaml:"lock_ttl" split_words:"true"`
	EventTTL      time.Duration `yaml:"event_ttl" split_words:"true"`
	AdoptExisting bool          `yaml:"adopt_existing" split_words:"true"`
}

type Reconcile struct {
	Schedule      string        `yaml:"schedule" split_words:"true"`
	LockTTL       time.Duration `yaml:"lock_ttl" split_words:"true"`
	WindowDays    int           `yaml:"window_days" split_words:"true"`
	DeleteOrphans bool          `yaml:"delete_orphans" split_words:"true"`
}

type HTTP struct {
	Addr string `yaml:"addr" split_words:"true"`
}

type Temporal struct {
	Enabled   bool   `yaml:"enabled" split_words:"true"`
	Address   string `yaml:"address" split_words:"true"`
	Namespace string `yaml:"namespace" split_words:"true"`
	TaskQueue string `yaml:"task_queue" split_words:"true"`
}

type Tracing struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" split_words:"true"`
	ServiceName  string `yaml:"service_name" split_words:"true"`
}

type Config struct {
	Log       Log       `yaml:"log" split_words:"true"`
	Store     Store     `yaml:"store" split_words:"true"`
	Calendar  Calendar  `yaml:"calendar" split_words:"true"`
	Feed      Feed      `yaml:"feed" split_words:"true"`
	Retry     Retry     `yaml:"retry" split_words:"true"`
	Publish   Publish   `yaml:"publish" split_words:"true"`
	Reconcile Reconcile `yaml:"reconcile" split_words:"true"`
	HTTP      HTTP      `yaml:"http" split_words:"true"`
	Temporal  Temporal  `yaml:"temporal" split_words:"true"`
	Tracing   Tracing   `yaml:"tracing" split_words:"true"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Log:   Log{Level: "info", Format: "json"},
		Store: Store{Backend: "sqlite", SQLitePath: "buskercal.db", Redis: Redis{Addr: "localhost:6379"}},
		Calendar: Calendar{
			Timezone:          "Asia/Singapore",
			RequestsPerSecond: 5,
			TitleSuffix:       "Busking Performance",
		},
		Feed: Feed{Timeout: 10 * time.Second, ServeAddr: ":8090", DBPath: "feed.db"},
		Retry: Retry{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute},
		Publish: Publish{
			Schedule:      "0 23 * * *",
			LockTTL:       5 * time.Minute,
			EventTTL:      90 * 24 * time.Hour,
			AdoptExisting: true,
		},
		Reconcile: Reconcile{Schedule: "0 3 * * *", LockTTL: 10 * time.Minute, WindowDays: 90},
		HTTP:      HTTP{Addr: ":8080"},
		Temporal:  Temporal{Address: "localhost:7233", Namespace: "default", TaskQueue: "buskercal"},
		Tracing:   Tracing{ServiceName: "buskercal"},
	}
}

// Load starts from Default, applies the YAML file when path is non-empty and
// then the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// Location resolves the calendar time zone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Calendar.Timezone)
}

// Validate reports every missing or malformed setting the jobs need.
func (c Config) Validate() error {
	var errs []error
	if c.Calendar.ID == "" {
		errs = append(errs, errors.New("calendar.id is required"))
	}
	if c.Calendar.CredentialsPath == "" {
		errs = append(errs, errors.New("calendar.credentials_path is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("calendar.timezone: %w", err))
	}
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want sqlite or redis", c.Store.Backend))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Publish.LockTTL <= 0 || c.Reconcile.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttls must be positive"))
	}
	if c.Publish.EventTTL <= 0 {
		errs = append(errs, errors.New("publish.event_ttl must be positive"))
	}
	if c.Reconcile.WindowDays < 1 {
		errs = append(errs, errors.New("reconcile.window_days must be at least 1"))
	}
	for name, spec := range map[string]string{"publish.schedule": c.Publish.Schedule, "reconcile.schedule": c.Reconcile.Schedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
