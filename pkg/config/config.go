package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`

	RedisAddr      string        `mapstructure:"REDIS_ADDR"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int           `mapstructure:"REDIS_DB"`
	DomainLeaseTTL time.Duration `mapstructure:"DOMAIN_LEASE_TTL"`

	Workers       int           `mapstructure:"WORKERS"`
	PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	StopTimeout   time.Duration `mapstructure:"STOP_TIMEOUT"`
	RetentionDays int           `mapstructure:"RETENTION_DAYS"`

	// DownloadTimeout overrides every executor's own timeout when positive.
	// Zero keeps the executor timeouts.
	DownloadTimeout *time.Duration `mapstructure:"-"`

	SkipListPath    string        `mapstructure:"SKIP_LIST_PATH"`
	MediaDir        string        `mapstructure:"MEDIA_DIR"`
	Proxies         []string      `mapstructure:"PROXIES"`
	UserAgents      []string      `mapstructure:"USER_AGENTS"`
	PageLoadTimeout time.Duration `mapstructure:"PAGE_LOAD_TIMEOUT"`
	ChromeHeadless  bool          `mapstructure:"CHROME_HEADLESS"`
}

// Load reads configuration from an optional file and the environment.
// An empty path tries ".env" in the working directory and ignores its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "file:downloads.db")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DOMAIN_LEASE_TTL", "6h")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("STOP_TIMEOUT", "30s")
	v.SetDefault("RETENTION_DAYS", 30)
	v.SetDefault("SKIP_LIST_PATH", "download_manager.yaml")
	v.SetDefault("MEDIA_DIR", "media")
	v.SetDefault("PROXIES", []string{})
	v.SetDefault("USER_AGENTS", []string{})
	v.SetDefault("PAGE_LOAD_TIMEOUT", "60s")
	v.SetDefault("CHROME_HEADLESS", true)
	_ = v.BindEnv("DOWNLOAD_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" && !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if v.IsSet("DOWNLOAD_TIMEOUT") {
		d := v.GetDuration("DOWNLOAD_TIMEOUT")
		cfg.DownloadTimeout = &d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return errors.Newf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.Workers < 1 {
		return errors.Newf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.PollInterval <= 0 || c.SweepInterval <= 0 {
		return errors.New("POLL_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	return nil
}

// Retention is the age after which completed one-time downloads are purged.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
