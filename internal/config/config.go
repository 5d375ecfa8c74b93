// Package config loads fieldsync settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_STORAGE_DSN.
const EnvPrefix = "FIELDSYNC"

// Base URLs used when remote.base_url is unset. The Android emulator
// reaches the host loopback through 10.0.2.2.
const (
	DefaultBaseURL        = "http://localhost:3000"
	DefaultAndroidBaseURL = "http://10.0.2.2:3000"
)

// Config holds application configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Search  SearchConfig  `mapstructure:"search"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the store engine.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3, sqlite, pgx or memory
	DSN    string `mapstructure:"dsn"`
}

// RemoteConfig describes where bundles come from and operations go.
type RemoteConfig struct {
	Source     string        `mapstructure:"source"` // http, s3 or file
	Platform   string        `mapstructure:"platform"`
	BaseURL    string        `mapstructure:"base_url"`
	BundlePath string        `mapstructure:"bundle_path"`
	PushPath   string        `mapstructure:"push_path"`
	File       string        `mapstructure:"file"`
	Timeout    time.Duration `mapstructure:"timeout"`
	S3         S3Config      `mapstructure:"s3"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

// S3Config locates a published bundle snapshot.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Key      string `mapstructure:"key"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// BreakerConfig tunes the circuit breaker around the bundle source.
// A zero threshold disables it.
type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// SyncConfig controls cycle scheduling and mutual exclusion.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Overlap        string        `mapstructure:"overlap"` // reject or queue
	LockFile       string        `mapstructure:"lock_file"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// IngestConfig controls bundle application.
type IngestConfig struct {
	VersionGate bool `mapstructure:"version_gate"`
}

// SearchConfig controls the search index.
type SearchConfig struct {
	CaseSensitive bool `mapstructure:"case_sensitive"`
	CacheSize     int  `mapstructure:"cache_size"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// MetricsConfig controls the agent's Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Overlap policies.
const (
	OverlapReject = "reject"
	OverlapQueue  = "queue"
)

// Storage drivers. The SQL driver names match internal/store/sqlstore.
const (
	DriverSQLite3  = "sqlite3"
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMemory   = "memory"
)

// Bundle sources.
const (
	SourceHTTP = "http"
	SourceS3   = "s3"
	SourceFile = "file"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverSQLite3)
	v.SetDefault("storage.dsn", defaultDSN())

	v.SetDefault("remote.source", SourceHTTP)
	v.SetDefault("remote.platform", "")
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.bundle_path", "/api/sync/bundle")
	v.SetDefault("remote.push_path", "")
	v.SetDefault("remote.file", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.key", "bundles/latest.json")
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.breaker.threshold", 5)
	v.SetDefault("remote.breaker.reset_timeout", 30*time.Second)

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.overlap", OverlapReject)
	v.SetDefault("sync.lock_file", "")
	v.SetDefault("sync.backoff_initial", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)

	v.SetDefault("ingest.version_gate", false)

	v.SetDefault("search.case_sensitive", false)
	v.SetDefault("search.cache_size", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.addr", ":9464")
}

func defaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldsync.db"
	}
	return filepath.Join(home, ".local", "share", "fieldsync", "fieldsync.db")
}

// Load reads configuration. When path is empty, fieldsync.yaml is looked up
// in the working directory and then $HOME/.config/fieldsync; a missing file
// is not an error. Env var overrides use prefix FIELDSYNC_.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the configuration used when no file or env is present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults are static; Unmarshal cannot fail on them.
	_ = v.Unmarshal(&c)
	return c
}

// Validate rejects settings no component can act on.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != DriverMemory && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn: required"))
	}
	switch c.Remote.Source {
	case SourceHTTP:
	case SourceS3:
		if c.Remote.S3.Bucket == "" {
			errs = append(errs, errors.New("remote.s3.bucket: required for s3 source"))
		}
	case SourceFile:
		if c.Remote.File == "" {
			errs = append(errs, errors.New("remote.file: required for file source"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.source: unknown source %q", c.Remote.Source))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout: must be positive"))
	}
	switch c.Sync.Overlap {
	case OverlapReject, OverlapQueue:
	default:
		errs = append(errs, fmt.Errorf("sync.overlap: unknown policy %q", c.Sync.Overlap))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval: must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ResolvedBaseURL returns the remote base URL, defaulting by platform.
func (r RemoteConfig) ResolvedBaseURL() string {
	if r.BaseURL != "" {
		return strings.TrimSuffix(r.BaseURL, "/")
	}
	if strings.EqualFold(r.Platform, "android") {
		return DefaultAndroidBaseURL
	}
	return DefaultBaseURL
}
