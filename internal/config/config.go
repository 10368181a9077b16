// Package config loads projectsync settings from defaults, an optional YAML
// file and PROJECTSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentworkforce/projectsync/internal/logging"
	"github.com/agentworkforce/projectsync/internal/opqueue"
)

const EnvPrefix = "PROJECTSYNC"

// Storage profiles fill in any DSN left empty.
const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type Config struct {
	Profile     string `mapstructure:"profile"`
	DataDir     string `mapstructure:"data_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	Log    logging.Config `mapstructure:"log"`
	Cache  CacheConfig    `mapstructure:"cache"`
	Blob   BlobConfig     `mapstructure:"blob"`
	Docs   DocsConfig     `mapstructure:"docs"`
	Queue  QueueConfig    `mapstructure:"queue"`
	Engine EngineConfig   `mapstructure:"engine"`
	HTTP   HTTPConfig     `mapstructure:"http"`
	Mount  MountConfig    `mapstructure:"mount"`
}

type CacheConfig struct {
	MaxBytes      int64         `mapstructure:"max_bytes"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SpillPath enables the SQLite second tier.
	SpillPath string `mapstructure:"spill_path"`
}

type BlobConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxObjectBytes  int64  `mapstructure:"max_object_bytes"`
	SnapshotsKept   int    `mapstructure:"snapshots_kept"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
	ValidateUploads bool   `mapstructure:"validate_uploads"`
}

type DocsConfig struct {
	DSN                  string        `mapstructure:"dsn"`
	Token                string        `mapstructure:"token"`
	InlineThresholdBytes int           `mapstructure:"inline_threshold_bytes"`
	HardLimitBytes       int           `mapstructure:"hard_limit_bytes"`
	BatchLimit           int           `mapstructure:"batch_limit"`
	FieldsSchemaFile     string        `mapstructure:"fields_schema_file"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
}

type QueueConfig struct {
	DSN         string `mapstructure:"dsn"`
	Capacity    int    `mapstructure:"capacity"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type EngineConfig struct {
	// Owner is the identity used by CLI commands. The HTTP server takes the
	// owner from each request's token instead.
	Owner           string        `mapstructure:"owner"`
	SnapshotDir     string        `mapstructure:"snapshot_dir"`
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	// SaveTimeout bounds a save's inline attempt. Zero uses AuthTimeout.
	SaveTimeout     time.Duration `mapstructure:"save_timeout"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	DocumentAddr    string        `mapstructure:"document_addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	OriginPatterns  []string      `mapstructure:"origin_patterns"`
}

type MountConfig struct {
	Projects       []string      `mapstructure:"projects"`
	Priority       string        `mapstructure:"priority"`
	Interval       time.Duration `mapstructure:"interval"`
	IntervalJitter float64       `mapstructure:"interval_jitter"`
	Debounce       time.Duration `mapstructure:"debounce"`
	Timeout        time.Duration `mapstructure:"timeout"`
	StateFile      string        `mapstructure:"state_file"`
}

// New returns a viper instance with every default registered, so that each
// key can also be set from the environment.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", ProfileMemory)
	v.SetDefault("data_dir", ".projectsync")
	v.SetDefault("postgres_dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("cache.max_bytes", 32<<20)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.spill_path", "")

	v.SetDefault("blob.dsn", "")
	v.SetDefault("blob.max_object_bytes", 0)
	v.SetDefault("blob.snapshots_kept", 0)
	v.SetDefault("blob.max_attempts", 0)
	v.SetDefault("blob.validate_uploads", false)

	v.SetDefault("docs.dsn", "")
	v.SetDefault("docs.token", "")
	v.SetDefault("docs.inline_threshold_bytes", 0)
	v.SetDefault("docs.hard_limit_bytes", 0)
	v.SetDefault("docs.batch_limit", 0)
	v.SetDefault("docs.fields_schema_file", "")
	v.SetDefault("docs.max_attempts", 0)
	v.SetDefault("docs.retry_base_delay", 0)

	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.capacity", 0)
	v.SetDefault("queue.max_attempts", 0)

	v.SetDefault("engine.owner", "")
	v.SetDefault("engine.snapshot_dir", "")
	v.SetDefault("engine.auth_timeout", 5*time.Second)
	v.SetDefault("engine.save_timeout", time.Duration(0))
	v.SetDefault("engine.process_interval", 30*time.Second)
	v.SetDefault("engine.remote_timeout", 30*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.document_addr", ":8090")
	v.SetDefault("http.jwt_secret", "dev-secret")
	v.SetDefault("http.rate_limit_max", 0)
	v.SetDefault("http.rate_limit_window", time.Minute)
	v.SetDefault("http.max_body_bytes", 8<<20)
	v.SetDefault("http.origin_patterns", []string{})

	v.SetDefault("mount.projects", []string{})
	v.SetDefault("mount.priority", string(opqueue.PriorityNormal))
	v.SetDefault("mount.interval", 2*time.Second)
	v.SetDefault("mount.interval_jitter", 0.2)
	v.SetDefault("mount.debounce", 250*time.Millisecond)
	v.SetDefault("mount.timeout", 30*time.Second)
	v.SetDefault("mount.state_file", "")
}

// BindFlags lets command-line flags override file and environment values.
// Flags are matched by key, e.g. a flag bound as "docs.dsn".
func BindFlags(v *viper.Viper, bindings map[string]*pflag.Flag) error {
	for key, flag := range bindings {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// Load reads path when given and decodes the merged settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyProfile() error {
	fill := func(dst *string, value string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = value
		}
	}
	switch profile := strings.ToLower(strings.TrimSpace(c.Profile)); profile {
	case "", ProfileMemory:
		fill(&c.Docs.DSN, "memory://")
		fill(&c.Blob.DSN, "memory://")
		fill(&c.Queue.DSN, "memory://")
	case ProfileDurableLocal, "local-durable":
		dir := strings.TrimSpace(c.DataDir)
		if dir == "" {
			dir = ".projectsync"
		}
		fill(&c.Docs.DSN, "memory://")
		fill(&c.Blob.DSN, "file://"+filepath.Join(dir, "blobs"))
		fill(&c.Queue.DSN, "file://"+filepath.Join(dir, "queue.json"))
		fill(&c.Engine.SnapshotDir, filepath.Join(dir, "snapshots"))
		fill(&c.Cache.SpillPath, filepath.Join(dir, "cache.db"))
	case ProfileProduction, "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return fmt.Errorf("postgres_dsn is required when profile=%s", profile)
		}
		fill(&c.Docs.DSN, dsn)
		fill(&c.Queue.DSN, dsn)
	default:
		return fmt.Errorf("unsupported profile: %s", profile)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Docs.DSN) == "" {
		errs = append(errs, errors.New("docs.dsn is required"))
	}
	if strings.TrimSpace(c.Blob.DSN) == "" {
		errs = append(errs, errors.New("blob.dsn is required"))
	}
	if strings.TrimSpace(c.Queue.DSN) == "" {
		errs = append(errs, errors.New("queue.dsn is required"))
	}
	nonNegative := map[string]int64{
		"cache.max_bytes":             c.Cache.MaxBytes,
		"blob.max_object_bytes":       c.Blob.MaxObjectBytes,
		"blob.snapshots_kept":         int64(c.Blob.SnapshotsKept),
		"blob.max_attempts":           int64(c.Blob.MaxAttempts),
		"docs.inline_threshold_bytes": int64(c.Docs.InlineThresholdBytes),
		"docs.hard_limit_bytes":       int64(c.Docs.HardLimitBytes),
		"docs.batch_limit":            int64(c.Docs.BatchLimit),
		"docs.max_attempts":           int64(c.Docs.MaxAttempts),
		"queue.capacity":              int64(c.Queue.Capacity),
		"queue.max_attempts":          int64(c.Queue.MaxAttempts),
		"http.rate_limit_max":         int64(c.HTTP.RateLimitMax),
		"http.max_body_bytes":         c.HTTP.MaxBodyBytes,
	}
	for key, value := range nonNegative {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	durations := map[string]time.Duration{
		"cache.ttl":               c.Cache.TTL,
		"docs.retry_base_delay":   c.Docs.RetryBaseDelay,
		"engine.auth_timeout":     c.Engine.AuthTimeout,
		"engine.save_timeout":     c.Engine.SaveTimeout,
		"engine.process_interval": c.Engine.ProcessInterval,
		"engine.remote_timeout":   c.Engine.RemoteTimeout,
		"http.rate_limit_window":  c.HTTP.RateLimitWindow,
		"mount.interval":          c.Mount.Interval,
		"mount.timeout":           c.Mount.Timeout,
	}
	for key, value := range durations {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}
	if c.Docs.HardLimitBytes > 0 && c.Docs.InlineThresholdBytes > c.Docs.HardLimitBytes {
		errs = append(errs, errors.New("docs.inline_threshold_bytes exceeds docs.hard_limit_bytes"))
	}
	if _, err := opqueue.ParsePriority(c.Mount.Priority); err != nil {
		errs = append(errs, fmt.Errorf("mount.priority: %w", err))
	}
	if c.Mount.IntervalJitter < 0 || c.Mount.IntervalJitter > 1 {
		errs = append(errs, errors.New("mount.interval_jitter must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
