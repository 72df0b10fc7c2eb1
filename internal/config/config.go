// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ingest-orchestrator/internal/logging"
	"github.com/JakeFAU/ingest-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/ingest-orchestrator/internal/storage/blob"
	"github.com/JakeFAU/ingest-orchestrator/internal/telemetry"
)

// Extractor modes.
const (
	ExtractorSnapshot = "snapshot"
	ExtractorFeed     = "feed"
)

// Lister kinds.
const (
	ListerFile      = "file"
	ListerCatalogue = "catalogue"
)

var sourceNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Source       SourceConfig       `mapstructure:"source"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Governor     GovernorConfig     `mapstructure:"governor"`
	DB           DBConfig           `mapstructure:"db"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Extractor    ExtractorConfig    `mapstructure:"extractor"`
	Lister       ListerConfig       `mapstructure:"lister"`
	Storage      blob.Config        `mapstructure:"storage"`
	PubSub       pubsub.Config      `mapstructure:"pubsub"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Logging      logging.Config     `mapstructure:"logging"`
	Telemetry    telemetry.Config   `mapstructure:"telemetry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// SourceConfig names the data source. The name doubles as the storage namespace.
type SourceConfig struct {
	Name string `mapstructure:"name"`
}

// OrchestratorConfig controls batching and fan-out.
type OrchestratorConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	WorkerCount  int           `mapstructure:"worker_count"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	CooldownMin  time.Duration `mapstructure:"cooldown_min"`
	CooldownMax  time.Duration `mapstructure:"cooldown_max"`
}

// SessionsConfig sizes the browser session pool.
type SessionsConfig struct {
	MaxInstances int `mapstructure:"max_instances"`
	IdleCapacity int `mapstructure:"idle_capacity"`
}

// RetryPolicyConfig is one retry policy.
type RetryPolicyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// RetryConfig holds the per-operation retry policies.
type RetryConfig struct {
	Session RetryPolicyConfig `mapstructure:"session"`
	Extract RetryPolicyConfig `mapstructure:"extract"`
}

// GovernorConfig controls memory-pressure admission.
type GovernorConfig struct {
	MaxMemoryPercent float64       `mapstructure:"max_memory_percent"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// DBConfig controls access to the relational database. An empty DSN disables
// persistence.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	PoolSize int    `mapstructure:"pool_size"`
}

// HeadlessConfig configures the Chrome launcher.
type HeadlessConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
}

// PaginationConfig bounds paginated feed walks.
type PaginationConfig struct {
	MaxPages   int `mapstructure:"max_pages"`
	AdmitEvery int `mapstructure:"admit_every"`
}

// FeedConfig configures the feed extractor.
type FeedConfig struct {
	PageURL      string           `mapstructure:"page_url"`
	ItemSelector string           `mapstructure:"item_selector"`
	KeyAttr      string           `mapstructure:"key_attr"`
	TimeAttr     string           `mapstructure:"time_attr"`
	TimeLayout   string           `mapstructure:"time_layout"`
	MaxAge       time.Duration    `mapstructure:"max_age"`
	Pagination   PaginationConfig `mapstructure:"pagination"`
}

// RateLimitConfig paces navigations per host. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ExtractorConfig selects the extraction strategy.
type ExtractorConfig struct {
	Mode      string          `mapstructure:"mode"`
	Feed      FeedConfig      `mapstructure:"feed"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// CatalogueConfig configures the catalogue lister.
type CatalogueConfig struct {
	StartURL       string        `mapstructure:"start_url"`
	LinkSelector   string        `mapstructure:"link_selector"`
	NextSelector   string        `mapstructure:"next_selector"`
	AllowedDomains []string      `mapstructure:"allowed_domains"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxItems       int           `mapstructure:"max_items"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// ListerConfig selects where work items come from.
type ListerConfig struct {
	Kind      string          `mapstructure:"kind"`
	Path      string          `mapstructure:"path"`
	Catalogue CatalogueConfig `mapstructure:"catalogue"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// MetricsConfig controls the admin HTTP server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.name", "")
	v.SetDefault("orchestrator.batch_size", 50)
	v.SetDefault("orchestrator.worker_count", 0)
	v.SetDefault("orchestrator.batch_timeout", "10m")
	v.SetDefault("orchestrator.cooldown_min", "3s")
	v.SetDefault("orchestrator.cooldown_max", "10s")
	v.SetDefault("sessions.max_instances", 25)
	v.SetDefault("sessions.idle_capacity", 25)
	v.SetDefault("retry.session.max_attempts", 3)
	v.SetDefault("retry.session.base_delay", "1s")
	v.SetDefault("retry.extract.max_attempts", 3)
	v.SetDefault("retry.extract.base_delay", "2s")
	v.SetDefault("retry.extract.max_delay", "30s")
	v.SetDefault("retry.extract.jitter", 0.2)
	v.SetDefault("governor.max_memory_percent", 80.0)
	v.SetDefault("governor.cooldown", "5s")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.pool_size", 5)
	v.SetDefault("headless.user_agent", "ingest-orchestrator/0.1")
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.headless", true)
	v.SetDefault("extractor.mode", ExtractorSnapshot)
	v.SetDefault("extractor.feed.page_url", "")
	v.SetDefault("extractor.feed.item_selector", "")
	v.SetDefault("extractor.feed.key_attr", "")
	v.SetDefault("extractor.feed.time_attr", "datetime")
	v.SetDefault("extractor.feed.time_layout", time.RFC3339)
	v.SetDefault("extractor.feed.max_age", "0s")
	v.SetDefault("extractor.feed.pagination.max_pages", 500)
	v.SetDefault("extractor.feed.pagination.admit_every", 10)
	v.SetDefault("extractor.rate_limit.rps", 0.0)
	v.SetDefault("extractor.rate_limit.burst", 1)
	v.SetDefault("lister.kind", ListerFile)
	v.SetDefault("lister.path", "")
	v.SetDefault("lister.catalogue.start_url", "")
	v.SetDefault("lister.catalogue.link_selector", "a[href]")
	v.SetDefault("lister.catalogue.next_selector", "")
	v.SetDefault("lister.catalogue.max_pages", 50)
	v.SetDefault("lister.catalogue.max_items", 0)
	v.SetDefault("lister.catalogue.timeout", "15s")
	v.SetDefault("lister.catalogue.respect_robots", true)
	v.SetDefault("storage.backend", blob.BackendNone)
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "ingest-orchestrator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("metrics.addr", ":9090")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !sourceNamePattern.MatchString(c.Source.Name) {
		return fmt.Errorf("source.name %q must match %s", c.Source.Name, sourceNamePattern)
	}
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("orchestrator.batch_size must be > 0")
	}
	if c.Orchestrator.WorkerCount < 0 {
		return fmt.Errorf("orchestrator.worker_count must be >= 0")
	}
	if c.Orchestrator.CooldownMax < c.Orchestrator.CooldownMin {
		return fmt.Errorf("orchestrator.cooldown_max must be >= orchestrator.cooldown_min")
	}
	if c.Sessions.MaxInstances <= 0 {
		return fmt.Errorf("sessions.max_instances must be > 0")
	}
	if c.Governor.MaxMemoryPercent <= 0 || c.Governor.MaxMemoryPercent > 100 {
		return fmt.Errorf("governor.max_memory_percent must be in (0, 100]")
	}
	if c.DB.DSN != "" && c.DB.PoolSize <= 0 {
		return fmt.Errorf("db.pool_size must be > 0")
	}
	switch c.Extractor.Mode {
	case ExtractorSnapshot:
	case ExtractorFeed:
		if c.Extractor.Feed.PageURL == "" || c.Extractor.Feed.ItemSelector == "" {
			return fmt.Errorf("extractor.feed.page_url and extractor.feed.item_selector are required in feed mode")
		}
	default:
		return fmt.Errorf("extractor.mode %q must be %q or %q", c.Extractor.Mode, ExtractorSnapshot, ExtractorFeed)
	}
	switch c.Lister.Kind {
	case ListerFile:
		if c.Lister.Path == "" {
			return fmt.Errorf("lister.path is required for the file lister")
		}
	case ListerCatalogue:
		if c.Lister.Catalogue.StartURL == "" {
			return fmt.Errorf("lister.catalogue.start_url is required for the catalogue lister")
		}
	default:
		return fmt.Errorf("lister.kind %q must be %q or %q", c.Lister.Kind, ListerFile, ListerCatalogue)
	}
	switch c.Storage.Backend {
	case "", blob.BackendNone:
	case blob.BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case blob.BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}
	return nil
}
