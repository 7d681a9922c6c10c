// Package config loads the intel service configuration from
// $INTEL_CONFIG_DIR/config.yaml and INTEL_* environment variables.
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

// DefaultDir is used when INTEL_CONFIG_DIR is unset.
const DefaultDir = "/etc/telhawk/intel"

// Config is the root configuration of the intel service.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Backend    BackendConfig    `mapstructure:"backend"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Journal    JournalConfig    `mapstructure:"journal"`
	DLQ        DLQConfig        `mapstructure:"dlq"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the HTTP hand-off server settings
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// MaxBodyBytes bounds a submission request body.
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// FeedsConfig controls where feed definitions live and how they are fetched.
type FeedsConfig struct {
	Dir          string        `mapstructure:"dir"`
	CacheDir     string        `mapstructure:"cache_dir"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Watch        bool          `mapstructure:"watch"`
	RunOnStart   bool          `mapstructure:"run_on_start"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Processes      int           `mapstructure:"processes"`
	Threads        int           `mapstructure:"threads"`
	GlobalCapacity int           `mapstructure:"global_capacity"`
	LocalCapacity  int           `mapstructure:"local_capacity"`
	RecycleAfter   int           `mapstructure:"recycle_after"`
	ConnectBackoff time.Duration `mapstructure:"connect_backoff"`
}

// EnrichConfig selects the meta providers and plugins.
type EnrichConfig struct {
	ConfidenceMin   float64       `mapstructure:"confidence_min"`
	// Resolvers are host:port DNS servers; empty uses /etc/resolv.conf.
	Resolvers       []string      `mapstructure:"resolvers"`
	ResolverTimeout time.Duration `mapstructure:"resolver_timeout"`
	Meta            []string      `mapstructure:"meta"`
	Plugins         []string      `mapstructure:"plugins"`
	GeoIPFile       string        `mapstructure:"geoip_file"`
}

// BackendConfig selects the observable store.
type BackendConfig struct {
	Type string `mapstructure:"type"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Insecure    bool   `mapstructure:"insecure"`
	IndexPrefix string `mapstructure:"index_prefix"`
	Refresh     string `mapstructure:"refresh"`
}

// NATSConfig holds NATS message broker configuration. When enabled the
// broker worker replaces the in-process pool.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	WorkSubject   string        `mapstructure:"work_subject"`
	FanoutSubject string        `mapstructure:"fanout_subject"`
	Stream        string        `mapstructure:"stream"`
	Consumer      string        `mapstructure:"consumer"`
	Prefetch      int           `mapstructure:"prefetch"`
}

// JournalConfig selects where dedup journals are kept.
type JournalConfig struct {
	Type     string        `mapstructure:"type"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DLQConfig holds dead letter queue settings
type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"`
	BasePath string `mapstructure:"base_path"`
}

// Journal store types.
const (
	JournalFile  = "file"
	JournalRedis = "redis"
)

// DLQ backends.
const (
	DLQFile      = "file"
	DLQJetStream = "jetstream"
)

// Load reads configuration from file, or from $INTEL_CONFIG_DIR/config.yaml
// when file is empty. A missing file is not an error; defaults and
// environment variables still apply.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file == "" {
		dir := os.Getenv("INTEL_CONFIG_DIR")
		if dir == "" {
			dir = DefaultDir
		}
		file = filepath.Join(dir, "config.yaml")
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("INTEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers.Processes < 1 {
		errs = append(errs, fmt.Errorf("workers.processes must be at least 1"))
	}
	if c.Workers.Threads < 1 {
		errs = append(errs, fmt.Errorf("workers.threads must be at least 1"))
	}
	if c.Workers.GlobalCapacity < 1 {
		errs = append(errs, fmt.Errorf("workers.global_capacity must be at least 1"))
	}
	switch strings.ToLower(c.Journal.Type) {
	case JournalFile, JournalRedis:
	default:
		errs = append(errs, fmt.Errorf("journal.type %q is not file or redis", c.Journal.Type))
	}
	switch strings.ToLower(c.DLQ.Backend) {
	case DLQFile, DLQJetStream:
	default:
		errs = append(errs, fmt.Errorf("dlq.backend %q is not file or jetstream", c.DLQ.Backend))
	}
	if strings.EqualFold(c.DLQ.Backend, DLQJetStream) && c.DLQ.Enabled && !c.NATS.Enabled {
		errs = append(errs, fmt.Errorf("dlq.backend jetstream needs nats.enabled"))
	}
	if c.Enrich.ConfidenceMin < 0 || c.Enrich.ConfidenceMin > 100 {
		errs = append(errs, fmt.Errorf("enrich.confidence_min %v is outside 0-100", c.Enrich.ConfidenceMin))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("feeds.dir", "/etc/telhawk/intel/feeds")
	v.SetDefault("feeds.cache_dir", "/var/lib/telhawk/intel/cache")
	v.SetDefault("feeds.fetch_timeout", "5m")
	v.SetDefault("feeds.user_agent", "telhawk-intel/1.0")
	v.SetDefault("feeds.batch_size", 2000)
	v.SetDefault("feeds.poll_interval", "1s")
	v.SetDefault("feeds.watch", true)
	v.SetDefault("feeds.run_on_start", false)

	v.SetDefault("workers.processes", 2)
	v.SetDefault("workers.threads", 4)
	v.SetDefault("workers.global_capacity", 200000)
	v.SetDefault("workers.local_capacity", 0)
	v.SetDefault("workers.recycle_after", 0)
	v.SetDefault("workers.connect_backoff", "5s")

	v.SetDefault("enrich.confidence_min", 25)
	v.SetDefault("enrich.resolvers", []string{})
	v.SetDefault("enrich.resolver_timeout", "2s")
	v.SetDefault("enrich.meta", []string{"bgp"})
	v.SetDefault("enrich.plugins", []string{"resolver", "urlresolver", "spamhaus", "bgpwhitelist"})
	v.SetDefault("enrich.geoip_file", "")

	v.SetDefault("backend.type", "memory")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index_prefix", "telhawk-intel")
	v.SetDefault("opensearch.refresh", "")

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.work_subject", "intel.observables.submit")
	v.SetDefault("nats.fanout_subject", "intel.observables.created")
	v.SetDefault("nats.stream", "INTEL_OBSERVABLES")
	v.SetDefault("nats.consumer", "intel-workers")
	v.SetDefault("nats.prefetch", 64)

	v.SetDefault("journal.type", "file")
	v.SetDefault("journal.redis_url", "redis://localhost:6379/0")
	v.SetDefault("journal.ttl", "48h")

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.backend", "file")
	v.SetDefault("dlq.base_path", "/var/lib/telhawk/intel/dlq")
}
