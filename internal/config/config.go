package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/abakedjoetato/killfeed/internal/security"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Sources   []types.Source   `yaml:"sources"`
	State     StateConfig      `yaml:"state"`
	Store     StoreConfig      `yaml:"store"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Publish   *PublishConfig   `yaml:"publish,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
	Health    *HealthConfig    `yaml:"health,omitempty"`
	API       *APIConfig       `yaml:"api,omitempty"`
	Tracing   *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling *ProfilingConfig `yaml:"profiling,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// StateConfig defines where parser state and progress are kept
type StateConfig struct {
	Backend string `yaml:"backend"` // sqlite, file or memory
	Dir     string `yaml:"dir"`
}

// StoreConfig defines the event store
type StoreConfig struct {
	Driver      string        `yaml:"driver"`         // sqlite or memory
	Path        string        `yaml:"path,omitempty"` // defaults to <state.dir>/killfeed.db
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
}

// SchedulerConfig defines how ingestion passes are triggered
type SchedulerConfig struct {
	Workers     int           `yaml:"workers"`
	LogInterval time.Duration `yaml:"log_interval"`
	CSVInterval time.Duration `yaml:"csv_interval"`
	Watch       bool          `yaml:"watch"`
	// TriggerRate bounds fsnotify-triggered passes per task per second.
	TriggerRate  float64 `yaml:"trigger_rate,omitempty"`
	MaxReadBytes int64   `yaml:"max_read_bytes,omitempty"`
}

// PublishConfig defines optional downstream sinks for extracted events
type PublishConfig struct {
	Kafka          *KafkaConfig          `yaml:"kafka,omitempty"`
	Elasticsearch  *ElasticsearchConfig  `yaml:"elasticsearch,omitempty"`
	S3             *S3Config             `yaml:"s3,omitempty"`
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	DeadLetter     *DeadLetterConfig     `yaml:"dead_letter,omitempty"`
}

// KafkaConfig holds Kafka-specific configuration
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	RequiredAcks     int16    `yaml:"required_acks,omitempty"`
	CompressionCodec string   `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int      `yaml:"max_message_bytes,omitempty"`
	SASLEnabled      bool     `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string   `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string   `yaml:"sasl_username,omitempty"`
	SASLPassword     string   `yaml:"sasl_password,omitempty"`
	EnableTLS        bool     `yaml:"enable_tls,omitempty"`

	// TLS overrides the system roots and adds a client certificate.
	TLS *security.TLSConfig `yaml:"tls,omitempty"`
}

// ElasticsearchConfig holds Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Addresses     []string `yaml:"addresses"`
	IndexPrefix   string   `yaml:"index_prefix"`
	IndexRotation string   `yaml:"index_rotation,omitempty"` // daily, monthly, none
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	CloudID       string   `yaml:"cloud_id,omitempty"`
	APIKey        string   `yaml:"api_key,omitempty"`
	MaxRetries    int      `yaml:"max_retries,omitempty"`
}

// S3Config holds S3-specific configuration
type S3Config struct {
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	Prefix               string `yaml:"prefix,omitempty"`
	StorageClass         string `yaml:"storage_class,omitempty"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"`
	Compression          string `yaml:"compression,omitempty"` // none, gzip, snappy
	Endpoint             string `yaml:"endpoint,omitempty"`
	UsePathStyle         bool   `yaml:"use_path_style,omitempty"`
	AccessKeyID          string `yaml:"access_key_id,omitempty"`
	SecretAccessKey      string `yaml:"secret_access_key,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// DeadLetterConfig holds dead letter queue configuration
type DeadLetterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	MaxSize       int64         `yaml:"max_size,omitempty"`
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// APIConfig holds the HTTP listener configuration
type APIConfig struct {
	Address      string        `yaml:"address"`
	RateLimit    float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 disables
	RateBurst    int           `yaml:"rate_burst,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`

	// AdminToken guards the reset route when set. It accepts env: and
	// file: references.
	AdminToken string              `yaml:"admin_token,omitempty"`
	TLS        *security.TLSConfig `yaml:"tls,omitempty"`
}

// TracingConfig holds tracing configuration. Without an endpoint spans are
// sampled but not exported.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"` // OTLP/gRPC collector host:port
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig holds the pprof listener configuration
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// Default values
const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultStateBackend     = "sqlite"
	DefaultStateDir         = "/var/lib/killfeed/state"
	DefaultStoreDriver      = "sqlite"
	DefaultStoreFile        = "killfeed.db"
	DefaultWorkers          = 4
	DefaultLogInterval      = 30 * time.Second
	DefaultCSVInterval      = 60 * time.Second
	DefaultTriggerRate      = 1.0
	DefaultAPIAddress       = ":8080"
	DefaultProfilingAddress = "localhost:6060"
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.State.Backend == "" {
		c.State.Backend = DefaultStateBackend
	}
	if c.State.Dir == "" && c.State.Backend != "memory" {
		c.State.Dir = DefaultStateDir
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" && c.State.Dir != "" {
		c.Store.Path = filepath.Join(c.State.Dir, DefaultStoreFile)
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultWorkers
	}
	if c.Scheduler.LogInterval == 0 {
		c.Scheduler.LogInterval = DefaultLogInterval
	}
	if c.Scheduler.CSVInterval == 0 {
		c.Scheduler.CSVInterval = DefaultCSVInterval
	}
	if c.Scheduler.TriggerRate == 0 {
		c.Scheduler.TriggerRate = DefaultTriggerRate
	}

	if c.API != nil && c.API.Address == "" {
		c.API.Address = DefaultAPIAddress
	}
	if c.Profiling != nil && c.Profiling.Address == "" {
		c.Profiling.Address = DefaultProfilingAddress
	}
	if c.Metrics != nil && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health != nil {
		if c.Health.LivenessPath == "" {
			c.Health.LivenessPath = "/health/live"
		}
		if c.Health.ReadinessPath == "" {
			c.Health.ReadinessPath = "/health/ready"
		}
		if c.Health.Timeout == 0 {
			c.Health.Timeout = 5 * time.Second
		}
	}

	if c.Publish != nil && c.Publish.Elasticsearch != nil {
		if c.Publish.Elasticsearch.IndexPrefix == "" {
			c.Publish.Elasticsearch.IndexPrefix = "killfeed"
		}
		if c.Publish.Elasticsearch.IndexRotation == "" {
			c.Publish.Elasticsearch.IndexRotation = "daily"
		}
	}

	for i := range c.Sources {
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = c.Sources[i].ID
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("source %d has no id configured", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id: %s", src.ID)
		}
		seen[src.ID] = true
		if src.LogEnabled && src.LogPath == "" {
			return fmt.Errorf("source %s has log parsing enabled but no log_path", src.ID)
		}
		if src.CSVEnabled && src.CSVDir == "" {
			return fmt.Errorf("source %s has csv parsing enabled but no csv_dir", src.ID)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	switch c.State.Backend {
	case "file", "memory":
	case "sqlite":
		if c.Store.Driver != "sqlite" {
			return fmt.Errorf("state backend sqlite requires store driver sqlite")
		}
	default:
		return fmt.Errorf("invalid state backend: %s", c.State.Backend)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store driver sqlite requires a path")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}
	// Offsets must not outlive the events they account for.
	if c.Store.Driver == "memory" && c.State.Backend != "memory" {
		return fmt.Errorf("store driver memory requires state backend memory, got %s", c.State.Backend)
	}

	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler workers must not be negative")
	}

	if c.Publish != nil {
		if k := c.Publish.Kafka; k != nil && (len(k.Brokers) == 0 || k.Topic == "") {
			return fmt.Errorf("kafka publisher requires brokers and topic")
		}
		if es := c.Publish.Elasticsearch; es != nil && len(es.Addresses) == 0 && es.CloudID == "" {
			return fmt.Errorf("elasticsearch publisher requires addresses or cloud_id")
		}
		if s3 := c.Publish.S3; s3 != nil && (s3.Bucket == "" || s3.Region == "") {
			return fmt.Errorf("s3 publisher requires bucket and region")
		}
	}

	return nil
}

// resolveSecrets expands env: and file: references in credential fields.
func (c *Config) resolveSecrets() error {
	refs := make(map[string]*string)
	if c.API != nil {
		refs["api.admin_token"] = &c.API.AdminToken
	}
	if p := c.Publish; p != nil {
		if p.Kafka != nil {
			refs["publish.kafka.sasl_password"] = &p.Kafka.SASLPassword
		}
		if p.Elasticsearch != nil {
			refs["publish.elasticsearch.password"] = &p.Elasticsearch.Password
			refs["publish.elasticsearch.api_key"] = &p.Elasticsearch.APIKey
		}
		if p.S3 != nil {
			refs["publish.s3.secret_access_key"] = &p.S3.SecretAccessKey
		}
	}
	return security.ResolveSecrets(refs)
}

// Source returns the configured source with the given id.
func (c *Config) Source(id string) (types.Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return types.Source{}, false
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Sources: []types.Source{
			{
				ID:         "default",
				Name:       "default",
				LogPath:    "/var/lib/deadside/Logs/Deadside.log",
				LogEnabled: true,
			},
		},
		State: StateConfig{
			Backend: DefaultStateBackend,
			Dir:     DefaultStateDir,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   filepath.Join(DefaultStateDir, DefaultStoreFile),
		},
		Scheduler: SchedulerConfig{
			Workers:     DefaultWorkers,
			LogInterval: DefaultLogInterval,
			CSVInterval: DefaultCSVInterval,
			TriggerRate: DefaultTriggerRate,
		},
	}
	return cfg
}
