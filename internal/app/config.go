package app

import (
	"os"
	"strconv"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
	BackendS3       = "s3"
	BackendSNS      = "sns"
	BackendLog      = "log"
)

// Config holds the complete application configuration, loadable from
// environment variables (INVOICE_ prefix), flags, or YAML config files.
type Config struct {
	Addr       string `default:"0.0.0.0:8080" usage:"API server listen address"`
	HealthAddr string `default:"0.0.0.0:8081" usage:"Worker health probe listen address" flag:"health-addr"`
	Store      StoreConfig
	Queue      QueueConfig
	Artifacts  ArtifactConfig
	Notify     NotifyConfig
	Reconcile  ReconcileConfig
	AWS        AWSConfig
	Graceful   GracefulConfig
}

// StoreConfig selects the order store.
type StoreConfig struct {
	Backend     string `default:"postgres" usage:"Order store backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (INVOICE_STORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Migrate     bool   `default:"true" usage:"Apply migrations on startup"`
}

// QueueConfig selects the reconciliation queue.
type QueueConfig struct {
	Backend string `default:"sqs" usage:"Queue backend: sqs, redis or memory"`
	SQS     SQSConfig
	Redis   RedisConfig
}

// SQSConfig configures the SQS backend. A URL ending in .fifo enables
// deduplication and per-order ordering.
type SQSConfig struct {
	URL               string        `usage:"Queue URL"`
	Endpoint          string        `usage:"Custom endpoint (LocalStack)"`
	WaitTime          time.Duration `default:"10s" usage:"Long-poll wait time"`
	VisibilityTimeout time.Duration `default:"30s" usage:"Visibility timeout of received messages"`
	BatchSize         int           `default:"10" usage:"Messages per receive (max 10)"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr              string        `default:"localhost:6379" usage:"Redis address"`
	Password          string        `usage:"Redis password"`
	DB                int           `default:"0" usage:"Redis database"`
	Stream            string        `default:"invoice:reconcile" usage:"Stream key"`
	Group             string        `default:"reconcilers" usage:"Consumer group"`
	Consumer          string        `usage:"Consumer name (default: hostname-pid)"`
	DedupWindow       time.Duration `default:"5m" usage:"Deduplication window"`
	VisibilityTimeout time.Duration `default:"30s" usage:"Idle time before a pending message is reclaimed"`
	WaitTime          time.Duration `default:"2s" usage:"Blocking read wait time"`
	BatchSize         int           `default:"10" usage:"Messages per read"`
}

// ArtifactConfig selects where invoices are stored.
type ArtifactConfig struct {
	Backend  string        `default:"s3" usage:"Artifact backend: s3 or memory"`
	Bucket   string        `usage:"S3 bucket"`
	Prefix   string        `usage:"Object key prefix"`
	Endpoint string        `usage:"Custom S3 endpoint (MinIO, LocalStack)"`
	URLTTL   time.Duration `default:"1h" usage:"Validity of presigned invoice links" flag:"url-ttl"`
}

// NotifyConfig selects the notification channel.
type NotifyConfig struct {
	Backend  string `default:"sns" usage:"Notifier backend: sns or log"`
	TopicARN string `usage:"SNS topic ARN" flag:"topic-arn"`
	Subject  string `default:"Your order" usage:"Notification subject"`
	Endpoint string `usage:"Custom SNS endpoint (LocalStack)"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	MaxAttempts   int           `default:"5" usage:"Cycles before a pending payment is denied" flag:"max-attempts"`
	Concurrency   int           `default:"4" usage:"Concurrent queue pollers"`
	HandleTimeout time.Duration `default:"20s" usage:"Timeout for one reconciliation cycle" flag:"handle-timeout"`
	OracleSeed    uint64        `default:"0" usage:"Seed of the simulated payment oracle (0: time based)" flag:"oracle-seed"`
	OracleRPS     float64       `default:"0" usage:"Oracle calls per second (0: unlimited)" flag:"oracle-rps"`
	InProcess     bool          `default:"false" usage:"Run the reconciliation worker inside the API process" flag:"in-process"`
}

// AWSConfig holds settings shared by the AWS clients.
type AWSConfig struct {
	Region string `default:"us-east-1" usage:"AWS region"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, flags and YAML
// config files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	return load(false)
}

// LoadEnvConfig is LoadConfig without command-line flags, for tools that
// parse their own.
func LoadEnvConfig() (*Config, error) {
	return load(true)
}

func load(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "INVOICE",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/invoice/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's INVOICE_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Store.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.Store.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Queue.Redis.Consumer == "" {
		host, _ := os.Hostname()
		c.Queue.Redis.Consumer = host + "-" + strconv.Itoa(os.Getpid())
	}
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("database URL is required: set INVOICE_STORE_DATABASE_URL or DATABASE_URL")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case BackendSQS:
		if c.Queue.SQS.URL == "" {
			return errors.New("sqs queue URL is required")
		}
	case BackendRedis:
		if c.Queue.Redis.Addr == "" {
			return errors.New("redis address is required")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	switch c.Artifacts.Backend {
	case BackendS3:
		if c.Artifacts.Bucket == "" {
			return errors.New("artifact bucket is required")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown artifact backend %q", c.Artifacts.Backend)
	}

	switch c.Notify.Backend {
	case BackendSNS:
		if c.Notify.TopicARN == "" {
			return errors.New("sns topic ARN is required")
		}
	case BackendLog:
	default:
		return errors.Errorf("unknown notify backend %q", c.Notify.Backend)
	}

	// In-memory store and queue are only visible inside one process.
	if !c.Reconcile.InProcess && (c.Store.Backend == BackendMemory || c.Queue.Backend == BackendMemory) {
		return errors.New("memory store or queue requires reconcile.in-process")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return errors.Errorf("max attempts must be positive, got %d", c.Reconcile.MaxAttempts)
	}
	if c.Reconcile.Concurrency < 1 {
		return errors.Errorf("concurrency must be positive, got %d", c.Reconcile.Concurrency)
	}
	return nil
}

// usesAWS reports whether any backend needs AWS credentials.
func (c *Config) usesAWS() bool {
	return c.Queue.Backend == BackendSQS ||
		c.Artifacts.Backend == BackendS3 ||
		c.Notify.Backend == BackendSNS
}
