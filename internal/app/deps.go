package app

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/invoice-reconciler/internal/artifact"
	"github.com/xenking/invoice-reconciler/internal/artifact/s3store"
	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/domain/payment"
	"github.com/xenking/invoice-reconciler/internal/notify"
	"github.com/xenking/invoice-reconciler/internal/notify/snsnotify"
	"github.com/xenking/invoice-reconciler/internal/queue"
	"github.com/xenking/invoice-reconciler/internal/queue/memq"
	"github.com/xenking/invoice-reconciler/internal/queue/redisq"
	"github.com/xenking/invoice-reconciler/internal/queue/sqsq"
	"github.com/xenking/invoice-reconciler/internal/storage/memory"
	"github.com/xenking/invoice-reconciler/internal/storage/postgres"
	"github.com/xenking/invoice-reconciler/pkg/health"
)

// Components are the backends selected by Config. Pingers are the ones with
// a connectivity check, keyed by check name.
type Components struct {
	Orders    order.Repository
	Queue     queue.Queue
	Artifacts artifact.Store
	Notifier  notify.Notifier
	Oracle    payment.Oracle
	Pingers   map[string]health.Pinger

	closers []func()
}

// Close releases connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// BuildComponents connects every backend named in cfg. On error the
// components built so far are closed.
func BuildComponents(ctx context.Context, lg *zap.Logger, cfg *Config) (_ *Components, rerr error) {
	c := &Components{Pingers: make(map[string]health.Pinger)}
	defer func() {
		if rerr != nil {
			c.Close()
		}
	}()

	var awsCfg aws.Config
	if cfg.usesAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, errors.Wrap(err, "load aws config")
		}
	}

	if err := c.buildStore(ctx, lg, cfg); err != nil {
		return nil, err
	}
	if err := c.buildQueue(ctx, cfg, awsCfg); err != nil {
		return nil, err
	}

	switch cfg.Artifacts.Backend {
	case BackendS3:
		s := s3store.NewFromConfig(awsCfg, s3store.Config{
			Bucket:   cfg.Artifacts.Bucket,
			Prefix:   cfg.Artifacts.Prefix,
			Endpoint: cfg.Artifacts.Endpoint,
		})
		c.Artifacts = s
		c.Pingers["s3"] = s
	default:
		c.Artifacts = artifact.NewMemoryStore()
	}

	switch cfg.Notify.Backend {
	case BackendSNS:
		n := snsnotify.NewFromConfig(awsCfg, snsnotify.Config{
			TopicARN: cfg.Notify.TopicARN,
			Subject:  cfg.Notify.Subject,
			Endpoint: cfg.Notify.Endpoint,
		})
		c.Notifier = n
		c.Pingers["sns"] = n
	default:
		c.Notifier = notify.LogNotifier{}
	}

	seed := cfg.Reconcile.OracleSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	var oracle payment.Oracle = payment.NewRandomOracle(seed)
	if cfg.Reconcile.OracleRPS > 0 {
		oracle = payment.NewLimitedOracle(oracle, cfg.Reconcile.OracleRPS, cfg.Reconcile.Concurrency)
	}
	c.Oracle = oracle

	lg.Info("Components ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("artifacts", cfg.Artifacts.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)
	return c, nil
}

func (c *Components) buildStore(ctx context.Context, lg *zap.Logger, cfg *Config) error {
	if cfg.Store.Backend == BackendMemory {
		repo := memory.NewOrderRepository()
		c.Orders = repo
		c.Pingers["store"] = repo
		return nil
	}

	pool, err := postgres.NewPool(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	c.closers = append(c.closers, pool.Close)

	if cfg.Store.Migrate {
		applied, err := postgres.RunMigrations(ctx, pool)
		if err != nil {
			return errors.Wrap(err, "run migrations")
		}
		if len(applied) > 0 {
			lg.Info("Migrations applied", zap.Strings("versions", applied))
		}
	}

	c.Orders = postgres.NewOrderRepository(pool)
	c.Pingers["store"] = pool
	return nil
}

func (c *Components) buildQueue(ctx context.Context, cfg *Config, awsCfg aws.Config) error {
	switch cfg.Queue.Backend {
	case BackendSQS:
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Queue.SQS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Queue.SQS.Endpoint)
			}
		})
		q := sqsq.New(client, sqsq.Config{
			URL:               cfg.Queue.SQS.URL,
			WaitTime:          cfg.Queue.SQS.WaitTime,
			VisibilityTimeout: cfg.Queue.SQS.VisibilityTimeout,
			BatchSize:         cfg.Queue.SQS.BatchSize,
		})
		c.Queue = q
		c.Pingers["queue"] = q
	case BackendRedis:
		rcfg := cfg.Queue.Redis
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{rcfg.Addr},
			Password: rcfg.Password,
			DB:       rcfg.DB,
		})
		c.closers = append(c.closers, func() { _ = rdb.Close() })

		q, err := redisq.New(ctx, rdb, redisq.Config{
			Stream:            rcfg.Stream,
			Group:             rcfg.Group,
			Consumer:          rcfg.Consumer,
			DedupWindow:       rcfg.DedupWindow,
			VisibilityTimeout: rcfg.VisibilityTimeout,
			WaitTime:          rcfg.WaitTime,
			BatchSize:         rcfg.BatchSize,
		})
		if err != nil {
			return errors.Wrap(err, "create redis queue")
		}
		c.Queue = q
		c.Pingers["queue"] = q
	default:
		q := memq.New(memq.Options{})
		c.Queue = q
		c.Pingers["queue"] = q
	}
	return nil
}
