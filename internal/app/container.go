// Package app wires configuration, infrastructure and services together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/staysync/internal/reservations/application"
	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/fetch"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/locking"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/normalize"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/persistence"
	"github.com/felixgeelhaar/staysync/internal/reservations/infrastructure/reporting"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	_ "github.com/felixgeelhaar/staysync/internal/shared/infrastructure/database/sqlite"   // Register SQLite driver
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/staysync/internal/shared/infrastructure/retry"
	"github.com/felixgeelhaar/staysync/pkg/config"
	"github.com/felixgeelhaar/staysync/pkg/observability"
)

// Container holds all application dependencies for one target environment.
type Container struct {
	Config      *config.Config
	Logger      *slog.Logger
	Environment config.Environment

	// Database
	DBConn   database.Connection
	DBDriver database.Driver

	// Redis, nil when not configured
	RedisClient *redis.Client

	// Repositories
	Store      *persistence.SQLStore
	SyncStates *persistence.SyncStateRepository
	OutboxRepo outbox.Repository

	// Publishers
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor

	// Sync pipeline
	Fetcher     *fetch.Pool
	Normalizers *normalize.Registry
	Locker      application.PropertyLocker
	Metrics     *observability.InMemoryMetrics

	// Reports
	LastRun     *reporting.MemorySink
	ReportFile  *reporting.FileSink
	ReportRedis *reporting.RedisSink
	EventSink   *reporting.EventBusSink

	Health *observability.HealthRegistry
}

// NewContainer wires every dependency for the configured environment.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	return NewContainerFor(ctx, cfg, cfg.Environment, logger)
}

// NewContainerFor wires every dependency against the record store of env.
func NewContainerFor(ctx context.Context, cfg *config.Config, env config.Environment, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:      cfg,
		Logger:      logger.With("environment", string(env)),
		Environment: env,
		Metrics:     observability.NewInMemoryMetrics(),
		Health:      observability.NewHealthRegistry(),
	}

	conn, err := openStore(ctx, cfg, env)
	if err != nil {
		return nil, err
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver()
	c.Logger.Info("connected to record store", "driver", c.DBDriver)

	if err := migrations.Run(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c.connectRedis(ctx)

	storeRetry := retry.DefaultPolicy()
	storeRetry.BackoffBase = cfg.RetryBase
	storeRetry.BackoffMax = cfg.RetryMax

	c.OutboxRepo = outbox.NewSQLRepository(conn)
	c.Store = persistence.NewSQLStore(conn, c.OutboxRepo,
		persistence.WithRetryPolicy(storeRetry),
		persistence.WithLogger(c.Logger),
	)
	c.SyncStates = persistence.NewSyncStateRepository(conn)

	if err := c.connectBroker(); err != nil {
		c.Close()
		return nil, err
	}
	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval:     cfg.OutboxPollInterval,
		BatchSize:        cfg.OutboxBatchSize,
		MaxRetries:       cfg.OutboxMaxRetries,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		Retention:        cfg.OutboxRetention,
	}, c.Logger, outbox.WithProcessorMetrics(c.Metrics))

	c.Normalizers = normalize.NewRegistry()
	c.Fetcher = c.newFetcherPool()

	if c.RedisClient != nil {
		c.Locker = locking.NewRedisLocker(c.RedisClient, cfg.LockTTL, c.Logger)
		c.ReportRedis = reporting.NewRedisSink(c.RedisClient, 50, 30*24*time.Hour)
	} else {
		c.Locker = locking.NewMemoryLocker()
	}
	c.LastRun = reporting.NewMemorySink()
	c.ReportFile = reporting.NewFileSink(reportPath(cfg, env))
	c.EventSink = reporting.NewEventBusSink(c.EventPublisher)

	c.registerHealthChecks()
	return c, nil
}

// SyncOptions adjusts one sync service built from the container.
type SyncOptions struct {
	DryRun        bool
	ReferenceDate time.Time
}

// SyncService builds a sync service over the container's dependencies.
func (c *Container) SyncService(opts SyncOptions) *application.SyncService {
	cfg := application.DefaultSyncConfig()
	cfg.Environment = string(c.Environment)
	cfg.PropertyConcurrency = c.Config.PropertyConcurrency
	cfg.ConflictRetries = c.Config.ConflictRetries
	cfg.RunTimeout = c.Config.RunTimeout
	cfg.DryRun = opts.DryRun
	cfg.ReferenceDate = opts.ReferenceDate

	sinks := []application.ReportSink{
		reporting.NewLogSink(c.Logger),
		c.LastRun,
		c.ReportFile,
		c.EventSink,
	}
	if c.ReportRedis != nil {
		sinks = append(sinks, c.ReportRedis)
	}

	return application.NewSyncService(
		c.Store, c.SyncStates, c.Fetcher, c.Normalizers, c.Locker,
		sinks, c.Metrics, cfg, c.Logger,
	)
}

// LastReport returns the latest stored report, from Redis when available.
func (c *Container) LastReport(ctx context.Context) (*application.RunReport, error) {
	if c.ReportRedis != nil {
		r, err := c.ReportRedis.Last(ctx, string(c.Environment))
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil {
			c.Logger.Warn("read report from redis failed, using file", observability.ErrorKey, err)
		}
	}
	return c.ReportFile.Last()
}

// Close releases every connection the container opened.
func (c *Container) Close() error {
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("failed to close event publisher", observability.ErrorKey, err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("failed to close Redis client", observability.ErrorKey, err)
		}
	}
	if c.DBConn != nil {
		return c.DBConn.Close()
	}
	return nil
}

func (c *Container) connectRedis(ctx context.Context) {
	if c.Config.RedisURL == "" {
		return
	}
	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		c.Logger.Warn("invalid Redis URL, using in-process locks", observability.ErrorKey, err)
		return
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		c.Logger.Warn("Redis not available, using in-process locks", observability.ErrorKey, err)
		_ = client.Close()
		return
	}
	c.RedisClient = client
	c.Logger.Info("connected to Redis")
}

func (c *Container) connectBroker() error {
	if c.Config.RabbitMQURL == "" {
		c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
		return nil
	}
	publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Config.RabbitMQExchange, c.Logger)
	if err != nil {
		if !c.Config.IsProduction() {
			c.Logger.Warn("RabbitMQ not available, using noop publisher", observability.ErrorKey, err)
			c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
			return nil
		}
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.EventPublisher = publisher
	return nil
}

func (c *Container) newFetcherPool() *fetch.Pool {
	cfg := c.Config
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	httpFetcher := fetch.NewHTTPFetcher(fetch.WithHTTPClient(httpClient))
	fileFetcher := fetch.NewFileFetcher(cfg.InboxDir)

	fetchers := map[domain.SourceFormat]fetch.Fetcher{
		domain.FormatICal:   httpFetcher,
		domain.FormatPortal: fetch.ByScheme(httpFetcher, fileFetcher),
		domain.FormatCSV:    fetch.ByScheme(httpFetcher, fileFetcher),
		domain.FormatCalDAV: fetch.NewCalDAVFetcher(httpClient, cfg.CalDAVUsername, cfg.CalDAVPassword),
	}

	poolCfg := fetch.DefaultPoolConfig()
	poolCfg.Concurrency = cfg.FetchConcurrency
	poolCfg.Timeout = cfg.FetchTimeout
	poolCfg.Retry.MaxAttempts = cfg.FetchMaxAttempts
	poolCfg.Retry.BackoffBase = cfg.RetryBase
	poolCfg.Retry.BackoffMax = cfg.RetryMax
	if cfg.BreakerFailures > 0 {
		poolCfg.BreakerFailures = uint32(cfg.BreakerFailures)
	}
	poolCfg.BreakerCooldown = cfg.BreakerCooldown

	return fetch.NewPool(fetchers, poolCfg,
		fetch.WithMetrics(c.Metrics),
		fetch.WithLogger(c.Logger),
	)
}

func (c *Container) registerHealthChecks() {
	c.Health.Register("database", observability.DatabaseHealthChecker(c.DBConn.Ping))
	if c.RedisClient != nil {
		c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
			return c.RedisClient.Ping(ctx).Err()
		}))
	}
	if rabbit, ok := c.EventPublisher.(*eventbus.RabbitMQPublisher); ok {
		c.Health.Register("rabbitmq", observability.RabbitMQHealthChecker(rabbit.Check))
	}
}

// openStore connects to the record store of env. Without a URL each
// environment gets its own SQLite file next to the configured path.
func openStore(ctx context.Context, cfg *config.Config, env config.Environment) (database.Connection, error) {
	url := cfg.StoreURL(env)
	dbCfg := database.Config{URL: url, ApplicationName: "staysync-" + string(env)}
	if database.DetectDriver(url) == database.DriverSQLite && url == "" {
		dbCfg.SQLitePath = sqlitePath(cfg.SQLitePath, env)
	}
	conn, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s record store: %w", env, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s record store: %w", env, err)
	}
	return conn, nil
}

func sqlitePath(base string, env config.Environment) string {
	if base == ":memory:" || env != config.EnvironmentProd {
		return base
	}
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + string(env) + ext
}

func reportPath(cfg *config.Config, env config.Environment) string {
	dir := filepath.Dir(cfg.SQLitePath)
	if cfg.SQLitePath == ":memory:" || cfg.SQLitePath == "" {
		dir = "."
	}
	return filepath.Join(dir, "reports", string(env)+"-last.json")
}
