package di

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/prohmpiriya/rentsync/internal/backend"
	"github.com/prohmpiriya/rentsync/internal/billing"
	"github.com/prohmpiriya/rentsync/internal/changefeed"
	"github.com/prohmpiriya/rentsync/internal/collection"
	"github.com/prohmpiriya/rentsync/internal/gateway"
	"github.com/prohmpiriya/rentsync/internal/handler"
	"github.com/prohmpiriya/rentsync/internal/session"
	"github.com/prohmpiriya/rentsync/internal/worker"
	"github.com/prohmpiriya/rentsync/pkg/config"
	"github.com/prohmpiriya/rentsync/pkg/database"
	"github.com/prohmpiriya/rentsync/pkg/kafka"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/middleware"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

// Container holds all dependencies for the rentsync server
type Container struct {
	// Infrastructure
	DB       *database.PostgresDB
	Redis    *goredis.Client
	Feed     changefeed.Feed
	Listener *changefeed.Listener
	Metrics  *telemetry.SyncMetrics

	// Stores
	Backend     *backend.Backend
	Collections *collection.Store
	Sessions    *session.Store

	// Services
	Gateway         *gateway.Gateway
	Billing         *billing.Processor
	Fanout          *billing.FanoutConsumer
	ReconcileWorker *worker.ReconcileWorker

	// Handlers
	HealthHandler      *handler.HealthHandler
	PropertyHandler    *handler.PropertyHandler
	LeaseHandler       *handler.LeaseHandler
	MaintenanceHandler *handler.MaintenanceHandler
	MessageHandler     *handler.MessageHandler
	UsageHandler       *handler.UsageHandler
	WebhookHandler     *handler.WebhookHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *database.PostgresDB
	Redis  *goredis.Client
	// Producer and Consumer are nil when Kafka is disabled
	Producer *kafka.Producer
	Consumer *kafka.Consumer
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	if cfg.Config == nil || cfg.DB == nil || cfg.Redis == nil {
		return nil, fmt.Errorf("container: config, database and redis are required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewNop()
	}
	app := cfg.Config

	c := &Container{
		DB:    cfg.DB,
		Redis: cfg.Redis,
	}

	metrics, err := telemetry.NewSyncMetrics()
	if err != nil {
		return nil, fmt.Errorf("sync metrics: %w", err)
	}
	c.Metrics = metrics

	// Change feed: postgres triggers publish on their own, the other feeds
	// are fed by the backend after every committed write
	var publisher changefeed.Publisher
	switch app.Sync.FeedBackend {
	case config.FeedBackendRedis:
		rf := changefeed.NewRedisFeed(cfg.Redis, log)
		c.Feed, publisher = rf, rf
	case config.FeedBackendMemory:
		mb := changefeed.NewMemoryBroker()
		c.Feed, publisher = mb, mb
	default:
		c.Feed = changefeed.NewPostgresFeed(cfg.DB.Pool(), changefeed.DefaultPostgresFeedConfig(), log)
		publisher = changefeed.NoopPublisher{}
	}
	c.Listener = changefeed.NewListener(c.Feed, changefeed.DefaultListenerConfig(), log, metrics)

	// Stores
	c.Backend = backend.NewPostgres(cfg.DB.Pool(), publisher)
	c.Collections = collection.NewStore(c.Backend, c.Listener, collection.Config{
		FetchTimeout: app.Sync.FetchTimeout,
		IdleTTL:      collection.DefaultConfig().IdleTTL,
	}, log, metrics)
	c.Sessions = session.NewStore(c.Backend.Accounts, log)

	// Services
	c.Gateway = gateway.New(c.Backend, c.Collections, c.Sessions, gateway.Config{
		MutationTimeout: app.Sync.MutationTimeout,
		FetchTimeout:    app.Sync.FetchTimeout,
		IdempotencyTTL:  app.Sync.IdempotencyTTL,
	}, log, metrics)

	var fanout billing.AccountPublisher
	if cfg.Producer != nil {
		fanout = billing.NewKafkaFanout(cfg.Producer)
	}
	c.Billing = billing.NewProcessor(
		c.Backend.Accounts,
		c.Sessions,
		billing.NewRedisDeduper(cfg.Redis, app.Billing.DedupeTTL),
		fanout,
		log,
		metrics,
	)
	if cfg.Consumer != nil {
		c.Fanout = billing.NewFanoutConsumer(cfg.Consumer, c.Sessions, log)
	}

	c.ReconcileWorker = worker.NewReconcileWorker(c.Collections, c.Gateway, log, &worker.ReconcileWorkerConfig{
		Interval: app.Sync.ReconcileInterval,
	})

	// Handlers
	c.HealthHandler = handler.NewHealthHandler(map[string]handler.HealthCheck{
		"postgres": c.DB.HealthCheck,
		"redis": func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		},
	})
	c.PropertyHandler = handler.NewPropertyHandler(c.Gateway, log)
	c.LeaseHandler = handler.NewLeaseHandler(c.Gateway, log)
	c.MaintenanceHandler = handler.NewMaintenanceHandler(c.Gateway, log)
	c.MessageHandler = handler.NewMessageHandler(c.Gateway, log)
	c.UsageHandler = handler.NewUsageHandler(c.Gateway, log)
	c.WebhookHandler = handler.NewWebhookHandler(
		billing.NewStripeAdapter(app.Billing.StripeWebhookSecret),
		c.Billing,
		log,
	)

	return c, nil
}

// Router builds the HTTP router from the container's handlers
func (c *Container) Router(app *config.Config, log *logger.Logger) *gin.Engine {
	cors := middleware.DefaultCORSConfig()
	if len(app.Server.CORSOrigins) > 0 {
		cors.AllowOrigins = app.Server.CORSOrigins
	}

	rl := middleware.DefaultRateLimitConfig()
	rl.RedisClient = c.Redis
	rl.KeyPrefix = "ratelimit:webhook:"
	if app.Billing.WebhookRatePerSec > 0 {
		rl.RequestsPerSecond = int(app.Billing.WebhookRatePerSec)
	}
	if app.Billing.WebhookBurst > 0 {
		rl.BurstSize = app.Billing.WebhookBurst
	}

	return handler.NewRouter(handler.RouterConfig{
		JWT:       middleware.JWTConfig{Secret: app.JWT.Secret, Issuer: app.JWT.Issuer},
		CORS:      cors,
		RateLimit: rl,
		Log:       log,
	}, handler.Handlers{
		Health:      c.HealthHandler,
		Property:    c.PropertyHandler,
		Lease:       c.LeaseHandler,
		Maintenance: c.MaintenanceHandler,
		Message:     c.MessageHandler,
		Usage:       c.UsageHandler,
		Webhook:     c.WebhookHandler,
	})
}

// Close releases the collections and the change feed. Clients passed in
// through ContainerConfig are closed by their owner.
func (c *Container) Close() {
	c.Collections.Close()
	_ = c.Listener.Close()
	_ = c.Feed.Close()
}
