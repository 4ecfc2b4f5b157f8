package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prohmpiriya/rentsync/internal/di"
	"github.com/prohmpiriya/rentsync/migrations"
	"github.com/prohmpiriya/rentsync/pkg/config"
	"github.com/prohmpiriya/rentsync/pkg/database"
	"github.com/prohmpiriya/rentsync/pkg/kafka"
	"github.com/prohmpiriya/rentsync/pkg/logger"
	"github.com/prohmpiriya/rentsync/pkg/redis"
	"github.com/prohmpiriya/rentsync/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rentsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.ServiceName = cfg.App.Name
	logCfg.Development = cfg.IsDevelopment()
	if cfg.App.Debug {
		logCfg.Level = "debug"
	}
	if err := logger.Init(logCfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Get()
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		FeedBackend:    cfg.Sync.FeedBackend,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb, err := redis.NewClient(ctx, &redis.Config{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func(c *goredis.Client) { _ = c.Close() }(rdb)

	containerCfg := &di.ContainerConfig{Config: cfg, Log: log, DB: db, Redis: rdb}
	if cfg.Kafka.Enabled {
		producer, consumer, err := newKafka(cfg, log)
		if err != nil {
			return err
		}
		defer producer.Close()
		defer consumer.Close()
		containerCfg.Producer, containerCfg.Consumer = producer, consumer
	}

	container, err := di.NewContainer(containerCfg)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer container.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      container.Router(cfg, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	container.ReconcileWorker.Start(ctx)
	defer container.ReconcileWorker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.App.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if container.Fanout != nil {
		g.Go(func() error {
			if err := container.Fanout.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("billing fanout: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newKafka creates the billing fanout clients. Every replica joins its own
// consumer group so each one applies every account change.
func newKafka(cfg *config.Config, log *logger.Logger) (*kafka.Producer, *kafka.Consumer, error) {
	kcfg := kafka.Config{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID,
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		Topic:         cfg.Billing.EventsTopic,
	}
	if host, err := os.Hostname(); err == nil {
		kcfg.ConsumerGroup += "-" + host
	}

	producer, err := kafka.NewProducer(kcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := kafka.NewConsumer(kcfg, log)
	if err != nil {
		producer.Close()
		return nil, nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return producer, consumer, nil
}
