package di

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/handler"
	"github.com/prohmpiriya/featured-placement/internal/notifier"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/internal/worker"
	"github.com/prohmpiriya/featured-placement/pkg/config"
	"github.com/prohmpiriya/featured-placement/pkg/database"
	"github.com/prohmpiriya/featured-placement/pkg/kafka"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	pkgredis "github.com/prohmpiriya/featured-placement/pkg/redis"
	"github.com/prohmpiriya/featured-placement/pkg/retry"
)

// Infrastructure holds the connections opened by Bootstrap
type Infrastructure struct {
	DB    *database.PostgresDB
	Bolt  *repository.BoltPlacementStore
	Redis *pkgredis.Client

	closers []func()
}

// Close releases every connection in reverse order of opening
func (i *Infrastructure) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}

func (i *Infrastructure) onClose(fn func()) {
	i.closers = append(i.closers, fn)
}

// Bootstrap opens the store, payment gateway, notification sink and optional Redis
// described by cfg and builds the container on top of them. On error everything
// opened so far is closed.
func Bootstrap(ctx context.Context, cfg *config.Config, serviceName string) (*Container, *Infrastructure, error) {
	appLog := logger.Get()
	infra := &Infrastructure{}
	pingers := make(map[string]handler.Pinger)

	fail := func(err error) (*Container, *Infrastructure, error) {
		infra.Close()
		return nil, nil, err
	}

	// Queue store
	var store repository.PlacementStore
	var directory repository.DirectoryRepository
	switch cfg.Store.Driver {
	case "postgres":
		db, err := database.NewPostgres(ctx, &database.PostgresConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnectTimeout:  5 * time.Second,
			MaxRetries:      3,
			RetryInterval:   time.Second,
			EnableTracing:   cfg.OTel.Enabled,
		})
		if err != nil {
			return fail(fmt.Errorf("database connection failed: %w", err))
		}
		infra.DB = db
		infra.onClose(db.Close)
		appLog.Info(fmt.Sprintf("Database connected (pool: max=%d)", cfg.Database.MaxOpenConns))

		if cfg.Database.AutoMigrate {
			if err := repository.Migrate(ctx, db); err != nil {
				return fail(fmt.Errorf("migration failed: %w", err))
			}
			appLog.Info("Database migrations applied")
		}

		store = repository.NewPostgresPlacementStore(db)
		directory = repository.NewPostgresDirectory(db)
		pingers["database"] = handler.PingFunc(db.HealthCheck)

	case "bolt":
		bolt, err := repository.OpenBoltStore(cfg.Store.BoltPath)
		if err != nil {
			return fail(err)
		}
		infra.Bolt = bolt
		infra.onClose(func() { _ = bolt.Close() })
		appLog.Info(fmt.Sprintf("Bolt store opened at %s", cfg.Store.BoltPath))

		store = bolt
		directory = repository.NewBoltDirectory(bolt.DB())
		pingers["store"] = handler.PingFunc(func(ctx context.Context) error {
			return bolt.DB().View(func(tx *bbolt.Tx) error { return nil })
		})

	default:
		return fail(fmt.Errorf("unknown store driver: %q", cfg.Store.Driver))
	}

	// Payment gateway
	var gw gateway.PaymentGateway
	switch cfg.Stripe.Gateway {
	case "stripe":
		stripeGW, err := gateway.NewStripeGateway(&gateway.StripeGatewayConfig{SecretKey: cfg.Stripe.SecretKey})
		if err != nil {
			return fail(fmt.Errorf("stripe gateway: %w", err))
		}
		gw = stripeGW
	default:
		appLog.Warn("Using mock payment gateway")
		gw = gateway.NewMockGateway(nil)
	}

	// Notification sink. Kafka also carries the dead letter topic.
	var sink notifier.Sink
	var dlq retry.DLQPublisher
	switch cfg.Notification.Sink {
	case "rabbitmq":
		sink = notifier.NewRabbitMQSink(cfg.RabbitMQ.URL, cfg.Notification.Queue)
	case "kafka":
		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Kafka connection failed, notifications go to the log: %v", err))
			sink = notifier.NewLogSink(appLog)
		} else {
			appLog.Info("Kafka notification producer connected")
			sink = notifier.NewKafkaSink(producer, cfg.Notification.Topic)
			dlq = retry.NewKafkaDLQPublisher(producer, &retry.DLQConfig{Source: serviceName})
		}
	default:
		sink = notifier.NewLogSink(appLog)
	}
	infra.onClose(func() { _ = sink.Close() })

	// Redis backs the idempotency middleware only
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
			KeyPrefix:     cfg.App.Environment + ":",
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Redis connection failed, idempotency keys disabled: %v", err))
		} else {
			infra.Redis = redisClient
			infra.onClose(func() { _ = redisClient.Close() })
			pingers["redis"] = handler.PingFunc(redisClient.HealthCheck)
			appLog.Info(fmt.Sprintf("Redis connected (pool: %d)", cfg.Redis.PoolSize))
		}
	}

	container := NewContainer(&ContainerConfig{
		ServiceName:   serviceName,
		Store:         store,
		Directory:     directory,
		Gateway:       gw,
		Sink:          sink,
		Pingers:       pingers,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		NotificationConfig: &service.NotificationServiceConfig{
			Timeout: cfg.Notification.Timeout,
			Topic:   cfg.Notification.Topic,
			DLQ:     dlq,
		},
		SchedulerConfig: &service.SchedulerServiceConfig{
			BatchSize:       cfg.Placement.BatchSize,
			ProcessingLease: cfg.Placement.ProcessingLease,
			StepUpWindow:    cfg.Placement.StepUpWindow,
			CleanupGrace:    cfg.Placement.CleanupGrace,
		},
		AdmissionConfig: &service.AdmissionServiceConfig{
			PriceCents: cfg.Placement.PriceCents,
			Currency:   cfg.Placement.Currency,
		},
		WorkerConfig: &worker.PromotionWorkerConfig{
			Interval: cfg.Scheduler.Interval,
		},
	})

	return container, infra, nil
}
