package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/migrations"
	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/catalog"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/secrets"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

const (
	lockKeyPrefix     = "fern:lock:"
	intervalKeyPrefix = "fern:interval:"
)

// app holds the process-wide dependencies shared by serve and worker.
type app struct {
	cfg       *config.Config
	logger    ectologger.Logger
	zap       *zap.Logger
	tracer    *sdktrace.TracerProvider
	evaluator *expressions.Evaluator
	registry  *replicator.Registry
	boot      *startup.Startup
	checker   *health.Checker

	db       database.DB
	redis    *redis.Client
	streams  *redis.Streams
	dlq      *redis.DeadLetterQueue
	producer *kafka.Producer

	organizations *repositories.OrganizationRepository
	integrations  *repositories.ServiceIntegrationRepository
	jobs          *repositories.BackfillJobRepository
	service       *replicator.Service
}

func loadConfig() (*config.Config, error) {
	return config.Load(envFile)
}

func newLogger(cfg *config.Config) (*zap.Logger, ectologger.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zc.Level = level
	zc.InitialFields = map[string]any{"app": cfg.AppName}

	zl, err := zc.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zl, zapadapter.NewZapEctoLogger(zl, nil), nil
}

// newRegistry builds the registry from the hand-coded types and the catalog.
func newRegistry(cfg *config.Config, evaluator *expressions.Evaluator, logger ectologger.Logger) (*replicator.Registry, error) {
	declared, err := catalog.LoadFile(cfg.CatalogPath, evaluator, logger)
	if err != nil {
		return nil, err
	}
	return replicator.NewRegistry(append(integrations.All(), declared...)...)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zl, logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := exporters.New(ctx, cfg.Tracing())
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	evaluator := expressions.NewEvaluator()
	registry, err := newRegistry(cfg, evaluator, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		zap:       zl,
		tracer:    tracing.Setup(cfg.AppName, exporter),
		evaluator: evaluator,
		registry:  registry,
		boot:      startup.NewStartup(logger, cfg.StartupMaxAttempts),
		checker:   health.NewChecker(Version),
	}
	a.addDependencies()
	return a, nil
}

func (a *app) addDependencies() {
	a.boot.AddDependency(startup.Func{
		Name: "postgres",
		StartFunc: func(ctx context.Context) error {
			db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.db.Close()
		},
	})
	a.boot.AddDependency(startup.Func{
		Name:     "migrations",
		Requires: []string{"postgres"},
		StartFunc: func(context.Context) error {
			return database.NewMigrationService(a.logger, a.cfg.Migrations(migrations.FS)).Migrate(a.db, a.cfg.DatabaseName)
		},
	})
	a.boot.AddDependency(startup.Func{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.Config{
				Addr:     a.cfg.RedisAddr(),
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
				PoolSize: a.cfg.RedisPoolSize,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			a.streams = redis.NewStreams(client)
			a.dlq = redis.NewDeadLetterQueue(client, redis.DefaultDLQStream, a.logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			return a.redis.Close()
		},
	})
	a.boot.AddDependency(startup.Func{
		Name: "kafka",
		StartFunc: func(context.Context) error {
			if a.cfg.KafkaBrokers == "" || a.cfg.KafkaRowChangeTopic == "" {
				a.logger.Warn("row-change publishing is disabled")
				return nil
			}
			a.producer = kafka.NewProducer(kafka.ParseConfig(a.cfg.KafkaBrokers, a.cfg.KafkaRowChangeTopic), a.logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
}

func (a *app) enrichmentGate() ratelimit.Gate {
	if a.cfg.EnrichmentGate == "local" {
		return ratelimit.NewMinIntervalGate(a.cfg.EnrichmentInterval)
	}
	return ratelimit.NewRedisGate(redis.NewIntervalLimiter(a.redis, intervalKeyPrefix), a.cfg.EnrichmentInterval)
}

// start brings every dependency up and builds the replicator service over them.
func (a *app) start(ctx context.Context) error {
	if err := a.boot.Start(ctx); err != nil {
		return err
	}

	sealer, err := a.sealer()
	if err != nil {
		return err
	}

	a.organizations = repositories.NewOrganizationRepository(a.db, a.logger)
	a.integrations = repositories.NewServiceIntegrationRepository(a.db, sealer, a.logger)
	a.jobs = repositories.NewBackfillJobRepository(a.db, a.logger)
	rows := repositories.NewRowRepository(a.db, a.evaluator, a.logger)

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = a.cfg.HTTPClientTimeout
	httpCfg.UserAgent = a.cfg.AppName + "/" + Version
	client := httpclient.NewClient(httpCfg, a.logger)
	engine := backfill.NewEngine(client, a.enrichmentGate(), backfill.RetryPolicy{
		MaxRetries:   a.cfg.BackfillMaxRetries,
		BackoffType:  backfill.BackoffFibonacci,
		InitialDelay: a.cfg.BackfillInitialDelay,
		MaxDelay:     a.cfg.BackfillMaxDelay,
	}, a.logger)

	svcCfg := replicator.ServiceConfig{
		Registry:      a.registry,
		Resolver:      resolver.New(rows, a.evaluator, a.logger),
		Engine:        engine,
		Evaluator:     a.evaluator,
		Organizations: a.organizations,
		Integrations:  a.integrations,
		Jobs:          a.jobs,
		Enqueuer:      queue.NewEnqueuer(a.streams, a.cfg.RedisStreamsJobQueue),
		Locker:        redis.NewLocker(a.redis, lockKeyPrefix),
		Ledger:        repositories.NewPropagationRepository(a.db, a.logger),
		DDL:           repositories.NewDDLRepository(a.db, a.logger),
		LockTTL:       a.cfg.BackfillLockTTL,
		Logger:        a.logger,
	}
	if a.producer != nil {
		svcCfg.Publisher = a.producer
	}
	a.service = replicator.NewService(svcCfg)

	a.checker.
		Require("postgres", a.db.PingContext).
		Require("redis", a.redis.Ping)
	a.checker.SetReady(true)
	return nil
}

func (a *app) sealer() (secrets.Sealer, error) {
	if a.cfg.SecretsKey == "" {
		a.logger.Warn("SECRETS_KEY is not set; integration credentials are stored unsealed")
		return secrets.Plaintext{}, nil
	}
	return secrets.NewBoxFromHex(a.cfg.SecretsKey)
}

func (a *app) processor() *queue.Processor {
	return queue.NewProcessor(a.streams, a.dlq, a.service, queue.ProcessorConfig{
		Stream:        a.cfg.RedisStreamsJobQueue,
		ConsumerGroup: a.cfg.RedisStreamsConsumerGroup,
		ConsumerName:  a.cfg.ConsumerName(),
		WorkerCount:   a.cfg.WorkerConcurrency,
	}, a.logger)
}

// stop tears down in reverse order. It is safe to call after a failed start.
func (a *app) stop(ctx context.Context) error {
	a.checker.SetReady(false)
	err := a.boot.Stop(ctx)
	if a.tracer != nil {
		err = errors.Join(err, a.tracer.Shutdown(ctx))
	}
	_ = a.zap.Sync()
	return err
}
