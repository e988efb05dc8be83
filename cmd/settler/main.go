// Command settler runs the settlement automation engine: the HTTP surface,
// the completion-event consumer, the run-job workers and the scheduler in
// one process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/tidemark/settler/config"
	"github.com/tidemark/settler/internal/database"
	"github.com/tidemark/settler/internal/handlers"
	"github.com/tidemark/settler/internal/middleware"
	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/actions/builtin"
	"github.com/tidemark/settler/pkg/chain"
	"github.com/tidemark/settler/pkg/dispatch"
	"github.com/tidemark/settler/pkg/kafka"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/orchestrator"
	"github.com/tidemark/settler/pkg/queue"
	"github.com/tidemark/settler/pkg/recorder"
	"github.com/tidemark/settler/pkg/redis"
	"github.com/tidemark/settler/pkg/repositories"
	"github.com/tidemark/settler/pkg/scheduler"
	"github.com/tidemark/settler/pkg/tradecapture"
)

const version = "1.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	if cfg.OTLPEnabled {
		shutdown, err := tracing.Setup(ctx, cfg.AppName, tracing.OTLPConfig{
			Endpoint: cfg.OTLPEndpoint,
			Protocol: cfg.OTLPProtocol,
			Insecure: cfg.OTLPInsecure,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warnf("Failed to flush traces")
			}
		}()
	}

	// Database
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)
	sqlxDB, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sqlxDB.Close()
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)

	// Repositories
	ruleRepo := repositories.NewRuleRepository(db, logger)
	execRepo := repositories.NewExecutionRepository(db, logger)
	settlementRepo := repositories.NewSettlementRepository(db, logger)

	// Redis
	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, "")
	streams := redis.NewStreams(redisClient)

	// Kafka
	kafkaCfg := kafka.Config{
		Brokers:            kafka.ParseBrokers(cfg.KafkaBrokers),
		CompletionTopic:    cfg.KafkaCompletionTopic,
		ConsumerGroup:      cfg.KafkaConsumerGroup,
		EventsTopic:        cfg.KafkaEventsTopic,
		NotificationsTopic: cfg.KafkaNotificationsTopic,
	}
	producer := kafka.NewProducer(kafkaCfg, logger)
	defer producer.Close()

	// Engine
	chainManager := chain.NewManager(settlementRepo, settlementRepo.DB(), logger)
	runRecorder := recorder.NewRecorder(execRepo, ruleRepo, execRepo.DB(), logger)

	registry := actions.NewRegistry()
	registry.Register(builtin.NewCreateSettlementHandler(chainManager, logger))
	registry.Register(builtin.NewAmendSettlementHandler(chainManager, logger))
	registry.Register(builtin.NewNotifyHandler(producer, logger))
	registry.Register(builtin.NewEscalateHandler(producer, logger))
	pipeline := actions.NewPipeline(registry, logger).WithRetry(actions.DefaultRetryConfig())

	capture := tradecapture.NewClient(tradecapture.Config{
		BaseURL: cfg.FactsBaseURL,
		Timeout: cfg.FactsTimeout,
	}, logger)

	source := orchestrator.NewFactsSource(capture, capture, settlementRepo, logger)
	engine := orchestrator.NewOrchestrator(source, runRecorder, execRepo, pipeline, orchestrator.Config{
		MaxBatchSize: cfg.EngineMaxBatchSize,
		GroupWorkers: cfg.EngineGroupWorkers,
		DedupeWindow: cfg.EngineDedupeWindow,
	}, logger)

	enqueuer := dispatch.NewStreamEnqueuer(streams, cfg.RedisStreamsRunQueue)
	dispatcher := dispatch.NewDispatcher(ruleRepo, capture, enqueuer, logger)

	// Workers
	processorCfg := queue.DefaultProcessorConfig()
	processorCfg.Stream = cfg.RedisStreamsRunQueue
	processorCfg.ConsumerGroup = cfg.RedisStreamsConsumerGroup
	if cfg.RedisStreamsConsumerName != "" {
		processorCfg.ConsumerName = cfg.RedisStreamsConsumerName
	}
	processorCfg.WorkerCount = cfg.QueueWorkerCount
	processor := queue.NewProcessor(streams, ruleRepo, &eventedRunner{engine: engine, producer: producer, logger: logger}, processorCfg, logger)
	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue processor: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.NewScheduler(dispatcher, locker, scheduler.Config{
			PollInterval: cfg.SchedulerPollInterval,
			LockTTL:      cfg.SchedulerLockTTL,
		}, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(kafkaCfg, logger, func(ctx context.Context, trigger models.TriggerEvent) error {
			_, err := dispatcher.DispatchCompletion(ctx, trigger)
			return err
		})
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	health := handlers.NewHealthChecker(db, redisClient, version)
	health.Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	handlers.NewRuleHandler(ruleRepo, registry, dispatcher, logger).Register(api.Group("/rules"))
	handlers.NewExecutionHandler(execRepo, logger).Register(api.Group("/executions"))
	handlers.NewSettlementHandler(chainManager, settlementRepo, producer, logger).Register(api.Group("/settlements"))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	health.SetReady(true)
	logger.Infof("%s listening on :%d", cfg.AppName, cfg.Port)

	// Shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.WithError(err).Error("HTTP server failed")
	}
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warnf("Failed to stop kafka consumer")
		}
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warnf("Failed to stop scheduler")
		}
	}
	if err := processor.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warnf("Failed to stop queue processor")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warnf("Failed to shut down HTTP server")
	}

	logger.Infof("%s stopped", cfg.AppName)
	return nil
}

// eventedRunner runs rules through the orchestrator and publishes the
// rule_run.completed event for the audit feed. Publishing is best-effort;
// the record is already durable when the event goes out.
type eventedRunner struct {
	engine   *orchestrator.Orchestrator
	producer *kafka.Producer
	logger   ectologger.Logger
}

func (r *eventedRunner) ExecuteRule(ctx context.Context, def models.RuleDefinition, trigger models.TriggerEvent) (*models.RuleExecutionRecord, error) {
	record, err := r.engine.ExecuteRule(ctx, def, trigger)
	if record != nil && record.Status != models.ExecutionStatusSkipped {
		if pubErr := r.producer.PublishRuleRunCompleted(ctx, record); pubErr != nil {
			r.logger.WithContext(ctx).WithError(pubErr).Warnf("Failed to publish rule run event")
		}
	}
	return record, err
}

func newLogger(cfg config.Config) ectologger.Logger {
	encode := json.Marshal
	if cfg.PrettyLogs {
		encode = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		b, err := encode(msg)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to encode log message:", err)
			return
		}
		fmt.Fprintln(os.Stdout, string(b))
	})
}
