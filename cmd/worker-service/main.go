package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/media-pipeline/internal/config"
	"github.com/cuongbtq/media-pipeline/internal/ledger"
	"github.com/cuongbtq/media-pipeline/internal/objectstore"
	"github.com/cuongbtq/media-pipeline/internal/observability"
	"github.com/cuongbtq/media-pipeline/internal/transform"
	"github.com/cuongbtq/media-pipeline/internal/worker"
	"github.com/cuongbtq/media-pipeline/shared/clock"
	"github.com/cuongbtq/media-pipeline/shared/logger"
	"github.com/cuongbtq/media-pipeline/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	shutdownTracer, err := observability.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			appLogger.Error("Failed to flush traces", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the idempotency ledger
	jobLedger, err := ledger.Open(ctx, cfg, ledger.Options{Lease: cfg.Pipeline.LeaseDuration}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer jobLedger.Close()

	appLogger.Info("Ledger ready", slog.String("backend", cfg.Ledger.Backend))

	// Initialize the object store
	store, err := objectstore.Open(ctx, cfg.Storage, objectstore.Options{MaxObjectBytes: cfg.Pipeline.MaxSourceBytes})
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	appLogger.Info("Object store ready", slog.String("backend", cfg.Storage.Backend))

	engine, err := transform.NewEngine(transform.Params{
		MaxWidth:            cfg.Pipeline.MaxWidth,
		MaxHeight:           cfg.Pipeline.MaxHeight,
		AllowUpscale:        cfg.Pipeline.AllowUpscale,
		JPEGQuality:         cfg.Pipeline.JPEGQuality,
		MaxPixels:           cfg.Pipeline.MaxPixels,
		AllowedContentTypes: cfg.Pipeline.AllowedContentTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize transform engine: %w", err)
	}

	// Initialize RabbitMQ clients
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	sinks := worker.Sinks{
		worker.LogSink{Logger: appLogger.Logger},
		worker.MetricsSink{},
	}

	if cfg.RabbitMQ.Failures.Exchange != "" {
		failureClient, err := initFailureChannel(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize failure channel: %w", err)
		}
		defer failureClient.Close()

		sinks = append(sinks, worker.FailurePublisher{Publisher: failureClient, Logger: appLogger.Logger})
	}

	appLogger.Info("RabbitMQ connection established")

	// Create worker instance
	workerCfg := &worker.Config{
		Logger: appLogger.Logger,
		Engine: engine,
		Store:  store,
		Ledger: jobLedger,
		Clock:  clock.Real(),
		Sink:   sinks,
	}
	workerCfg.ApplyPipeline(cfg.Pipeline)

	workerInstance, err := worker.NewWorker(workerCfg)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	consumer := worker.NewConsumer(&worker.ConsumerConfig{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Submitter:     workerInstance,
		Clock:         clock.Real(),
		ConsumerTag:   cfg.App.Name,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	// The consumer stops on its own context so in-flight jobs keep theirs
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	errChan := make(chan error, 2)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = initMetricsServer(cfg.Metrics.Address)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		appLogger.Info("Metrics endpoint listening", slog.String("address", cfg.Metrics.Address))
	}

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	}

	// Stop intake first; queued and in-flight jobs are then settled by Stop
	stopConsumer()
	<-consumerDone

	workerInstance.Stop(cfg.Pipeline.ShutdownGrace)
	appLogger.Info("Worker stopped",
		slog.Duration("grace", cfg.Pipeline.ShutdownGrace),
	)

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Metrics server forced to shutdown", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the notification intake client. Rejected
// deliveries dead-letter to the failure exchange when one is configured.
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.Failures.Exchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initFailureChannel initializes the client that publishes terminal
// failure records for operators
func initFailureChannel(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Failures.Exchange,
		ExchangeType:       "fanout",
		ExchangeDurable:    true,
		QueueName:          cfg.Failures.Queue,
		QueueDurable:       true,
		RoutingKey:         cfg.Failures.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func initMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
