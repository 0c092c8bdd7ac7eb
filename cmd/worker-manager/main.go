// cmd/worker-manager/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wa-broadcast-workers/internal/api"
	"wa-broadcast-workers/internal/common/camunda"
	"wa-broadcast-workers/internal/common/config"
	"wa-broadcast-workers/internal/common/database"
	httpclient "wa-broadcast-workers/internal/common/http"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/observability"
	"wa-broadcast-workers/internal/common/phone"
	"wa-broadcast-workers/internal/common/recurrence"
	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/queue"
	"wa-broadcast-workers/internal/store"
	dispatch "wa-broadcast-workers/internal/workers/broadcast/dispatch-broadcast"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func main() {
	configPath := flag.String("config", "", "path to a config file (default: configs/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"service": cfg.App.Name,
		"env":     cfg.App.Environment,
	})

	zapLog.Info("Starting broadcast worker manager...", zap.String("version", cfg.App.Version))

	obs, err := observability.New(observability.Options{
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		Tracing: observability.TracingOptions{
			Enabled:        cfg.Tracing.Enabled,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SampleRatio:    cfg.Tracing.SampleRatio,
		},
	})
	if err != nil {
		zapLog.Fatal("observability setup failed", zap.Error(err))
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			zapLog.Warn("observability shutdown failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	readiness := map[string]api.Pinger{
		"postgres": pg,
		"redis":    redis,
	}

	// --- Init Elasticsearch (conversation search index) ---
	var indexer dispatch.ConversationIndexer
	if cfg.ConversationIndex.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		indexer = store.NewConversationIndexer(esClient.Client, cfg.ConversationIndex.Index)
		readiness["elasticsearch"] = esClient
		zapLog.Info("Elasticsearch connected successfully", zap.String("index", cfg.ConversationIndex.Index))
	}

	scheduler, err := recurrence.NewScheduler(cfg.Recurrence.Timezone)
	if err != nil {
		zapLog.Fatal("invalid recurrence timezone", zap.Error(err))
	}

	workerCfg := dispatch.NewConfigFromAppConfig(cfg)
	gateway := store.NewPostgresGateway(pg.DB)
	taskQueue := queue.NewRedisQueue(redis.Client, cfg.Queue.Name)

	service := dispatch.NewService(dispatch.ServiceDependencies{
		Logger:    log,
		Gateway:   gateway,
		Sender:    whatsapp.NewClient(httpclient.NewClient(config.GetDuration(cfg.WhatsApp.RequestTimeout))),
		Formatter: phone.NewFormatter(workerCfg.DefaultCountry),
		Indexer:   indexer,
	}, workerCfg)

	// --- Init optional Zeebe trigger ---
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		defer zeebe.Close()
		readiness["zeebe"] = api.PingerFunc(zeebe.HealthCheck)
		zapLog.Info("Zeebe client connected successfully")
	}

	handler, err := dispatch.NewHandler(dispatch.HandlerOptions{
		AppConfig:    cfg,
		Camunda:      zeebe,
		CustomConfig: workerCfg,
		Logger:       log,
		Service:      service,
		Scheduler:    scheduler,
		Queue:        taskQueue,
		Schedules:    gateway,
	})
	if err != nil {
		zapLog.Fatal("failed to create broadcast-dispatch handler", zap.Error(err))
	}

	if zeebe != nil {
		if err := handler.Register(); err != nil {
			zapLog.Fatal("failed to register broadcast-dispatch job worker", zap.Error(err))
		}
		defer handler.Close()
	}

	pool := queue.NewPool(taskQueue, func(ctx context.Context, task *queue.Task) error {
		start := time.Now()
		err := handler.HandleTask(ctx, task)
		status := "completed"
		if err != nil {
			status = "failed"
		}
		obs.RecordRun(ctx, task.Type, status, time.Since(start))
		return err
	}, queue.PoolConfig{
		Workers:         cfg.Queue.Workers,
		PollTimeout:     config.GetDuration(cfg.Queue.PollTimeout),
		PromoteInterval: config.GetDuration(cfg.Queue.PromoteInterval),
	}, log)
	pool.Start(context.Background())

	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.NewServer(api.Options{
			Queue:          taskQueue,
			Dependencies:   readiness,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         log,
			Version:        cfg.App.Version,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping workers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	pool.Stop()

	zapLog.Info("Worker manager stopped")
}
