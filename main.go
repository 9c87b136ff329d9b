package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lines-service/config"
	"lines-service/database"
	"lines-service/logger"
	"lines-service/services"
	"lines-service/web"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 加载配置
	cfg := config.Load()

	l, err := logger.New(cfg.AppName, cfg.Environment)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		return 1
	}
	logger.Enable(l)
	defer logger.Sync()

	logger.Info("Starting Lines Client", nil,
		zap.String("environment", cfg.Environment),
		zap.String("api_host", cfg.APIHost))

	if err := cfg.Validate(); err != nil {
		logger.Error(err, "Invalid configuration", nil)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// 可选存储
	var (
		db        *sql.DB
		store     *services.LineStore
		gameStore services.GameStore
		games     web.GameReader
	)
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error(err, "Failed to connect to database", nil)
			return 1
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			logger.Error(err, "Failed to migrate database", nil)
			return 1
		}
		store = services.NewLineStore(db)
		gameStore, games = store, store
		logger.Println("Database connected and migrated")

		cleaner := services.NewDataCleanupService(db, services.CleanupConfig{
			RetainDays: cfg.CleanupRetainDays,
			Interval:   cfg.CleanupInterval,
		})
		go cleaner.Start(ctx)
	}

	var (
		redisClient *redis.Client
		cache       services.SnapshotCache
	)
	if cfg.RedisAddr != "" {
		redisClient, err = services.ConnectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error(err, "Failed to connect to redis", nil)
			return 1
		}
		defer redisClient.Close()
		cache = services.NewRedisSnapshotCache(redisClient, cfg.SnapshotTTL)
		logger.Info("Redis snapshot cache enabled", nil, zap.String("addr", cfg.RedisAddr))
	} else {
		cache = services.NewMemorySnapshotCache(ctx, cfg.SnapshotTTL)
	}

	// 飞书通知和统计
	larkNotifier := services.NewLarkNotifier(cfg.LarkWebhook, cfg.AppName)
	if err := larkNotifier.NotifyServiceStart(cfg.Environment, cfg.RabbitExchange, cfg.RabbitRoutingKey); err != nil {
		logger.Warn("Failed to send startup notification", nil, zap.Error(err))
	}
	statsTracker := services.NewMessageStatsTracker(larkNotifier, 5*time.Minute)
	go statsTracker.StartPeriodicReport(ctx)

	// WebSocket Hub
	wsHub := web.NewHub()
	go wsHub.Run(ctx)

	// Broker 连接与下游发布
	connector := services.NewAMQPConnector(cfg.RabbitURI(), services.DialAMQP, metrics)
	defer connector.Close()

	publisher, err := services.NewLinePublisher(cfg.PublishBackend, connector, cfg.RabbitOutExchange, cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Error(err, "Failed to create line publisher", nil)
		return 1
	}
	defer publisher.Close()

	reconciler := services.NewLineReconciler(gameStore, cache, publisher, wsHub, statsTracker, metrics)

	fetcher := services.NewLinesAPIClient(services.LinesAPIConfig{
		Host:           cfg.APIHost,
		APIKey:         cfg.APIKey,
		Attempts:       cfg.APIAttempts,
		RequestTimeout: cfg.APIRequestTimeout,
		WindowDays:     cfg.APIWindowDays,
	}, metrics)
	consumer := services.NewAMQPConsumer(connector, cfg.RabbitExchange, metrics)

	worker := services.NewLinesWorker(services.LinesWorkerConfig{
		RoutingKey: cfg.RabbitRoutingKey,
		Reconnect: services.ReconnectConfig{
			InitialDelay:  cfg.RestartInitialDelay,
			MaxDelay:      cfg.RestartMaxDelay,
			BackoffFactor: cfg.RestartBackoffFactor,
		},
	}, fetcher, consumer, reconciler, metrics, larkNotifier)

	// SIGHUP 只重启当前周期
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if worker.CancelCycle() {
					logger.Println("Current cycle cancelled by SIGHUP")
				}
			}
		}
	}()

	// HTTP 服务
	server := web.NewServer(cfg, wsHub, web.Dependencies{
		Games:    games,
		Worker:   worker,
		Broker:   connector,
		Stats:    statsTracker,
		Gatherer: registry,
		Cache:    services.NewQueryCache(ctx, 5*time.Second),
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Error(err, "HTTP server error", nil)
			stop()
		}
	}()
	defer server.Stop()

	code := worker.Run(ctx)

	logger.Info("Lines Client Ended", nil, zap.Int("exit_code", code))
	return code
}
