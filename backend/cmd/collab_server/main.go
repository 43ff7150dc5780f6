package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"designCollab/backend/config"
	"designCollab/backend/internal/cache"
	"designCollab/backend/internal/collab"
	"designCollab/backend/internal/httpapi/handlers"
	"designCollab/backend/internal/httpapi/middleware"
	"designCollab/backend/internal/store"
	"designCollab/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("init config failed", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Running.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("collab server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := collab.Options{
		Logger:                 log.With("component", "engine"),
		MaxConcurrentCreates:   cfg.Collab.MaxConcurrentCreates,
		CreateTimeout:          cfg.Collab.CreateTimeout,
		DefaultMaxParticipants: cfg.Collab.MaxParticipants,
		LockTTL:                cfg.Collab.LockTTL,
		HardLocksBlock:         cfg.Collab.HardLocksBlock,
		ConflictWindow:         cfg.Collab.ConflictWindow,
		ChatHistoryLimit:       cfg.Collab.ChatHistoryLimit,
		SubscriberBuffer:       cfg.Collab.SubscriberBuffer,
		PresenceTTL:            cfg.Collab.PresenceTTL,
		EndedSessionRetention:  cfg.Collab.EndedSessionRetention,
	}

	// redis、kafka、mysql 都是可选的：未配置时引擎只在内存里运行
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
		opts.Presence = presence
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			collab.NewSemaphoreControl(collab.DefaultMaxSemaphore),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      log.With("component", "kafka"),
			},
		)
		opts.Sink = dispatcher
	}

	var recordings handlers.RecordingReader
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		rs := store.NewRecordingStore(db)
		opts.Recordings = rs
		recordings = rs
	}

	engine := collab.NewEngine(opts)
	hub := ws.NewHub(presence, engine)
	manager := ws.NewManager(hub, engine, collab.NewSemaphoreControl(collab.DefaultMaxSemaphore), log.With("component", "ws"))
	sessions := handlers.NewSessionHandler(engine, recordings)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-Id", "X-User-Name"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "sessions": len(engine.ListActiveSessions(""))})
	})
	api := r.Group("/collab")
	api.Use(middleware.AuthMiddleware(cfg.Auth.Path, log.With("component", "auth")))
	api.GET("/ws", manager.WebSocketConnect)
	sessions.Register(api)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("collab server listening", "addr", srv.Addr,
			"redis", presence != nil, "kafka", dispatcher != nil, "mysql", recordings != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return engine.RunLockReaper(gctx, cfg.Collab.LockSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "cause", context.Cause(gctx))

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(sctx)
		engineErr := engine.Shutdown(sctx)
		// 引擎关闭后不会再有新事件，等待 kafka 队列排空
		if dispatcher != nil {
			dispatcher.Close()
		}
		return errors.Join(httpErr, engineErr)
	})
	return g.Wait()
}
