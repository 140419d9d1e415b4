package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
	"qrattend.org/internal/config"
	"qrattend.org/internal/directory"
	"qrattend.org/internal/events"
	"qrattend.org/internal/grpcapi"
	"qrattend.org/internal/httpapi"
	"qrattend.org/internal/obs"
	"qrattend.org/internal/qr"
	"qrattend.org/internal/ratelimit"
	"qrattend.org/internal/store/pg"
	"qrattend.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "none"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Version != "dev" {
		version = cfg.Version
	}
	if cfg.Commit != "none" {
		commit = cfg.Commit
	}

	// Инициализация observability (регистрация метрик, build_info)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Хранилища: Postgres, если задан DSN, иначе in-memory
	var (
		db        *sql.DB
		tokens    attendance.Store
		dirStore  directory.Store
		readiness httpapi.Readiness
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		tokens, dirStore = store, store
		readiness.DB = db
	} else {
		tokens, dirStore = attendance.NewInMemory(), directory.NewInMemory()
		obs.Warn("in_memory_store", map[string]any{"hint": "set QRATTEND_PG_DSN for durable storage"})
	}

	dir, err := directory.New(dirStore)
	if err != nil {
		log.Fatalf("directory: %v", err)
	}
	if cfg.BootstrapManager != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := dir.EnsureManager(ctx, cfg.BootstrapManager, cfg.BootstrapPassword)
		cancel()
		if err != nil {
			log.Fatalf("bootstrap manager: %v", err)
		}
	}

	// Уведомления: SSE всегда, RabbitMQ при наличии URL
	sse := stream.New(32)
	notifiers := attendance.Notifiers{sse}
	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.Dial(cfg.AMQPURL, cfg.AMQPQueue, 0)
		if err != nil {
			log.Fatalf("amqp: %v", err)
		}
		notifiers = append(notifiers, publisher)
	}

	svc, err := attendance.NewService(tokens, dir, attendance.WithNotifier(notifiers))
	if err != nil {
		log.Fatalf("attendance: %v", err)
	}

	signer, err := auth.NewSigner(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	renderer, err := qr.NewRenderer(cfg.PublicBaseURL)
	if err != nil {
		log.Fatalf("qr: %v", err)
	}

	limitCfg := ratelimit.Config{Burst: cfg.RateLimitBurst, PerSecond: cfg.RateLimitRPS}
	var (
		limiter ratelimit.Limiter = ratelimit.NewLocal(limitCfg)
		rdb     *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = ratelimit.NewRedis(rdb, limitCfg)
		readiness.Checks = append(readiness.Checks, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// HTTP API
	api, err := httpapi.New(readiness, version, httpapi.Deps{
		Service:     svc,
		Directory:   dir,
		Signer:      signer,
		Stream:      sse,
		QR:          renderer,
		Limiter:     limiter,
		SessionTTL:  cfg.SessionTTL,
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses are long lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	// gRPC API
	grpcServer, health := grpcapi.Register(svc, signer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", map[string]any{
		"service":   "qrattend-api",
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  db != nil,
		"redis":     rdb != nil,
		"amqp":      publisher != nil,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting_down", nil)
	obs.SetReady(false)
	health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcServer.GracefulStop()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			obs.Warn("amqp_close", map[string]any{"error": err.Error()})
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("stopped", nil)
}
