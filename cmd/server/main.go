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
	"github.com/joho/godotenv"

	"github.com/suPer8Hu/chat-proxy/internal/ai"
	"github.com/suPer8Hu/chat-proxy/internal/audit"
	"github.com/suPer8Hu/chat-proxy/internal/chat"
	"github.com/suPer8Hu/chat-proxy/internal/config"
	"github.com/suPer8Hu/chat-proxy/internal/db"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi"
	"github.com/suPer8Hu/chat-proxy/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-proxy/internal/logger"
	"github.com/suPer8Hu/chat-proxy/internal/observability"
	"github.com/suPer8Hu/chat-proxy/internal/store/rabbitmq"
	"github.com/suPer8Hu/chat-proxy/internal/store/redisstore"
)

const serviceName = "chat-proxy"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", "error", err)
	}
	if cfg.OpenRouterAPIKey == "" {
		log.Warn("OPENROUTER_API_KEY is not set; chat requests will fail until it is configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, log, observability.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: serviceName,
		Environment: cfg.ServerMode,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})

	gdb, err := db.Connect(cfg.DBDSN, log, db.Options{
		MaxIdleConns: 10,
		MaxOpenConns: 50,
		MaxLifetime:  30 * time.Minute,
	})
	if err != nil {
		log.Fatal("database connect failed", "error", err)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal("database migration failed", "error", err)
	}

	var sink audit.Sink = audit.NewDBSink(gdb)
	var publisher *rabbitmq.Publisher
	if cfg.AuditSink == config.AuditSinkRabbitMQ {
		publisher, err = rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbitmq connect failed", "error", err)
		}
		sink = publisher
		log.Info("audit rows go through rabbitmq", "queue", cfg.RabbitQueue)
	}
	recorder := audit.NewRecorder(sink, log)

	var locker chat.Locker = chat.NewLocalLocker()
	var rds *redisstore.Store
	if cfg.RedisAddr != "" {
		rds, err = redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis connect failed", "error", err)
		}
		// lease must outlive the slowest completion call
		locker = rds.ChatLocker(cfg.CompletionTimeout + 15*time.Second)
		log.Info("per-chat locking through redis", "addr", cfg.RedisAddr)
	}

	provider := ai.NewOpenRouterClient(ai.Config{
		APIURL:  cfg.OpenRouterAPIURL,
		APIKey:  cfg.OpenRouterAPIKey,
		Model:   cfg.DefaultModel,
		SiteURL: cfg.OpenRouterSiteURL,
		AppName: cfg.OpenRouterAppName,
		Timeout: cfg.CompletionTimeout,
	})
	svc := chat.NewService(chat.NewRepo(gdb), provider, locker, recorder, log)

	if cfg.ServerMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	otelName := ""
	if cfg.OTelEnabled {
		otelName = serviceName
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:     handlers.NewHandler(gdb, svc, log),
		Log:         log,
		CORSOrigins: cfg.CORSOrigins,
		ServiceName: otelName,
	})

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.CompletionTimeout + 15*time.Second,
	}

	go func() {
		log.Info("server starting", "addr", addr, "model", provider.Model())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warn("rabbitmq close failed", "error", err)
		}
	}
	if rds != nil {
		if err := rds.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn("otel shutdown failed", "error", err)
	}
	log.Info("server exited")
}
