package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/vinay02022/Spenzaa/internal/auth"
	"github.com/vinay02022/Spenzaa/internal/bus"
	"github.com/vinay02022/Spenzaa/internal/config"
	"github.com/vinay02022/Spenzaa/internal/database"
	"github.com/vinay02022/Spenzaa/internal/delivery"
	"github.com/vinay02022/Spenzaa/internal/handler"
	"github.com/vinay02022/Spenzaa/internal/store"
	"github.com/vinay02022/Spenzaa/internal/worker"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery worker and retry scheduler in-process")
	flag.Parse()

	_ = godotenv.Load()  // Load .env file
	cfg := config.Load() // Load config from environment variables

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis (needed for XADD on event ingest)
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	// Wire up store, bus, engine and handlers
	s := store.New(pool)
	notifications := bus.New()
	engine := delivery.NewEngine(s.Events, notifications, cfg.DeliveryTimeout, cfg.MaxAttempts)
	eventH := handler.NewEventHandler(s, rdb, notifications, cfg.JWTSecret)
	subH := handler.NewSubscriptionHandler(s)

	// Routes
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	// Public ingestion endpoint called by external event producers
	r.POST("/webhooks/:id/receive", eventH.Ingest)

	// SSE stream authenticates via token query param (EventSource cannot
	// set an Authorization header)
	r.GET("/events/stream", eventH.Stream)

	authed := r.Group("/", auth.Middleware(cfg.JWTSecret))
	{
		authed.GET("/events", eventH.List)
		authed.GET("/events/:id", eventH.Get)
		authed.POST("/webhooks/subscribe", subH.Create)
		authed.GET("/webhooks", subH.List)
		authed.POST("/webhooks/:id/cancel", subH.Cancel)
		authed.DELETE("/webhooks/:id", subH.Cancel)
	}

	// Optionally run delivery in-process for local development and for
	// setups that want the SSE stream to see retry notifications (the bus
	// is in-process only).
	if *withWorker {
		scheduler := delivery.NewScheduler(engine, cfg.SweepInterval)
		w := worker.New(engine, scheduler, rdb, cfg.WorkerConcurrency)
		if err := w.Start(ctx); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
		slog.Info("delivery worker started", "concurrency", cfg.WorkerConcurrency)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}
