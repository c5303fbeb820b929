package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"duochat/internal/chat"
	"duochat/internal/config"
	"duochat/internal/db"
	"duochat/internal/logging"
	"duochat/internal/metrics"
	myMiddleware "duochat/internal/middleware"
	"duochat/internal/qr"
	"duochat/internal/ratelimit"
	"duochat/internal/user"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config & logging
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// 3. Redis backs the auth limiter and the consumed-nonce store. Without
	// it the limiter falls back to memory and single-use QR is unavailable.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, "auth:attempts:", cfg.Auth.AttemptsPerMinute, time.Minute)
	} else {
		mem := ratelimit.NewMemory(cfg.Auth.AttemptsPerMinute, time.Minute)
		go mem.RunCleanup(ctx)
		limiter = mem
	}

	// 4. Users
	userService := user.NewService(user.NewRepository(database.Conn), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService, logger.Named("user"))
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Chat
	hubMetrics := metrics.NewHub(prometheus.DefaultRegisterer)
	hub := chat.NewHub(chat.NewRepository(database.Conn), userService, chat.Options{
		MaxConnections: cfg.Hub.MaxConnections,
		RefreshDelay:   cfg.Hub.RefreshDelay,
		StoreTimeout:   cfg.Hub.StoreTimeout,
		AuthLimiter:    limiter,
		Metrics:        hubMetrics,
		Logger:         logger.Named("hub"),
	})
	chatHandler := chat.NewHandler(hub, logger.Named("ws"))

	// 6. QR
	qrOpts := []qr.Option{qr.WithLogger(logger.Named("qr"))}
	if cfg.QR.SingleUse {
		if redisClient == nil {
			return errors.New("qr.single_use requires redis.addr")
		}
		qrOpts = append(qrOpts, qr.WithNonceStore(qr.NewRedisNonceStore(redisClient)))
	}
	qrService, err := qr.NewService([]byte(cfg.QR.Secret), qrOpts...)
	if err != nil {
		return err
	}
	qrHandler := qr.NewHandler(qrService, hubMetrics, logger.Named("qr"))

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/ws", chatHandler.ServeWs)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/api/conversations", chatHandler.GetConversations)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations/{otherUserID}/messages", chatHandler.GetChatHistory)

		r.Get("/api/qr/identity", qrHandler.Identity)
		r.Get("/api/qr/verification", qrHandler.Verification)
		r.Get("/api/qr/conversation/{otherUserID}", qrHandler.Conversation)
		r.Post("/api/qr/verify", qrHandler.Verify)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddress), zap.Int("max_connections", cfg.Hub.MaxConnections))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	// Hijacked websocket connections are not tracked by the server.
	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
