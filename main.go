package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/photo-verify/internal/auth"
	"github.com/example/photo-verify/internal/config"
	"github.com/example/photo-verify/internal/grpcclient"
	"github.com/example/photo-verify/internal/handlers"
	"github.com/example/photo-verify/internal/logging"
	"github.com/example/photo-verify/internal/repository"
	"github.com/example/photo-verify/internal/usecase"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	detector, conn, err := grpcclient.DialFaceDetector(ctx, cfg.FaceDetectorAddr, logger)
	if err != nil {
		logger.Fatal("failed to connect to face detector", zap.Error(err))
	}
	defer conn.Close()

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewVerificationUseCase(repo, cache, detector, logger)

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, handlers.Options{
		MaxImageDimension: cfg.MaxImageDimension,
		MaxImagePixels:    cfg.MaxImagePixels,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           withCORS(r, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("photo verification API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// withCORS allows cross-origin calls from origins. Credentials are never
// allowed: clients authenticate with a bearer header, not cookies.
func withCORS(h http.Handler, origins []string) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(h)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// serveHTTPServer runs server until SIGINT/SIGTERM, then drains in-flight
// requests for up to shutdownTimeout.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	return runServer(server, shutdownTimeout, logger, nil, signals)
}

// runServer serves on listener, or on server.Addr when listener is nil.
func runServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signals <-chan os.Signal) error {
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if listener == nil {
			err = server.ListenAndServe()
		} else {
			err = server.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case sig, ok := <-signals:
		if !ok {
			return <-serveErr
		}
		logger.Info("shutting down", zap.String("signal", sig.String()), zap.Duration("timeout", shutdownTimeout))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return <-serveErr
}
