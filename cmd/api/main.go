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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/authgate/authgate-go/internal/audit"
	"github.com/authgate/authgate-go/internal/config"
	"github.com/authgate/authgate-go/internal/crypto"
	"github.com/authgate/authgate-go/internal/handler"
	"github.com/authgate/authgate-go/internal/logging"
	"github.com/authgate/authgate-go/internal/ratelimit"
	"github.com/authgate/authgate-go/internal/repository"
	"github.com/authgate/authgate-go/internal/sanitize"
	"github.com/authgate/authgate-go/internal/service"
	"github.com/authgate/authgate-go/internal/telemetry"
	"github.com/authgate/authgate-go/internal/token"
	"github.com/authgate/authgate-go/internal/validation"
)

const serviceName = "authgate"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	dialect := repository.Dialect(cfg.DatabaseDriver)
	db, err := repository.Open(ctx, dialect, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if cfg.DatabaseMigrate {
		if err := repository.Migrate(ctx, db, dialect); err != nil {
			return err
		}
	}

	var (
		limiter         service.RateLimiter
		registerCounter ratelimit.Counter
		revocations     token.Store
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		shared := ratelimit.NewRedisStore(rdb)
		limiter = shared
		registerCounter = shared
		revocations = token.NewRedisStore(rdb, nil)
	} else {
		logger.Warn("REDIS_ADDR not set; rate limits and token revocations are kept in process memory")
		limiter = ratelimit.NewMemoryStore(nil)
		revocations = token.NewMemoryStore(nil)
	}

	sinks := audit.Multi{audit.NewSlogSink(logger)}
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer f.Close()
		sinks = append(sinks, audit.NewJSONWriterSink(f))
	}

	hasher, err := crypto.NewHasher(crypto.DefaultHashParams())
	if err != nil {
		return err
	}
	signer := crypto.NewSigner(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, nil)

	authService := service.NewAuthService(service.Deps{
		Users:     repository.NewUserRepository(db, dialect),
		Hasher:    hasher,
		Tokens:    token.NewService(signer, revocations, cfg.JWTTTL, nil),
		Limiter:   limiter,
		Audit:     sinks,
		Validator: validation.New(cfg.PasswordMinLength),
		Sanitizer: sanitize.New(),
		Logger:    logger,
	}, service.Options{
		MaxLoginAttempts: cfg.LoginMaxAttempts,
		LoginDecay:       cfg.LoginDecay,
		Timeout:          cfg.CollaboratorTimeout,
	})

	router := handler.NewRouter(handler.NewAuthHandler(authService), handler.RouterOptions{
		RegisterPerMinute: cfg.RegisterPerMinute,
		RegisterCounter:   registerCounter,
		TrustProxy:        cfg.TrustProxy,
		Audit:             sinks,
		Logger:            logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "database", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
