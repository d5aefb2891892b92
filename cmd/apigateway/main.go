package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/config"
	"github.com/example/safecircle/internal/gateway"
	ratelimitmw "github.com/example/safecircle/internal/http/middleware"
	"github.com/example/safecircle/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger("api-gateway", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "api-gateway", cfg.Tracing)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var limiter *ratelimitmw.RateLimiter
	if client := newRedisClient(ctx, cfg.Redis, logger); client != nil {
		defer client.Close()
		limiter = ratelimitmw.NewRateLimiter(client, ratelimitmw.Limits{
			Read:  ratelimitmw.RateConfig{Rate: cfg.RateLimit.Read.Rate, Burst: cfg.RateLimit.Read.Burst},
			Write: ratelimitmw.RateConfig{Rate: cfg.RateLimit.Write.Rate, Burst: cfg.RateLimit.Write.Burst},
			SOS:   ratelimitmw.RateConfig{Rate: cfg.RateLimit.SOS.Rate, Burst: cfg.RateLimit.SOS.Burst},
		}, logger.Named("ratelimit"))
	} else {
		logger.Warn("rate limiting disabled, redis not configured")
	}

	router, err := gateway.NewRouter(gateway.Config{
		Upstream: cfg.Gateway.Upstream,
		Verifier: auth.NewVerifier(cfg.Auth.JWTSecret),
		Limiter:  limiter,
		Logger:   logger.Named("proxy"),
	})
	if err != nil {
		logger.Fatal("gateway router", zap.Error(err))
	}

	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("api gateway listening", zap.String("addr", srv.Addr), zap.String("upstream", cfg.Gateway.Upstream))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}
