package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/safecircle/internal/alert"
	"github.com/example/safecircle/internal/auth"
	"github.com/example/safecircle/internal/authz"
	"github.com/example/safecircle/internal/config"
	"github.com/example/safecircle/internal/delivery"
	"github.com/example/safecircle/internal/domain"
	"github.com/example/safecircle/internal/handler"
	"github.com/example/safecircle/internal/idempotency"
	"github.com/example/safecircle/internal/location"
	outboxworker "github.com/example/safecircle/internal/outbox"
	"github.com/example/safecircle/internal/presence"
	"github.com/example/safecircle/internal/store/memory"
	"github.com/example/safecircle/internal/store/postgres"
	"github.com/example/safecircle/internal/store/postgres/migrations"
	"github.com/example/safecircle/internal/transport/ws"
	"github.com/example/safecircle/pkg/observability"
	outboxpkg "github.com/example/safecircle/pkg/outbox"
)

// backend is everything the core needs from persistence.
type backend interface {
	domain.LocationStore
	domain.AlertStore
	domain.Relationships
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger("safety-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "safety-service", cfg.Tracing)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	checks := map[string]observability.ReadinessFunc{}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpen)
		db.SetMaxIdleConns(cfg.Postgres.MaxIdle)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if cfg.Postgres.Migrate {
			if err := migrations.MigrateUp(db); err != nil {
				logger.Fatal("postgres migrate", zap.Error(err))
			}
		}
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("safetyservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	clock := domain.SystemClock{}
	var (
		store  backend
		events domain.EventPublisher
	)
	if db != nil {
		pg := postgres.New(db, clock)
		store, events = pg, pg
	} else {
		logger.Warn("postgres not configured, using in-memory store")
		store = memory.New(clock)
		if natsConn != nil {
			events = outboxpkg.NewPublisher(natsConn)
		}
	}

	var idem domain.IdempotencyRepository = idempotency.NewMemoryStore(cfg.Idempotency.TTL, 2*cfg.Delivery.DispatchBudget())
	if redisClient != nil {
		idem = idempotency.NewRedisStore(redisClient, "", cfg.Idempotency.TTL, 2*cfg.Delivery.DispatchBudget())
	}

	push := delivery.NewWebPush(delivery.WebPushConfig{
		VAPIDPublicKey:  cfg.Push.VAPIDPublic,
		VAPIDPrivateKey: cfg.Push.VAPIDPrivate,
		Subject:         cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	})
	sms := delivery.NewSMSGateway(delivery.SMSConfig{
		BaseURL:    cfg.SMS.BaseURL,
		AccountSID: cfg.SMS.AccountSID,
		AuthToken:  cfg.SMS.AuthToken,
		From:       cfg.SMS.From,
		Timeout:    cfg.Delivery.Timeout,
	})

	registry := presence.NewRegistry(clock)
	resolver := authz.New(store, clock)
	router := location.NewRouter(store, store, resolver, registry, clock, logger.Named("location"))
	opts := []alert.Option{alert.WithClock(clock), alert.WithIdempotency(idem)}
	if events != nil {
		opts = append(opts, alert.WithEvents(events))
	}
	dispatcher := alert.NewDispatcher(store, registry, push, sms, logger.Named("alert"), alert.Config{
		DeliveryTimeout: cfg.Delivery.Timeout,
		RecordTimeout:   cfg.Delivery.RecordTimeout,
		InFlightWait:    cfg.Delivery.DispatchBudget(),
	}, opts...)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	live := ws.NewHandler(verifier, registry, router, logger.Named("ws"))
	api := handler.NewHTTP(router, dispatcher, verifier, live, logger.Named("http"))

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(router, verifier, logger.Named("grpc")))

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.Poll,
			BatchSize:    cfg.Outbox.Batch,
			RetryMax:     cfg.Outbox.Retry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("safety service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("listen grpc", zap.Error(err))
		}
		logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}
