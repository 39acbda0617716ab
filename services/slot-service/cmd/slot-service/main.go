package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/config"
	"github.com/shuttlehq/shuttle-core/libs/db"
	"github.com/shuttlehq/shuttle-core/libs/httpx"
	"github.com/shuttlehq/shuttle-core/libs/kafkax"
	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
	"github.com/shuttlehq/shuttle-core/libs/runtime"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/bookings"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/broadcast"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/handlers"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/holds"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/ledger"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/metrics"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/outbox"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/slots"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "slot-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}

	collector := metrics.NewCollector()
	var checks []runtime.ReadyCheck
	var closers []runtime.Closer

	store, storeClosers, storeChecks, err := openStore(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		panic(err)
	}
	checks = append(checks, storeChecks...)

	var bc broadcast.Broadcaster = broadcast.Nop{}
	if natsURL := config.String("NATS_URL", ""); natsURL != "" {
		pub, err := broadcast.NewNATSPublisher(natsURL, service, config.String("NATS_SUBJECT_PREFIX", "shuttle"), logger, collector)
		if err != nil {
			logger.Error("nats connect failed; live updates disabled", "err", err)
		} else {
			bc = pub
			checks = append(checks, runtime.ReadyCheck{
				Name:     "nats",
				Check:    func(context.Context) error { return pub.Ready() },
				Optional: true,
			})
			closers = append(closers, runtime.Closer{Name: "nats", Close: func(context.Context) error {
				pub.Close()
				return nil
			}})
		}
	}

	limiter, limiterCheck, limiterCloser, err := openLimiter()
	if err != nil {
		panic(err)
	}
	if limiterCheck != nil {
		checks = append(checks, *limiterCheck)
	}
	closers = append(closers, limiterCloser)

	holdTTL, err := config.Duration("HOLD_TTL", bookings.DefaultHoldTTL)
	if err != nil {
		panic(err)
	}
	sweepEvery, err := config.Duration("HOLD_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		panic(err)
	}
	sweepBatch, err := config.Int("HOLD_SWEEP_BATCH", 100)
	if err != nil {
		panic(err)
	}

	finder := slots.NewFinder(store, collector, logger)
	ranker := slots.NewRanker(store)
	ledgerSvc := ledger.NewService(store, bc, collector, logger)
	bookingSvc := bookings.NewService(store, finder, ledgerSvc, collector, logger, holdTTL)

	worker := holds.NewWorker(bookingSvc, logger, holds.WorkerConfig{Interval: sweepEvery, BatchSize: sweepBatch})
	go worker.Run(ctx)

	verifier, err := newVerifier()
	if err != nil {
		panic(err)
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("GET /metrics", collector.Handler())
	handlers.New(finder, ranker, ledgerSvc, bookingSvc, logger).Register(mux,
		httpx.RateLimit(limiter, httpx.ClientIP, logger, true),
	)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz", "/metrics"),
		httpx.WithCORS(httpx.DefaultCORSPolicy(config.List("CORS_ALLOWED_ORIGINS"))),
		httpx.WithBodyLimit(1<<20),
		verifier.Middleware,
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "slot")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	go serveGRPC(ctx, logger, service, grpcPort, store.Ping)

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdown := []runtime.Closer{{Name: "http", Close: srv.Shutdown}}
	shutdown = append(shutdown, closers...)
	shutdown = append(shutdown, storeClosers...)
	shutdown = append(shutdown, runtime.Closer{Name: "otel", Close: otelShutdown})
	runtime.Shutdown(logger, 10*time.Second, shutdown...)
	logger.Info("slot service stopped")
}

// openStore picks the storage driver. Postgres also starts the outbox relay.
func openStore(ctx context.Context, logger *slog.Logger) (storage.Store, []runtime.Closer, []runtime.ReadyCheck, error) {
	driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres"))
	switch driver {
	case "memory":
		st := storage.NewMemoryStore()
		if path := config.String("SEED_FILE", ""); path != "" {
			f, err := storage.LoadFixture(path)
			if err != nil {
				return nil, nil, nil, err
			}
			st.Seed(f)
			logger.Info("seeded memory store", "file", path, "trips", len(f.Trips), "shuttles", len(f.Shuttles))
		}
		return st, nil, nil, nil

	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, nil, nil, err
		}
		maxConns, err := config.Int("DB_MAX_CONNS", 10)
		if err != nil {
			return nil, nil, nil, err
		}
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connection failed: %w", err)
		}
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}

		outboxRepo := outbox.NewRepository()
		brokers := config.String("KAFKA_BROKERS", "")
		checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
		if brokers != "" {
			publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
				Brokers:   brokers,
				PollEvery: 2 * time.Second,
				BatchSize: 50,
			})
			go publisher.Run(ctx)
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers), Optional: true})
		} else {
			logger.Warn("KAFKA_BROKERS not set; outbox events stay queued")
		}
		closers := []runtime.Closer{{Name: "db", Close: func(context.Context) error {
			pool.Close()
			return nil
		}}}
		return storage.NewPostgresStore(pool, outboxRepo), closers, checks, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown STORAGE_DRIVER %q", driver)
}

// openLimiter uses Redis when REDIS_ADDR is set and an in-process window otherwise.
func openLimiter() (httpx.Limiter, *runtime.ReadyCheck, runtime.Closer, error) {
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil {
		return nil, nil, runtime.Closer{}, err
	}
	if perMinute <= 0 {
		return nil, nil, runtime.Closer{}, nil
	}
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return httpx.NewMemoryLimiter(perMinute, time.Minute), nil, runtime.Closer{}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
	})
	check := runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb), Optional: true}
	closer := runtime.Closer{Name: "redis", Close: func(context.Context) error { return rdb.Close() }}
	return httpx.NewRedisLimiter(rdb, perMinute, time.Minute, "slot-service:rl"), &check, closer, nil
}

func newVerifier() (*auth.Verifier, error) {
	secret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(secret, config.String("JWT_ISSUER", "")), nil
}
