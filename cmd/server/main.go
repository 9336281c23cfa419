package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/coordinator"
	"github.com/example/roadside-dispatch/internal/dispatch"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/ledger"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/presence"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

// stores groups the persistence backends the process runs on.
type stores struct {
	requests storage.RequestStore
	users    storage.UserStore
	chat     storage.ChatStore
	txs      storage.TransactionStore
	ping     func(context.Context) error
	close    func() error
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("open stores", "error", err)
		os.Exit(1)
	}
	defer st.close()

	var (
		directory presence.Directory     = presence.NewIndex()
		sessions  presence.SessionStore  = presence.NewMemorySessions()
		rc        *redis.Client
		readiness []func(context.Context) error
	)
	readiness = append(readiness, st.ping)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		directory = presence.NewRedisDirectory(rc, cfg.RedisGeoKey)
		sessions = presence.NewRedisSessions(rc, cfg.SessionTTL)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("presence backed by redis", "addr", cfg.RedisAddr)
	} else {
		logger.Warn("REDIS_ADDR not set, presence and sessions are process-local")
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.PaymentCurrency)
	} else {
		logger.Warn("STRIPE_API_KEY not set, using the payment sandbox")
		gateway = payments.NewSandbox(logger)
	}

	wsreg := dispatch.NewWSRegistry()
	bus := dispatch.NewBus(wsreg, directory, logger)
	if cfg.PushEndpoint != "" {
		bus.Push = dispatch.NewHTTPPusher(cfg.PushEndpoint, cfg.PushKey)
	}

	var locations coordinator.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		bus.Mirror = kp
		locations = kp
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "events_topic", cfg.KafkaEventsTopic)
	}

	led := ledger.New(st.txs, st.users, gateway, logger)
	led.GatewayTimeout = cfg.GatewayTimeout

	coord := coordinator.New(coordinator.Deps{
		Requests:  st.requests,
		Users:     st.users,
		Chat:      st.chat,
		Presence:  directory,
		Locations: locations,
		Pricing:   pricing.NewPolicy(cfg.PricingLocation),
		Ledger:    led,
		Gateway:   gateway,
		Notifier:  bus,
	}, coordinator.Config{
		SettlementHold:  cfg.SettlementHold,
		PendingRadiusKm: cfg.PendingRadiusKm,
		RefundPolicy:    coordinator.RefundPolicy(cfg.RefundPolicy),
		GatewayTimeout:  cfg.GatewayTimeout,
		AdminIDs:        cfg.AdminIDs,
	}, logger)

	api := httpapi.NewServer(httpapi.Options{
		Coordinator: coord,
		Ledger:      led,
		Sessions:    sessions,
		WSRegistry:  wsreg,
		Logger:      logger,
		Ready: func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("roadside-dispatch listening", "addr", cfg.HTTPAddr, "refund_policy", cfg.RefundPolicy, "pricing_zone", cfg.PricingTimezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	wsreg.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func openStores(cfg config.ServerConfig, logger *slog.Logger) (*stores, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory stores")
		m := storage.NewMemoryStore()
		return &stores{
			requests: m.Requests(),
			users:    m.Users(),
			chat:     m.Chat(),
			txs:      m.Transactions(),
			ping:     func(context.Context) error { return nil },
			close:    func() error { return nil },
		}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := migrate(pg, logger); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	return &stores{
		requests: pg.Requests(),
		users:    pg.Users(),
		chat:     pg.Chat(),
		txs:      pg.Transactions(),
		ping:     func(ctx context.Context) error { return pg.DB().PingContext(ctx) },
		close:    pg.Close,
	}, nil
}

// migrate applies migrations/001_init.sql; every statement in it is idempotent.
func migrate(pg *storage.PostgresStore, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	if _, err := pg.DB().Exec(string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_init.sql")
	return nil
}
