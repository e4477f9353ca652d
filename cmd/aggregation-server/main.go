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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/aggregator/internal/aggregation"
	"github.com/edvin/aggregator/internal/api"
	"github.com/edvin/aggregator/internal/bus"
	"github.com/edvin/aggregator/internal/config"
	"github.com/edvin/aggregator/internal/db"
	"github.com/edvin/aggregator/internal/envmanager"
	"github.com/edvin/aggregator/internal/logging"
	"github.com/edvin/aggregator/internal/metrics"
	"github.com/edvin/aggregator/internal/store"
)

func main() {
	configFlag := flag.String("config", "", "Optional YAML config file; environment variables override it")
	migrateOnly := flag.Bool("migrate-only", false, "Apply identity store migrations and exit")
	flag.Parse()

	cfg, err := config.LoadFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	// Fatal only after run returns, so its deferred closes have happened.
	if err := run(cfg, *migrateOnly, logger); err != nil {
		logger.Fatal().Err(err).Msg("aggregation server failed")
	}
	logger.Info().Msg("aggregation server stopped")
}

func run(cfg *config.Config, migrateOnly bool, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, storeCheck, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	defer closeStore()

	if migrateOnly {
		logger.Info().Msg("migrations applied")
		return nil
	}

	tlsConfig, err := cfg.RedisTLS()
	if err != nil {
		return fmt.Errorf("configure redis TLS: %w", err)
	}
	if tlsConfig != nil {
		logger.Info().Msg("redis TLS enabled")
	}
	redisClient := bus.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, tlsConfig)
	defer redisClient.Close()
	redisBus := bus.NewRedis(redisClient)
	if err := redisBus.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	registrar := envmanager.NewClient(cfg.EnvManagerURL, cfg.RegistrationTimeout)
	svc := aggregation.NewService(identity, redisBus, registrar, cfg.InstanceID, cfg.ControlEndpoint, logger)

	srv := api.NewServer(logger, svc.Registry(),
		storeCheck,
		api.Check{Name: "bus", Probe: redisBus.Ping},
		api.Check{Name: "control", Probe: svc.Ready},
	)
	httpServer := srv.HTTPServer(cfg.HTTPListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting status server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore migrates and opens the configured identity store and registers
// its connection pool metrics.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, api.Check, func(), error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, api.Check{}, nil, err
		}
		if err := db.Migrate(ctx, conn, db.DriverSQLite, logger); err != nil {
			conn.Close()
			return nil, api.Check{}, nil, err
		}
		if err := metrics.RegisterSQLDBMetrics(prometheus.DefaultRegisterer, conn, "aggregator"); err != nil {
			conn.Close()
			return nil, api.Check{}, nil, err
		}
		check := api.Check{Name: "store", Probe: conn.PingContext}
		return store.NewSQLite(conn), check, func() { conn.Close() }, nil
	}

	if err := db.MigratePostgres(ctx, cfg.DatabaseURL, logger); err != nil {
		return nil, api.Check{}, nil, err
	}
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, api.Check{}, nil, err
	}
	if err := metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, pool); err != nil {
		pool.Close()
		return nil, api.Check{}, nil, err
	}
	check := api.Check{Name: "store", Probe: pool.Ping}
	return store.NewPostgres(pool), check, pool.Close, nil
}
