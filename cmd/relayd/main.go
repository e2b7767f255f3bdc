package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/relaymesh/relay/internal/admin"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/bus"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/counter"
	"github.com/relaymesh/relay/internal/gateway"
	"github.com/relaymesh/relay/internal/logging"
	"github.com/relaymesh/relay/internal/monitor"
	"github.com/relaymesh/relay/internal/registry"
	"github.com/relaymesh/relay/internal/store"
	"github.com/relaymesh/relay/internal/usage"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New(logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Gateway exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Counter store and connection registry share one Redis.
	redisOpts, err := redis.ParseURL(cfg.CounterStoreURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(initCtx).Err(); err != nil {
		return err
	}

	st, err := store.Open(initCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(initCtx); err != nil {
		return err
	}

	busClient := bus.NewClient(cfg.BusURL, logger)
	if err := busClient.Connect(); err != nil {
		return err
	}
	defer busClient.Close()

	tokens, err := auth.NewTokenVerifier(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTPublicKey)
	if err != nil {
		return err
	}

	reg := registry.New(rdb, cfg.RegistryTable, cfg.ServerID)
	challenges := auth.NewChallengeVerifier(rdb, st)

	counters := counter.New(rdb, logger, counter.Options{
		FlushInterval: cfg.CounterFlushInterval,
		FlushBatch:    cfg.CounterFlushBatch,
		Retention:     cfg.CounterRetention,
	})
	counterCtx, stopCounter := context.WithCancel(context.Background())
	counterDone := make(chan struct{})
	go func() {
		defer close(counterDone)
		counters.Run(counterCtx)
	}()

	aggregator := usage.New(counters, st, logger)
	if err := aggregator.Start(); err != nil {
		stopCounter()
		return err
	}

	gw := gateway.New(cfg, logger, busClient, reg, tokens, challenges, st, counters)

	mon := monitor.New(logger, reg, gw.Sessions(), gw, cfg.HeartbeatTimeout, cfg.SweepInterval)
	go mon.Run(ctx)

	adminAPI := admin.New(logger, reg, aggregator, map[string]admin.HealthChecker{
		"bus": func(context.Context) error {
			if !busClient.IsConnected() {
				return errors.New("bus disconnected")
			}
			return nil
		},
		"store":         st.Ping,
		"counter-store": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	publicSrv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Handler()}
	adminSrv := &http.Server{Addr: cfg.AdminListenAddr, Handler: adminAPI.Handler()}

	serveErr := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("Public listener started")
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.AdminListenAddr).Msg("Admin listener started")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stopCounter()
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancelShutdown()

	// Stop accepting, then close every session with a normal close.
	publicSrv.Shutdown(shutdownCtx)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Drain incomplete, forcing close")
	}

	aggregator.Stop()

	// The counter loop flushes once more on the way out.
	stopCounter()
	select {
	case <-counterDone:
	case <-shutdownCtx.Done():
	}

	adminSrv.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
	return nil
}
