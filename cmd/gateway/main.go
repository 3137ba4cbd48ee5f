package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"notify-gateway/internal/authz"
	"notify-gateway/internal/bridge"
	"notify-gateway/internal/config"
	"notify-gateway/internal/identity"
	"notify-gateway/internal/limits"
	"notify-gateway/internal/logging"
	"notify-gateway/internal/metrics"
	"notify-gateway/internal/registry"
	"notify-gateway/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Startup logger, replaced once the configured level and format are known
	bootLogger := logging.NewLogger(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		logging.Fatal(bootLogger, err, "Failed to load configuration")
		return
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer logging.FatalOnPanic(logger, "main")

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Starting gateway")
	cfg.LogConfig(logger)

	m := metrics.New()

	broker, err := connectBroker(cfg, m, logger)
	if err != nil {
		logging.Fatal(logger, err, "Failed to connect to broker")
		return
	}

	br := bridge.New(broker, logger)
	reg := registry.New(br, m, logger)
	br.Attach(reg)

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		logging.Fatal(logger, err, "Failed to build token verifier")
		return
	}

	resolver := identity.NewResolver(cfg.IdentityServiceURL, cfg.IdentityHeader, cfg.IdentityTimeout)

	filter := authz.NewFilter(authz.Rules{
		PrivatePrefix:  cfg.PrivatePrefix,
		ScopedPrefixes: cfg.ScopedPrefixes,
		Broadcast:      cfg.BroadcastChannels,
	}, nil, logger)

	limiter := limits.NewConnectionRateLimiter(limits.Config{
		IPBurst:         cfg.ConnRateIPBurst,
		IPRate:          cfg.ConnRateIPRate,
		GlobalBurst:     cfg.ConnRateGlobalBurst,
		GlobalRate:      cfg.ConnRateGlobalRate,
		CleanupInterval: time.Minute,
	}, m, logger)

	sampler := metrics.NewSystemSampler()
	samplerDone := make(chan struct{})
	go func() {
		defer logging.FatalOnPanic(logger, "system_sampler")
		sampler.Run(15*time.Second, samplerDone)
	}()

	srv, err := server.New(server.Config{
		Addr:                  cfg.Addr,
		WSPath:                cfg.WSPath,
		ReadLimit:             cfg.ReadLimit,
		HandshakeTimeout:      cfg.HandshakeTimeout,
		AllowedOrigins:        cfg.AllowedOrigins,
		MaxChannelsPerRequest: cfg.MaxChannelsPerRequest,
		TrustedProxies:        cfg.TrustedProxies,
	}, server.Deps{
		Verifier: verifier,
		Resolver: resolver,
		Filter:   filter,
		Registry: reg,
		Broker:   br,
		Limiter:  limiter,
		Metrics:  m,
		Sampler:  sampler,
		Logger:   logger,
	})
	if err != nil {
		logging.Fatal(logger, err, "Failed to create server")
		return
	}

	if err := srv.Start(); err != nil {
		logging.Fatal(logger, err, "Failed to start server")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-srv.Errors():
		logging.Fatal(logger, err, "HTTP listener failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}

	// Sockets are drained; the rest can stop together.
	var g errgroup.Group
	g.Go(func() error {
		limiter.Stop()
		close(samplerDone)
		return nil
	})
	g.Go(func() error {
		if err := broker.Close(); err != nil {
			return fmt.Errorf("close broker: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Error during teardown")
	}

	logger.Info().Msg("Gateway exited")
}
