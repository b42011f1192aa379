package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ballotsync/cmd/internal/bootstrap"
	"ballotsync/cmd/internal/passphrase"
	"ballotsync/config"
	"ballotsync/observability/logging"
	telemetry "ballotsync/observability/otel"
	"ballotsync/services/ballotd"
	ballotmw "ballotsync/services/ballotd/middleware"
)

func main() {
	configPath := flag.String("config", "ballot.toml", "path to the TOML configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BALLOT_ENV"))
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logCloser := logging.SetupWithOptions("ballotd", env, logging.Options{
		File:  cfg.LogFile,
		Level: logging.ParseLevel(cfg.LogLevel),
	})
	defer logCloser.Close()

	telemetryCfg := telemetry.ConfigFromEnv("ballotd", env)
	telemetryCfg.Network = cfg.Network
	telemetryCfg.Registry = cfg.RegistryAddress
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ballotd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pass := passphrase.NewSource(passphrase.DefaultEnv, "ballotd")
	if strings.TrimSpace(cfg.WalletRPC) == "" {
		secret, err := pass.Get()
		if err != nil {
			return err
		}
		if created, err := cfg.EnsureKeystore(secret); err != nil {
			return err
		} else if created {
			logger.Info("created new keystore", "path", cfg.KeystorePath)
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	rt, err := bootstrap.Prepare(openCtx, cfg, logger, pass)
	if err != nil {
		return err
	}
	defer rt.Close()
	sess, err := rt.Open(openCtx)
	if err != nil {
		return err
	}
	defer sess.Close()
	logger.Info("session open", "identity", sess.Identity().Hex(), "network", cfg.Network)

	secret := strings.TrimSpace(os.Getenv(cfg.Server.JWTSecretEnv))
	server, err := ballotd.NewServer(sess, ballotd.Config{
		Auth: ballotmw.AuthConfig{
			Enabled:    true,
			HMACSecret: secret,
			Issuer:     cfg.Server.JWTIssuer,
			Audience:   cfg.Server.JWTAudience,
		},
		RateLimit: ballotmw.RateLimit{
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			Burst:             cfg.Server.Burst,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LogRequests:    true,
	}, logger)
	if err != nil {
		return fmt.Errorf("%w (set %s)", err, cfg.Server.JWTSecretEnv)
	}

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "ballotd"),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- sess.Run(ctx) }()
	go func() {
		logger.Info("ballotd listening", "addr", cfg.Server.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", "error", shutdownErr)
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}
