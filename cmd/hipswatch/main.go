package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hipswatch/internal/auth"
	"hipswatch/internal/config"
	"hipswatch/internal/logging"
	"hipswatch/internal/mitigation"
	"hipswatch/internal/policy"
	"hipswatch/internal/retry"
	"hipswatch/internal/server"
	"hipswatch/internal/state"
	"hipswatch/internal/threat"
	"hipswatch/internal/watchdog"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		return fatal(err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return fatal(err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := cfg.ValidateStartup(); err != nil {
		return fatal(err)
	}

	engine, err := policy.LoadFile(cfg.PolicyFile, cfg.InventoryGroup)
	if err != nil {
		return fatal(err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
		},
	}
	if !cfg.VerifySSL {
		slog.Warn("TLS certificate verification is disabled for the feed API")
	}

	session := auth.NewSession(cfg, httpClient, auth.NewFileTokenStore(cfg.TokenFile), auth.WithLogger(logger))
	feed := threat.NewClient(cfg, httpClient, session, retry.Policy{
		MaxAttempts: cfg.MaxRetryAttempts,
		Base:        cfg.RetryDelay,
		Max:         cfg.MaxRetryInterval,
	}, logger)
	store := state.OpenFileStore(cfg.StateFile, state.WithLogger(logger))
	dispatcher := mitigation.NewDispatcher(cfg, session, logger)
	loop := watchdog.New(cfg, feed, store, dispatcher, engine, watchdog.WithLogger(logger))

	srv := server.New(loop, store, engine, cfg.SSHUser, logger)
	srv.Start(cfg.HTTPAddr)
	srv.StartMetrics(cfg.MetricsAddr)
	if cfg.GRPCAddr != "" {
		go func() {
			if err := srv.StartGRPC(cfg.GRPCAddr); err != nil {
				slog.Error("grpc server error", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return 0
}

func fatal(err error) int {
	var cfgErr *config.FatalConfigError
	if errors.As(err, &cfgErr) {
		slog.Error("invalid configuration", "field", cfgErr.Field, "reason", cfgErr.Reason)
	} else {
		slog.Error("startup failed", "err", err)
	}
	return 1
}
