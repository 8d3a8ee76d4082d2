package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mlscompliance/complyengine/executor"
	"github.com/mlscompliance/complyengine/httpapi"
	"github.com/mlscompliance/complyengine/httpclient"
	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/mlscompliance/complyengine/promptregistry"
	"github.com/mlscompliance/complyengine/promptresolver"
	"github.com/mlscompliance/complyengine/provider"
	"github.com/mlscompliance/complyengine/ratelimiter"
	"github.com/mlscompliance/complyengine/retrygovernor"
	"github.com/mlscompliance/complyengine/scheduler"
	"github.com/mlscompliance/complyengine/version"
)

const AppName = "complyengine"

func main() {
	configPath := flag.String("c", "", "Path to the service configuration file (YAML)")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")

	flag.Parse()

	fmt.Printf("%s\nVersion: %s\nCommit: %s\nBuildDate: %s\n",
		AppName, version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetupLogger(logWriter, *verbose)

	cfg, err := model.ParseServiceConfig(*configPath)
	if err != nil {
		logger.Logger.Error("failed to load service config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *model.ServiceConfig) error {
	transport := httpclient.NewRetryAfterHTTPClient(&http.Client{
		Timeout: cfg.Timeouts.APITimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     cfg.ConnectionPool.MaxConnections,
			MaxIdleConnsPerHost: cfg.ConnectionPool.MaxKeepAliveConnections,
		},
	})

	llm, err := provider.New(ctx, cfg.Provider, transport)
	if err != nil {
		return fmt.Errorf("constructing llm provider: %w", err)
	}

	limiter := ratelimiter.New(cfg.RateLimit, cfg.Provider.Model)
	retry := retrygovernor.New(cfg.Retry, transport)
	exec := executor.New(llm, limiter, retry, transport)

	registryClient, err := promptregistry.New(cfg.PromptRegistryURL, nil)
	if err != nil {
		return fmt.Errorf("constructing prompt registry client: %w", err)
	}
	resolver := promptresolver.New(registryClient, cfg.PromptCache.TTL)

	sched := scheduler.New(resolver, exec, limiter, cfg.Timeouts.JobTimeout)
	server := httpapi.NewServer(sched, resolver, limiter, cfg.Timeouts.RequestTimeout)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
