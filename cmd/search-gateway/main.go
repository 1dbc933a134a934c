package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"

	"github.com/searchscope/search-gateway/internal/audit"
	"github.com/searchscope/search-gateway/internal/auth"
	"github.com/searchscope/search-gateway/internal/backend"
	"github.com/searchscope/search-gateway/internal/config"
	"github.com/searchscope/search-gateway/internal/dispatch"
	"github.com/searchscope/search-gateway/internal/health"
	"github.com/searchscope/search-gateway/internal/limiter"
	"github.com/searchscope/search-gateway/internal/registry"
	"github.com/searchscope/search-gateway/internal/server"
	"github.com/searchscope/search-gateway/internal/tools"
)

const serviceName = "search-gateway"

var (
	configPath string
	daemonMode bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Stateless tool-invocation gateway for OpenSearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonMode {
				cntxt := &daemon.Context{
					PidFileName: serviceName + ".pid",
					PidFilePerm: 0644,
				}
				child, err := cntxt.Reborn()
				if err != nil {
					return err
				}
				if child != nil {
					return nil
				}
				defer cntxt.Release()
			}
			return run()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&daemonMode, "daemon", false, "run in background")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backendClient, err := backend.New(cfg.OpenSearch, nil, logger)
	if err != nil {
		return fmt.Errorf("init backend: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := server.NewMetrics(promReg)
	backendClient.SetRetryHook(metrics.RetryHook())

	// Fail fast: no partial-ready state is exposed to the load balancer.
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	info, err := backendClient.Info(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("backend unreachable at startup: %w", err)
	}
	logger.Info("connected to cluster", "cluster", info.ClusterName, "version", info.Version)

	reg := registry.New()
	if err := tools.Register(reg, backendClient, cfg.OpenSearch); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	redisClient, err := buildRedisClient(ctx, cfg.RateLimiter)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	limit := limiter.New(limiter.Config{
		Enabled:           cfg.RateLimiter.Enabled,
		RequestsPerSecond: cfg.RateLimiter.RequestsPerSecond,
		Burst:             cfg.RateLimiter.Burst,
		Window:            cfg.RateLimiter.Window,
		Redis:             redisClient,
	})

	instanceID := uuid.NewString()
	reporter, err := health.NewReporter(backendClient, serviceName, instanceID, cfg.Health.Timeout, cfg.Health.SnapshotTTL)
	if err != nil {
		return fmt.Errorf("init health reporter: %w", err)
	}

	srv := server.New(server.Options{
		Config:     cfg,
		Dispatcher: dispatch.New(reg, logger, 0),
		Health:     reporter,
		Auth:       authenticator,
		Limiter:    limit,
		Audit:      audit.New(cfg.Audit.Enabled, os.Stdout),
		Metrics:    metrics,
		Gatherer:   promReg,
		Logger:     logger,
	})

	logger.Info("gateway listening",
		"address", cfg.Server.Address(),
		"path", cfg.Server.Path,
		"instance", instanceID)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func buildRedisClient(ctx context.Context, cfg config.RateLimiterConfig) (redis.UniversalClient, error) {
	if !cfg.Enabled || cfg.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
