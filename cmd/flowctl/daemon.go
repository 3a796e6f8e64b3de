package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowctl/flowctl/internal/api"
	"github.com/flowctl/flowctl/internal/automaton"
	"github.com/flowctl/flowctl/internal/binref"
	"github.com/flowctl/flowctl/internal/circuitbreaker"
	"github.com/flowctl/flowctl/internal/compiler"
	"github.com/flowctl/flowctl/internal/config"
	"github.com/flowctl/flowctl/internal/logging"
	"github.com/flowctl/flowctl/internal/metrics"
	"github.com/flowctl/flowctl/internal/observability"
	"github.com/flowctl/flowctl/internal/store"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var httpAddr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the flowctl control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Daemon.LogLevel)

			ctx := context.Background()
			if err := observability.Init(ctx, cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			if cfg.Observability.OutputCapture.Enabled {
				if err := logging.InitOutputStore(
					cfg.Observability.OutputCapture.StorageDir,
					cfg.Observability.OutputCapture.MaxSize,
					cfg.Observability.OutputCapture.RetentionS,
				); err != nil {
					logging.Op().Warn("failed to init output capture", "error", err)
				}
			}

			pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pgStore.Close()

			_, redisClient, err := store.NewLockClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			logCache := store.NewLogStreamCache(redisClient, time.Duration(cfg.Observability.OutputCapture.RetentionS)*time.Second)

			binaries, err := binref.NewBackend(ctx, cfg.Binaries)
			if err != nil {
				return fmt.Errorf("init binary backend: %w", err)
			}

			breakers := circuitbreaker.NewRegistry()

			comp, err := compiler.New(pgStore, binaries, cfg.Compiler)
			if err != nil {
				return fmt.Errorf("init compiler: %w", err)
			}
			comp.Start()
			defer comp.Stop()

			auto := automaton.New(pgStore, binaries, logging.GetOutputStore(), logCache, breakers, cfg.CircuitBreaker, cfg.Automaton, "")
			auto.Start()
			defer auto.Stop()

			h := api.New(pgStore, breakers, cfg.CircuitBreaker, cfg.Automaton, logging.GetOutputStore(), logCache)
			mux := http.NewServeMux()
			h.RegisterRoutes(mux)

			var handler http.Handler = mux
			if cfg.Observability.Tracing.Enabled {
				handler = observability.HTTPMiddleware(mux)
			}

			httpServer := &http.Server{
				Addr:    cfg.Daemon.HTTPAddr,
				Handler: handler,
			}
			go func() {
				logging.Op().Info("API server listening", "addr", cfg.Daemon.HTTPAddr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server exited", "error", err)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
