package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sakif/code-sandbox/internal/auth"
	"github.com/sakif/code-sandbox/internal/config"
	"github.com/sakif/code-sandbox/internal/executor"
	sqliteRepo "github.com/sakif/code-sandbox/internal/repository/sqlite"
	"github.com/sakif/code-sandbox/internal/server"
	"github.com/sakif/code-sandbox/internal/service"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP service",
	Long: `Start the HTTP service.

Routes:
  POST /api/execute          run {"language", "code"}
  GET  /api/languages        supported languages
  GET  /api/executions       execution history
  GET  /healthz              docker reachability
  GET  /metrics              Prometheus metrics

Examples:
  server serve
  server serve --port 9090 --config /etc/sandbox.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	logger, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if budget := rt.coordinator.MaxTimeout() + cfg.Sandbox.QueueTimeout; cfg.Server.WriteTimeout <= budget {
		logger.Warn("server.write_timeout is shorter than the worst-case execution; slow responses will be cut off",
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
			slog.Duration("execution_budget", budget),
		)
	}

	ctx := cmd.Context()
	if cfg.Sandbox.PullImages {
		if err := rt.docker.EnsureImages(ctx, rt.registry.Images()); err != nil {
			return err
		}
	}
	rt.cleanup(ctx)
	defer rt.cleanup(context.Background())

	var exec executor.Executor = rt.coordinator
	deps := server.Deps{
		Registry: rt.registry,
		Health:   rt.docker,
	}

	if dbPath := cfg.Storage.DBPath; dbPath != "" {
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		exec = service.NewRecordingExecutor(exec, db, logger)
		deps.History = service.NewHistoryService(db, rt.registry, logger)
	} else {
		logger.Warn("storage.db_path is empty, execution history is disabled")
	}
	deps.Executor = exec

	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		logger.Warn("auth.jwt_secret is not set, /api/execute is unauthenticated")
	}

	srv, err := server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxCodeBytes:    cfg.Sandbox.MaxCodeBytes,
		RateLimitRPS:    cfg.RateLimit.RPS,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}, deps, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}
