package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sakif/code-sandbox/internal/config"
	"github.com/sakif/code-sandbox/internal/executor"
	"github.com/sakif/code-sandbox/internal/executor/docker"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/workspace"
)

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// runtime is the execution pipeline shared by every command.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *language.Registry
	docker      *docker.Orchestrator
	workspaces  *workspace.Manager
	coordinator *executor.Coordinator
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("building language registry: %w", err)
	}

	orch, err := docker.New(cfg.Docker(), logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	workspaces, err := workspace.New(afero.NewOsFs(), cfg.Sandbox.WorkspaceRoot, logger)
	if err != nil {
		orch.Close()
		return nil, err
	}

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		docker:      orch,
		workspaces:  workspaces,
		coordinator: executor.NewCoordinator(cfg.Executor(), registry, workspaces, orch, logger),
	}, nil
}

// cleanup removes containers and workspaces left by a previous process. Only
// safe while no execution is in flight.
func (rt *runtime) cleanup(ctx context.Context) (containers, workspaces int) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	containers, err := rt.docker.Reap(ctx)
	if err != nil {
		rt.logger.Error("failed to reap containers", slog.String("error", err.Error()))
	}
	workspaces, err = rt.workspaces.Sweep()
	if err != nil {
		rt.logger.Error("failed to sweep workspaces", slog.String("error", err.Error()))
	}
	return containers, workspaces
}

func (rt *runtime) Close() {
	if err := rt.docker.Close(); err != nil {
		rt.logger.Warn("failed to close docker client", slog.String("error", err.Error()))
	}
}
