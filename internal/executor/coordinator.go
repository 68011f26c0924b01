// Package executor runs untrusted source code end to end.
//
// The Coordinator drives one request through
//
//	validate → workspace → environment → collect → cleanup → respond
//
// Each stage that acquires a resource registers its release with defer before
// the next stage runs, so the environment is removed and the workspace deleted
// on every exit path: success, rejection, mid-pipeline failure, timeout or
// cancellation. Deferred calls run in reverse, which removes the environment
// before its workspace.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/observability"
	"github.com/sakif/code-sandbox/internal/workspace"
)

// Config bounds each execution.
type Config struct {
	// Timeout is the wall-clock limit for the submitted program.
	Timeout time.Duration
	// QueueTimeout bounds the wait for a free slot when MaxConcurrent
	// environments are already running.
	QueueTimeout time.Duration
	// MaxConcurrent is the number of environments that may exist at once.
	MaxConcurrent int
	// MaxOutputBytes is the output ceiling; the rest is dropped.
	MaxOutputBytes int64
	// MaxCodeBytes rejects oversized submissions before any work is done.
	MaxCodeBytes int
	// DrainTimeout is how long to keep reading output after the program has
	// exited or been stopped.
	DrainTimeout time.Duration
	// CleanupTimeout bounds each removal, independent of the request context.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		QueueTimeout:   10 * time.Second,
		MaxConcurrent:  4,
		MaxOutputBytes: 64 * 1024,
		MaxCodeBytes:   100_000,
		DrainTimeout:   2 * time.Second,
		CleanupTimeout: 10 * time.Second,
	}
}

// Workspaces is the part of workspace.Manager the coordinator needs.
type Workspaces interface {
	Create(profile language.Profile, sourceCode string) (*workspace.Workspace, error)
	Destroy(ws *workspace.Workspace) error
}

// Coordinator implements Executor.
type Coordinator struct {
	registry   *language.Registry
	workspaces Workspaces
	orch       Orchestrator
	collector  *Collector
	pool       *Pool
	cfg        Config
	logger     *slog.Logger
}

var _ Executor = (*Coordinator)(nil)

// NewCoordinator wires the pipeline together.
func NewCoordinator(cfg Config, registry *language.Registry, workspaces Workspaces, orch Orchestrator, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:   registry,
		workspaces: workspaces,
		orch:       orch,
		collector:  NewCollector(cfg.MaxOutputBytes),
		pool:       NewPool(cfg.MaxConcurrent, logger),
		cfg:        cfg,
		logger:     logger,
	}
}

// Registry returns the language registry requests are validated against.
func (c *Coordinator) Registry() *language.Registry {
	return c.registry
}

// Execute runs req and returns either its combined output or one
// *apperror.AppError. Errors raised by the submitted program itself (non-zero
// exit, exceptions, syntax errors) are part of a successful result's Output.
func (c *Coordinator) Execute(ctx context.Context, req ExecutionRequest) (res *ExecutionResult, err error) {
	start := time.Now()
	res = &ExecutionResult{
		ExecutionID: xid.New().String(),
		Language:    strings.TrimSpace(req.Language),
	}
	logger := c.logger.With(
		slog.String("execution_id", res.ExecutionID),
		slog.String("language", res.Language),
	)
	defer func() {
		res.Duration = time.Since(start)
		c.observe(logger, res, err)
	}()

	profile, err := c.validate(req)
	if err != nil {
		return res, err
	}
	res.Language = profile.ID

	release, err := c.pool.Acquire(ctx, c.cfg.QueueTimeout)
	if err != nil {
		return res, err
	}
	defer release()

	ws, err := c.workspaces.Create(profile, req.Code)
	if err != nil {
		return res, err
	}
	defer c.destroyWorkspace(logger, ws)

	env, err := c.orch.Launch(ctx, LaunchSpec{
		ExecutionID: res.ExecutionID,
		Language:    profile.ID,
		Image:       profile.Image,
		Argv:        profile.Argv(SandboxDir + "/" + ws.SourceName),
		Env:         profile.Env,
		Limits:      profile.Limits,
		Workspace:   ws,
	})
	if err != nil {
		return res, err
	}
	observability.ActiveEnvironments.Inc()
	defer c.removeEnvironment(logger, env)

	logger.Debug("environment running", slog.String("environment", env.ID))
	return c.run(ctx, logger, env, c.timeoutFor(profile), res)
}

func (c *Coordinator) timeoutFor(profile language.Profile) time.Duration {
	if profile.Limits.Timeout > 0 {
		return profile.Limits.Timeout
	}
	return c.cfg.Timeout
}

// MaxTimeout is the longest wall-clock limit any registered language runs
// under.
func (c *Coordinator) MaxTimeout() time.Duration {
	longest := c.cfg.Timeout
	for _, p := range c.registry.List() {
		longest = max(longest, c.timeoutFor(p))
	}
	return longest
}

func (c *Coordinator) validate(req ExecutionRequest) (language.Profile, error) {
	if strings.TrimSpace(req.Language) == "" {
		return language.Profile{}, apperror.InvalidRequest("language", "language is required")
	}
	profile, ok := c.registry.Resolve(req.Language)
	if !ok {
		return language.Profile{}, apperror.UnsupportedLanguage(req.Language)
	}
	if strings.TrimSpace(req.Code) == "" {
		return language.Profile{}, apperror.InvalidRequest("code", "code cannot be empty")
	}
	if c.cfg.MaxCodeBytes > 0 && len(req.Code) > c.cfg.MaxCodeBytes {
		return language.Profile{}, apperror.InvalidRequest("code",
			fmt.Sprintf("code must be %d bytes or less", c.cfg.MaxCodeBytes))
	}
	return profile, nil
}

type collected struct {
	out Output
	err error
}

// run waits for the program and collects its output concurrently.
func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, env *Environment, timeout time.Duration, res *ExecutionResult) (*ExecutionResult, error) {
	// closing is set before we close the stream ourselves so the read error
	// it causes is not mistaken for a broken stream.
	var closing atomic.Bool
	done := make(chan collected, 1)
	go func() {
		out, err := c.collector.Collect(env.Stream)
		done <- collected{out: out, err: err}
	}()

	outcome, waitErr := c.orch.AwaitExit(ctx, env, timeout)

	var got collected
	select {
	case got = <-done:
	case <-time.After(c.cfg.DrainTimeout):
		closing.Store(true)
		_ = env.Stream.Close()
		got = <-done
		if waitErr == nil {
			logger.Warn("output stream still open after exit; closed it",
				slog.String("environment", env.ID),
				slog.Duration("drain_timeout", c.cfg.DrainTimeout),
			)
		}
	}

	res.Output = got.out.Text
	res.OutputBytes = got.out.Bytes
	res.Truncated = got.out.Truncated

	if waitErr != nil {
		res.TimedOut = errors.Is(waitErr, apperror.ErrExecutionTimeout)
		logger.Debug("partial output before failure",
			slog.Int("bytes", len(res.Output)),
			slog.Bool("timed_out", res.TimedOut),
		)
		return res, waitErr
	}
	// after a forced stop the stream is expected to break; after a clean exit it is not.
	if got.err != nil && !closing.Load() {
		return res, apperror.Stream("reading environment "+env.ID, got.err)
	}

	res.ExitCode = outcome.StatusCode
	return res, nil
}

func (c *Coordinator) removeEnvironment(logger *slog.Logger, env *Environment) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
	defer cancel()

	_ = env.Stream.Close()
	if err := c.orch.Remove(ctx, env); err != nil {
		observability.CleanupFailuresTotal.WithLabelValues("environment").Inc()
		logger.Error("failed to remove environment",
			slog.String("environment", env.ID),
			slog.String("error", err.Error()),
		)
	}
	observability.ActiveEnvironments.Dec()
}

func (c *Coordinator) destroyWorkspace(logger *slog.Logger, ws *workspace.Workspace) {
	if err := c.workspaces.Destroy(ws); err != nil {
		observability.CleanupFailuresTotal.WithLabelValues("workspace").Inc()
		logger.Error("failed to destroy workspace",
			slog.String("workspace", ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) observe(logger *slog.Logger, res *ExecutionResult, err error) {
	lang := res.Language
	if _, ok := c.registry.Resolve(lang); !ok {
		// keep label cardinality bounded
		lang = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = string(apperror.KindOf(err))
	}
	observability.ExecutionsTotal.WithLabelValues(lang, outcome).Inc()
	observability.ExecutionDuration.WithLabelValues(lang).Observe(res.Duration.Seconds())
	if res.Truncated {
		observability.OutputTruncatedTotal.WithLabelValues(lang).Inc()
	}

	if err == nil {
		logger.Info("execution finished",
			slog.Int64("exit_code", res.ExitCode),
			slog.Int("output_bytes", len(res.Output)),
			slog.Int64("produced_bytes", res.OutputBytes),
			slog.Bool("truncated", res.Truncated),
			slog.Duration("duration", res.Duration),
		)
		return
	}

	var appErr *apperror.AppError
	detail := err.Error()
	if errors.As(err, &appErr) {
		detail = appErr.LogValue()
	}
	if apperror.IsClientError(err) {
		logger.Info("execution rejected",
			slog.String("kind", outcome),
			slog.String("error", detail),
		)
		return
	}
	logger.Error("execution failed",
		slog.String("kind", outcome),
		slog.String("error", detail),
		slog.Duration("duration", res.Duration),
	)
}
