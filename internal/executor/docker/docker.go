package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/executor"
)

// Labels put on every container this package creates.
const (
	LabelManaged   = "code-sandbox.managed"
	LabelInstance  = "code-sandbox.instance"
	LabelExecution = "code-sandbox.execution"
	LabelLanguage  = "code-sandbox.language"
)

// Orchestrator implements executor.Orchestrator using the Docker Engine API.
type Orchestrator struct {
	cli    *client.Client
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	waits map[string]*pendingWait
}

var _ executor.Orchestrator = (*Orchestrator)(nil)

// pendingWait is a ContainerWait registered before the container started, so
// an exit can never be missed.
type pendingWait struct {
	status <-chan container.WaitResponse
	errs   <-chan error
	cancel context.CancelFunc
}

// New connects to the Docker daemon from the environment (DOCKER_HOST etc.)
// and verifies it answers.
func New(cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to reach docker daemon: %w", err)
	}

	return NewWithClient(cli, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli *client.Client, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cli:    cli,
		config: cfg,
		logger: logger,
		waits:  make(map[string]*pendingWait),
	}
}

// Close releases the docker client.
func (o *Orchestrator) Close() error {
	return o.cli.Close()
}

// Ping checks that the daemon is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	_, err := o.cli.Ping(ctx)
	return err
}

// EnsureImages pulls images so the first execution per language is not slow.
func (o *Orchestrator) EnsureImages(ctx context.Context, images []string) error {
	ctx, cancel := context.WithTimeout(ctx, o.config.PullTimeout)
	defer cancel()

	for _, ref := range images {
		o.logger.Info("ensuring docker image is available", slog.String("image", ref))
		reader, err := o.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		// The pull only completes once the progress stream is fully read.
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
	}
	o.logger.Info("docker images are ready", slog.Int("count", len(images)))
	return nil
}

// Launch creates the container, attaches to its output, registers the exit
// wait and starts it, in that order, so no output and no exit is lost on a
// fast program. Any failure removes what was created.
func (o *Orchestrator) Launch(ctx context.Context, spec executor.LaunchSpec) (*executor.Environment, error) {
	if spec.Workspace == nil {
		return nil, apperror.ContainerCreation("no workspace for execution "+spec.ExecutionID, nil)
	}

	resp, err := o.cli.ContainerCreate(ctx, o.containerConfig(spec), o.hostConfig(spec), nil, nil, "sandbox-"+spec.ExecutionID)
	if err != nil {
		return nil, apperror.ContainerCreation("creating container from "+spec.Image, err)
	}
	for _, w := range resp.Warnings {
		o.logger.Warn("container create warning", slog.String("id", resp.ID), slog.String("warning", w))
	}

	attach, err := o.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		o.removeContainer(resp.ID)
		return nil, apperror.ContainerCreation("attaching to container "+resp.ID, err)
	}
	env := executor.NewEnvironment(resp.ID, newHijackedStream(attach))

	// The wait outlives the launch request's context; Remove cancels it.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	status, errs := o.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)
	o.mu.Lock()
	o.waits[resp.ID] = &pendingWait{status: status, errs: errs, cancel: cancelWait}
	o.mu.Unlock()

	if err := o.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		o.forget(resp.ID)
		env.Stream.Close()
		o.removeContainer(resp.ID)
		return nil, apperror.ContainerCreation("starting container "+resp.ID, err)
	}
	env.Advance(executor.StateRunning)

	o.logger.Debug("container started",
		slog.String("id", resp.ID),
		slog.String("image", spec.Image),
		slog.String("execution_id", spec.ExecutionID),
	)
	return env, nil
}

// AwaitExit blocks until the container exits, timeout elapses or ctx is done.
// A container still running at that point is force-removed.
func (o *Orchestrator) AwaitExit(ctx context.Context, env *executor.Environment, timeout time.Duration) (executor.ExitOutcome, error) {
	o.mu.Lock()
	pw := o.waits[env.ID]
	o.mu.Unlock()
	if pw == nil {
		return executor.ExitOutcome{}, apperror.Stream("no exit wait registered for "+env.ID, nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case st := <-pw.status:
		env.Advance(executor.StateExited)
		if st.Error != nil && st.Error.Message != "" {
			o.logger.Warn("container wait reported an error",
				slog.String("id", env.ID),
				slog.String("error", st.Error.Message),
			)
		}
		return executor.ExitOutcome{StatusCode: st.StatusCode}, nil

	case err := <-pw.errs:
		o.kill(env)
		return executor.ExitOutcome{}, apperror.Stream("waiting for container "+env.ID, err)

	case <-timer.C:
		o.logger.Info("execution timed out, stopping container",
			slog.String("id", env.ID),
			slog.Duration("timeout", timeout),
		)
		o.kill(env)
		return executor.ExitOutcome{}, apperror.ExecutionTimeout(timeout)

	case <-ctx.Done():
		o.logger.Info("execution canceled, stopping container", slog.String("id", env.ID))
		o.kill(env)
		return executor.ExitOutcome{}, apperror.Canceled(ctx.Err())
	}
}

// Remove force-removes the container. A container that is already gone, or
// whose auto-removal is in progress, counts as removed.
func (o *Orchestrator) Remove(ctx context.Context, env *executor.Environment) error {
	if env.State() == executor.StateRemoved {
		return nil
	}
	o.forget(env.ID)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.RemoveTimeout)
	defer cancel()

	err := o.cli.ContainerRemove(ctx, env.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !isGone(err) {
		return fmt.Errorf("docker: removing container %s: %w", env.ID, err)
	}
	env.Advance(executor.StateRemoved)
	return nil
}

// kill is Remove for paths that cannot report an error.
func (o *Orchestrator) kill(env *executor.Environment) {
	if err := o.Remove(context.Background(), env); err != nil {
		o.logger.Error("failed to remove container", slog.String("id", env.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	pw := o.waits[id]
	delete(o.waits, id)
	o.mu.Unlock()
	if pw != nil {
		pw.cancel()
	}
}

// removeContainer force removes a container by ID.
func (o *Orchestrator) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.RemoveTimeout)
	defer cancel()

	err := o.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !isGone(err) {
		o.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) containerConfig(spec executor.LaunchSpec) *container.Config {
	return &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Argv,
		Env:             spec.Env,
		WorkingDir:      executor.SandboxDir,
		User:            o.config.User,
		Tty:             false,
		OpenStdin:       false,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: o.config.NetworkMode == "none",
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelInstance:  o.config.InstanceID,
			LabelExecution: spec.ExecutionID,
			LabelLanguage:  spec.Language,
		},
	}
}

func (o *Orchestrator) hostConfig(spec executor.LaunchSpec) *container.HostConfig {
	memory := o.config.MemoryLimit
	if spec.Limits.MemoryBytes > 0 {
		memory = spec.Limits.MemoryBytes
	}
	cpus := o.config.CPULimit
	if spec.Limits.CPUs > 0 {
		cpus = spec.Limits.CPUs
	}
	pids := o.config.PidsLimit
	if spec.Limits.Pids > 0 {
		pids = spec.Limits.Pids
	}
	// The daemon mounts tmpfs noexec unless told otherwise.
	tmpOpts := "rw,noexec,nosuid,nodev,size=" + o.config.TmpfsSize
	if spec.Limits.ExecScratch {
		tmpOpts = "rw,exec,nosuid,nodev,size=" + o.config.TmpfsSize
	}

	return &container.HostConfig{
		NetworkMode: container.NetworkMode(o.config.NetworkMode),
		// Second line of defense; Remove is still called explicitly.
		AutoRemove:     true,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": tmpOpts,
		},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(cpus * 1e9),
			PidsLimit:  &pids,
		},
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   spec.Workspace.RootDir,
				Target:   executor.SandboxDir,
				ReadOnly: true,
			},
		},
	}
}

// isGone reports a remove that failed because the container no longer exists
// or is already being removed by AutoRemove.
func isGone(err error) bool {
	return cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)
}
