package executor

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/workspace"
)

// SandboxDir is where the workspace is mounted inside the execution
// environment; it is also the environment's working directory.
const SandboxDir = "/sandbox"

// ExecutionRequest is one inbound (language, code) submission.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecutionResult is the outcome of running a submission.
//
// When Execute returns an error, the result (if non-nil) carries diagnostics
// only: the partial output collected before a timeout, the duration, and the
// ids used in logs. It must not be presented as a successful run.
type ExecutionResult struct {
	ExecutionID string        `json:"executionId"`
	Language    string        `json:"language"`
	Output      string        `json:"output"`
	// OutputBytes counts every payload byte the program wrote, including
	// bytes dropped past the ceiling.
	OutputBytes int64         `json:"outputBytes"`
	ExitCode    int64         `json:"exitCode"`
	Truncated   bool          `json:"truncated"`
	TimedOut    bool          `json:"timedOut"`
	Duration    time.Duration `json:"duration"`
}

// Executor runs untrusted code in an isolated environment.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// State is the lifecycle state of an execution environment. States only move
// forward.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateExited
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Environment is a handle on one launched execution environment.
type Environment struct {
	ID string
	// Stream is the environment's combined stdout+stderr, framed as described
	// in Collector. It is attached before the environment starts.
	Stream io.ReadCloser

	mu    sync.Mutex
	state State
}

// NewEnvironment returns a handle in StateCreated.
func NewEnvironment(id string, stream io.ReadCloser) *Environment {
	return &Environment{ID: id, Stream: stream}
}

func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Advance moves the environment to s. Moving backwards is ignored.
func (e *Environment) Advance(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s > e.state {
		e.state = s
	}
}

// LaunchSpec is everything an Orchestrator needs to start an environment.
type LaunchSpec struct {
	ExecutionID string
	Language    string
	Image       string
	Argv        []string
	Env         []string
	Limits      language.Limits
	Workspace   *workspace.Workspace
}

// ExitOutcome describes how the submitted program ended.
type ExitOutcome struct {
	StatusCode int64
}

// Orchestrator creates and tears down execution environments.
//
// Launch either returns a running environment or leaves nothing behind.
// AwaitExit blocks until the program exits, timeout elapses, or ctx is done;
// on timeout or cancellation it forcibly removes the environment before
// returning apperror.ErrExecutionTimeout or apperror.ErrCanceled. Remove is
// idempotent and must work even after ctx has been canceled.
type Orchestrator interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Environment, error)
	AwaitExit(ctx context.Context, env *Environment, timeout time.Duration) (ExitOutcome, error)
	Remove(ctx context.Context, env *Environment) error
}
