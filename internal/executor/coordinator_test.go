package executor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/executor"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/observability"
	"github.com/sakif/code-sandbox/internal/workspace"
)

type frame struct {
	stderr bool
	data   string
}

// fakeProgram is what every environment launched by a fakeOrchestrator does.
type fakeProgram struct {
	frames   []frame
	raw      []byte
	exitCode int64
	// hang keeps the program running until its environment is removed.
	hang bool
	// delay is spent before the program exits.
	delay time.Duration
}

type fakeRun struct {
	pw      *io.PipeWriter
	exited  chan struct{}
	removed chan struct{}
}

// fakeOrchestrator emits framed output the way an attached container does and
// tracks which environments are still alive.
type fakeOrchestrator struct {
	program   fakeProgram
	launchErr error
	removeErr error
	fs        afero.Fs

	mu       sync.Mutex
	seq      int
	runs     map[string]*fakeRun
	live     map[string]bool
	peak     int
	launches []executor.LaunchSpec
	timeouts []time.Duration
	sources  map[string]string
}

func newFakeOrchestrator(fs afero.Fs, program fakeProgram) *fakeOrchestrator {
	return &fakeOrchestrator{
		program: program,
		fs:      fs,
		runs:    make(map[string]*fakeRun),
		live:    make(map[string]bool),
		sources: make(map[string]string),
	}
}

func (f *fakeOrchestrator) Launch(ctx context.Context, spec executor.LaunchSpec) (*executor.Environment, error) {
	f.mu.Lock()
	f.launches = append(f.launches, spec)
	if f.launchErr != nil {
		f.mu.Unlock()
		return nil, f.launchErr
	}
	f.seq++
	id := fmt.Sprintf("env-%d", f.seq)
	pr, pw := io.Pipe()
	run := &fakeRun{pw: pw, exited: make(chan struct{}), removed: make(chan struct{})}
	f.runs[id] = run
	f.live[id] = true
	if len(f.live) > f.peak {
		f.peak = len(f.live)
	}
	if f.fs != nil && spec.Workspace != nil {
		if b, err := afero.ReadFile(f.fs, spec.Workspace.SourcePath); err == nil {
			f.sources[id] = string(b)
		}
	}
	f.mu.Unlock()

	env := executor.NewEnvironment(id, pr)
	env.Advance(executor.StateRunning)
	go f.play(run)
	return env, nil
}

func (f *fakeOrchestrator) play(run *fakeRun) {
	stdout := stdcopy.NewStdWriter(run.pw, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(run.pw, stdcopy.Stderr)
	for _, fr := range f.program.frames {
		w := stdout
		if fr.stderr {
			w = stderr
		}
		_, _ = w.Write([]byte(fr.data))
	}
	if f.program.raw != nil {
		_, _ = run.pw.Write(f.program.raw)
	}
	if f.program.hang {
		<-run.removed
		_ = run.pw.Close()
		return
	}
	if f.program.delay > 0 {
		select {
		case <-time.After(f.program.delay):
		case <-run.removed:
		}
	}
	_ = run.pw.Close()
	close(run.exited)
}

func (f *fakeOrchestrator) AwaitExit(ctx context.Context, env *executor.Environment, timeout time.Duration) (executor.ExitOutcome, error) {
	f.mu.Lock()
	run := f.runs[env.ID]
	f.timeouts = append(f.timeouts, timeout)
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-run.exited:
		env.Advance(executor.StateExited)
		return executor.ExitOutcome{StatusCode: f.program.exitCode}, nil
	case <-timer.C:
		_ = f.Remove(ctx, env)
		return executor.ExitOutcome{}, apperror.ExecutionTimeout(timeout)
	case <-ctx.Done():
		_ = f.Remove(ctx, env)
		return executor.ExitOutcome{}, apperror.Canceled(ctx.Err())
	}
}

func (f *fakeOrchestrator) Remove(ctx context.Context, env *executor.Environment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if !f.live[env.ID] {
		return nil
	}
	delete(f.live, env.ID)
	close(f.runs[env.ID].removed)
	env.Advance(executor.StateRemoved)
	return nil
}

func (f *fakeOrchestrator) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeOrchestrator) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

// failingWorkspaces refuses to create anything.
type failingWorkspaces struct{}

func (failingWorkspaces) Create(language.Profile, string) (*workspace.Workspace, error) {
	return nil, apperror.Workspace("disk full", errors.New("no space left on device"))
}

func (failingWorkspaces) Destroy(*workspace.Workspace) error { return nil }

type harness struct {
	coord      *executor.Coordinator
	orch       *fakeOrchestrator
	workspaces *workspace.Manager
}

func testConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.Timeout = time.Second
	cfg.QueueTimeout = time.Second
	cfg.DrainTimeout = 500 * time.Millisecond
	cfg.CleanupTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg executor.Config, program fakeProgram) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := afero.NewMemMapFs()
	ws, err := workspace.New(fs, "/sandboxes", logger)
	require.NoError(t, err)
	orch := newFakeOrchestrator(fs, program)
	return &harness{
		coord:      executor.NewCoordinator(cfg, language.MustDefault(), ws, orch, logger),
		orch:       orch,
		workspaces: ws,
	}
}

// assertClean checks that nothing outlives a request.
func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	assert.Zero(t, h.orch.liveCount(), "environments left running")
	live, err := h.workspaces.Live()
	require.NoError(t, err)
	assert.Empty(t, live, "workspaces left on disk")
}

func out(s string) frame { return frame{data: s} }
func errOut(s string) frame { return frame{stderr: true, data: s} }

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{frames: []frame{out("hi\n")}})

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: `print("hi")`})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Output)
	assert.Equal(t, int64(0), res.ExitCode)
	assert.Equal(t, "python", res.Language)
	assert.NotEmpty(t, res.ExecutionID)
	assert.False(t, res.Truncated)
	assert.False(t, res.TimedOut)
	h.assertClean(t)
}

func TestExecuteWritesSourceAndBuildsArgv(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{frames: []frame{out("5\n")}})
	code := "console.log(2+3)\n"

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "js", Code: code})
	require.NoError(t, err)

	require.Len(t, h.orch.launches, 1)
	spec := h.orch.launches[0]
	assert.Equal(t, "javascript", spec.Language)
	assert.Equal(t, "node:22-alpine", spec.Image)
	require.Len(t, spec.Argv, 2)
	assert.Equal(t, "node", spec.Argv[0])
	assert.Equal(t, executor.SandboxDir+"/"+spec.Workspace.SourceName, spec.Argv[1])
	assert.True(t, strings.HasSuffix(spec.Workspace.SourceName, ".js"))
	assert.Equal(t, code, h.orch.sources["env-1"], "source must be written verbatim before launch")
	h.assertClean(t)
}

func TestExecutePreservesInterleaving(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{
		frames:   []frame{out("a\n"), errOut("b\n"), out("c\n")},
		exitCode: 0,
	})

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", res.Output)
}

func TestExecuteProgramFailureIsOutput(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{
		frames:   []frame{errOut("Traceback (most recent call last):\nZeroDivisionError: division by zero\n")},
		exitCode: 1,
	})

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "1/0"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "ZeroDivisionError")
	assert.Equal(t, int64(1), res.ExitCode)
	h.assertClean(t)
}

func TestExecuteEmptyOutput(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{})

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "go", Code: "package main\nfunc main() {}\n"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Output)
}

func TestExecuteRejectsBeforeAnyWork(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCodeBytes = 16

	tests := []struct {
		name string
		req  executor.ExecutionRequest
		want error
	}{
		{"unsupported language", executor.ExecutionRequest{Language: "ruby", Code: "puts 1"}, apperror.ErrUnsupportedLanguage},
		{"missing language", executor.ExecutionRequest{Language: " ", Code: "print(1)"}, apperror.ErrInvalidRequest},
		{"empty code", executor.ExecutionRequest{Language: "python", Code: ""}, apperror.ErrInvalidRequest},
		{"whitespace code", executor.ExecutionRequest{Language: "python", Code: " \n\t"}, apperror.ErrInvalidRequest},
		{"code too large", executor.ExecutionRequest{Language: "python", Code: strings.Repeat("x", 17)}, apperror.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, cfg, fakeProgram{frames: []frame{out("never")}})

			_, err := h.coord.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, apperror.IsClientError(err))
			assert.Zero(t, h.orch.launchCount(), "no environment may be launched")
			h.assertClean(t)
		})
	}
}

func TestExecuteMissingLanguageNamesField(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{})

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "", Code: "print(1)"})
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindInvalidRequest, apperror.KindOf(err))
	assert.Equal(t, "language", appErr.Field)
}

func TestExecuteAppliesLanguageLimits(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, fakeProgram{frames: []frame{out("5\n")}})

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "go", Code: "package main\nfunc main() {}\n"})
	require.NoError(t, err)
	_, err = h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(5)"})
	require.NoError(t, err)

	goProfile, _ := language.MustDefault().Resolve("go")
	require.Len(t, h.orch.launches, 2)
	assert.Equal(t, goProfile.Limits, h.orch.launches[0].Limits)
	assert.True(t, h.orch.launches[0].Limits.ExecScratch)
	assert.Equal(t, language.Limits{}, h.orch.launches[1].Limits)

	require.Len(t, h.orch.timeouts, 2)
	assert.Equal(t, goProfile.Limits.Timeout, h.orch.timeouts[0])
	assert.Equal(t, cfg.Timeout, h.orch.timeouts[1])

	assert.Equal(t, goProfile.Limits.Timeout, h.coord.MaxTimeout())
	h.assertClean(t)
}

func TestExecuteUnsupportedLanguageMessage(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{})

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "ruby", Code: "puts 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ruby")
}

func TestExecuteTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg, fakeProgram{frames: []frame{out("started\n")}, hang: true})

	start := time.Now()
	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "while True: pass"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrExecutionTimeout)
	assert.Equal(t, apperror.KindExecutionTimeout, apperror.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "started\n", res.Output, "partial output is kept for diagnostics")
	h.assertClean(t)
}

func TestExecuteCanceled(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := h.coord.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: "input()"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrCanceled)
	h.assertClean(t)
}

func TestExecuteLaunchFailureDestroysWorkspace(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{})
	h.orch.launchErr = apperror.ContainerCreation("no such image", errors.New("image not found"))

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrContainerCreation)
	assert.NotContains(t, err.Error(), "image not found")
	assert.Equal(t, 1, h.orch.launchCount())
	h.assertClean(t)
}

func TestExecuteWorkspaceFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := newFakeOrchestrator(nil, fakeProgram{})
	coord := executor.NewCoordinator(testConfig(), language.MustDefault(), failingWorkspaces{}, orch, logger)

	_, err := coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrWorkspace)
	assert.NotContains(t, err.Error(), "no space left")
	assert.Zero(t, orch.launchCount())
}

func TestExecuteBrokenStream(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{raw: []byte{9, 0, 0, 0, 0, 0, 0, 1, 'x'}})

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrStream)
	h.assertClean(t)
}

func TestExecuteRemoveFailureStillReturnsOutput(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{frames: []frame{out("ok\n")}})
	h.orch.removeErr = errors.New("daemon unavailable")
	before := testutil.ToFloat64(observability.CleanupFailuresTotal.WithLabelValues("environment"))

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print('ok')"})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Output)

	after := testutil.ToFloat64(observability.CleanupFailuresTotal.WithLabelValues("environment"))
	assert.Equal(t, before+1, after)

	live, err := h.workspaces.Live()
	require.NoError(t, err)
	assert.Empty(t, live, "workspace is destroyed even when environment removal fails")
}

func TestExecuteTruncatesOutput(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOutputBytes = 10
	h := newHarness(t, cfg, fakeProgram{frames: []frame{out(strings.Repeat("y\n", 500))}})

	res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "while True: print('y')"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, strings.Repeat("y\n", 5)+executor.TruncationMarker, res.Output)
	assert.Equal(t, int64(1000), res.OutputBytes, "dropped bytes are still counted")
	h.assertClean(t)
}

func TestExecuteConcurrentRequestsAreIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 4
	h := newHarness(t, cfg, fakeProgram{frames: []frame{out("ok\n")}, delay: 10 * time.Millisecond})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{
				Language: "python",
				Code:     fmt.Sprintf("print(%d)", i),
			})
			if err == nil && res.Output != "ok\n" {
				err = fmt.Errorf("request %d: unexpected output %q", i, res.Output)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	paths := make(map[string]bool)
	for _, spec := range h.orch.launches {
		assert.False(t, paths[spec.Workspace.SourcePath], "workspace path reused: %s", spec.Workspace.SourcePath)
		paths[spec.Workspace.SourcePath] = true
	}
	assert.Len(t, paths, n)

	codes := make(map[string]bool)
	for _, src := range h.orch.sources {
		codes[src] = true
	}
	assert.Len(t, codes, n, "each environment sees only its own source")

	assert.LessOrEqual(t, h.orch.peak, cfg.MaxConcurrent)
	h.assertClean(t)
}

func TestExecuteCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.QueueTimeout = 20 * time.Millisecond
	cfg.Timeout = 300 * time.Millisecond
	h := newHarness(t, cfg, fakeProgram{hang: true})

	first := make(chan error, 1)
	go func() {
		_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "while True: pass"})
		first <- err
	}()
	require.Eventually(t, func() bool { return h.orch.launchCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(1)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrContainerCreation)
	assert.Equal(t, 1, h.orch.launchCount())

	assert.ErrorIs(t, <-first, apperror.ErrExecutionTimeout)
	h.assertClean(t)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	h := newHarness(t, testConfig(), fakeProgram{frames: []frame{out("1\n")}})
	success := observability.ExecutionsTotal.WithLabelValues("python", "success")
	rejected := observability.ExecutionsTotal.WithLabelValues("unknown", string(apperror.KindUnsupportedLanguage))
	beforeSuccess := testutil.ToFloat64(success)
	beforeRejected := testutil.ToFloat64(rejected)

	_, err := h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "python", Code: "print(1)"})
	require.NoError(t, err)
	_, err = h.coord.Execute(context.Background(), executor.ExecutionRequest{Language: "cobol", Code: "DISPLAY 1"})
	require.Error(t, err)

	assert.Equal(t, beforeSuccess+1, testutil.ToFloat64(success))
	assert.Equal(t, beforeRejected+1, testutil.ToFloat64(rejected))
}
