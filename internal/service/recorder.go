package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/executor"
	"github.com/sakif/code-sandbox/internal/model"
	"github.com/sakif/code-sandbox/internal/repository"
)

// recordTimeout bounds one history insert.
const recordTimeout = 2 * time.Second

// RecordingExecutor writes an audit record for every execution that passes
// through it. Recording never changes what the caller gets back.
type RecordingExecutor struct {
	next   executor.Executor
	repo   repository.ExecutionRepository
	logger *slog.Logger
}

var _ executor.Executor = (*RecordingExecutor)(nil)

func NewRecordingExecutor(next executor.Executor, repo repository.ExecutionRepository, logger *slog.Logger) *RecordingExecutor {
	return &RecordingExecutor{
		next:   next,
		repo:   repo,
		logger: logger,
	}
}

func (r *RecordingExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	res, err := r.next.Execute(ctx, req)
	if res == nil {
		// nothing identifies the attempt
		return res, err
	}
	r.record(ctx, res, err)
	return res, err
}

func (r *RecordingExecutor) record(ctx context.Context, res *executor.ExecutionResult, execErr error) {
	rec := &model.Execution{
		ID:          res.ExecutionID,
		Language:    res.Language,
		Outcome:     model.OutcomeSuccess,
		ExitCode:    res.ExitCode,
		DurationMS:  res.Duration.Milliseconds(),
		OutputBytes: res.OutputBytes,
		Truncated:   res.Truncated,
	}
	if execErr != nil {
		rec.Outcome = string(apperror.KindOf(execErr))
	}

	// the client may already be gone; the record is still written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, rec); err != nil {
		r.logger.Error("failed to record execution",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
