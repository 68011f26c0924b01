package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/code-sandbox/internal/apperror"
)

// Pool bounds how many execution environments exist at once. Each in-flight
// request holds one slot from before its workspace is created until after its
// environment is removed.
type Pool struct {
	slots  chan struct{}
	logger *slog.Logger
}

// NewPool returns a pool with size slots.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		slots:  make(chan struct{}, size),
		logger: logger,
	}
}

// Acquire blocks until a slot is free, wait elapses, or ctx is done. The
// returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) (release func(), err error) {
	select {
	case p.slots <- struct{}{}:
		return p.release, nil
	default:
	}

	p.logger.Debug("waiting for a sandbox slot", slog.Int("in_use", p.InUse()), slog.Int("size", p.Size()))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return p.release, nil
	case <-timer.C:
		return nil, apperror.ContainerCreation("sandbox capacity exhausted", nil)
	case <-ctx.Done():
		return nil, apperror.Canceled(ctx.Err())
	}
}

// InUse returns the number of held slots.
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Size returns the pool capacity.
func (p *Pool) Size() int {
	return cap(p.slots)
}

func (p *Pool) release() {
	<-p.slots
}
