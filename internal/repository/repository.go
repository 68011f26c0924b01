// Package repository defines the storage interfaces for execution history.
package repository

import (
	"context"

	"github.com/sakif/code-sandbox/internal/model"
)

// ListOptions pages through results, newest first.
type ListOptions struct {
	Limit    int
	Offset   int
	Language string // optional filter
}

// ExecutionRepository stores execution audit records.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]model.Execution, error)
}
