package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/model"
	"github.com/sakif/code-sandbox/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// HistoryService answers queries over recorded executions.
type HistoryService struct {
	repo     repository.ExecutionRepository
	registry *language.Registry
	logger   *slog.Logger
}

func NewHistoryService(repo repository.ExecutionRepository, registry *language.Registry, logger *slog.Logger) *HistoryService {
	return &HistoryService{
		repo:     repo,
		registry: registry,
		logger:   logger,
	}
}

// List returns a page of executions, newest first. An empty lang lists all
// languages; aliases are accepted.
func (s *HistoryService) List(ctx context.Context, limit, offset int, lang string) ([]model.Execution, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, apperror.InvalidRequest("limit",
			fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
	}
	if offset < 0 {
		return nil, apperror.InvalidRequest("offset", "offset cannot be negative")
	}

	opts := repository.ListOptions{Limit: limit, Offset: offset}
	if lang = strings.TrimSpace(lang); lang != "" {
		profile, ok := s.registry.Resolve(lang)
		if !ok {
			return nil, apperror.UnsupportedLanguage(lang)
		}
		opts.Language = profile.ID
	}

	execs, err := s.repo.List(ctx, opts)
	if err != nil {
		s.logger.Error("failed to list executions", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return execs, nil
}

// GetByID returns one execution record.
func (s *HistoryService) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.InvalidRequest("id", "execution ID is required")
	}
	return s.repo.GetByID(ctx, id)
}
