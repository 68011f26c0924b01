package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/model"
)

// HistoryService is the query side of the execution history.
type HistoryService interface {
	List(ctx context.Context, limit, offset int, lang string) ([]model.Execution, error)
	GetByID(ctx context.Context, id string) (*model.Execution, error)
}

type HistoryHandler struct {
	svc    HistoryService
	logger *slog.Logger
}

func NewHistoryHandler(svc HistoryService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{svc: svc, logger: logger}
}

// HandleList serves GET /api/executions?limit=&offset=&language=.
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	execs, err := h.svc.List(r.Context(), limit, offset, q.Get("language"))
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// HandleGetByID serves GET /api/executions/{id}.
func (h *HistoryHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.InvalidRequest(name, name+" must be an integer")
	}
	return n, nil
}
