package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/executor"
)

// requestOverhead is allowed on top of the code limit for the JSON envelope.
const requestOverhead = 4 << 10

// ExecuteResponse is the body of a successful execution.
type ExecuteResponse struct {
	Output string `json:"output"`
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	exec         executor.Executor
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewExecuteHandler creates an ExecuteHandler that rejects bodies larger
// than maxCodeBytes plus a small envelope allowance.
func NewExecuteHandler(exec executor.Executor, maxCodeBytes int, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		exec:         exec,
		maxBodyBytes: int64(maxCodeBytes) + requestOverhead,
		logger:       logger,
	}
}

// HandleExecute runs {"language", "code"} and answers {"output"} or {"error"}.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req executor.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperror.InvalidRequest("code", "request body too large"))
			return
		}
		h.logger.Debug("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.InvalidRequest("body", "request body must be a JSON object with language and code"))
		return
	}

	result, err := h.exec.Execute(r.Context(), req)
	if result != nil && result.ExecutionID != "" {
		w.Header().Set("X-Execution-ID", result.ExecutionID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{Output: result.Output})
}
