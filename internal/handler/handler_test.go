package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/handler"
	"github.com/sakif/code-sandbox/internal/language"
	"github.com/sakif/code-sandbox/internal/model"
)

func TestLanguagesHandler(t *testing.T) {
	h := handler.NewLanguagesHandler(language.MustDefault())
	rr := httptest.NewRecorder()

	h.HandleList(rr, httptest.NewRequest(http.MethodGet, "/api/languages", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "alpine", "images are not exposed")

	var got []handler.LanguageInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	ids := make([]string, 0, len(got))
	for _, l := range got {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"go", "javascript", "python"}, ids)
	assert.Equal(t, ".py", got[2].Extension)
	assert.Contains(t, got[2].Aliases, "py")
}

type fakeHistory struct {
	gotLimit, gotOffset int
	gotLang             string
	execs               []model.Execution
	err                 error
}

func (f *fakeHistory) List(_ context.Context, limit, offset int, lang string) ([]model.Execution, error) {
	f.gotLimit, f.gotOffset, f.gotLang = limit, offset, lang
	return f.execs, f.err
}

func (f *fakeHistory) GetByID(_ context.Context, id string) (*model.Execution, error) {
	for _, e := range f.execs {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, apperror.NotFound("execution", id)
}

func historyRouter(h *handler.HistoryHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/executions", h.HandleList)
	r.Get("/api/executions/{id}", h.HandleGetByID)
	return r
}

func TestHistoryHandler_List(t *testing.T) {
	svc := &fakeHistory{execs: []model.Execution{{ID: "a", Language: "python", Outcome: "success"}}}
	router := historyRouter(handler.NewHistoryHandler(svc, testLogger()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions?limit=5&offset=10&language=py", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, svc.gotLimit)
	assert.Equal(t, 10, svc.gotOffset)
	assert.Equal(t, "py", svc.gotLang)

	var got []model.Execution
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestHistoryHandler_ListEmptyIsArray(t *testing.T) {
	router := historyRouter(handler.NewHistoryHandler(&fakeHistory{}, testLogger()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestHistoryHandler_BadParams(t *testing.T) {
	router := historyRouter(handler.NewHistoryHandler(&fakeHistory{}, testLogger()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions?limit=ten", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"limit must be an integer"}`, rr.Body.String())
}

func TestHistoryHandler_StoreFailure(t *testing.T) {
	router := historyRouter(handler.NewHistoryHandler(&fakeHistory{err: errors.New("disk I/O error")}, testLogger()))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk")
}

func TestHistoryHandler_GetByID(t *testing.T) {
	svc := &fakeHistory{execs: []model.Execution{{ID: "a", Language: "go"}}}
	router := historyRouter(handler.NewHistoryHandler(svc, testLogger()))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions/a", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions/zzz", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"execution not found with id zzz"}`, rr.Body.String())
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	up := handler.NewHealthHandler(pingerFunc(func(context.Context) error { return nil }), testLogger())
	rr := httptest.NewRecorder()
	up.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	down := handler.NewHealthHandler(pingerFunc(func(context.Context) error { return errors.New("connection refused") }), testLogger())
	rr = httptest.NewRecorder()
	down.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "refused")
}
