package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/agent-sandbox/internal/auth"
	"github.com/sakif/agent-sandbox/internal/handler"
	"github.com/sakif/agent-sandbox/internal/platform/fake"
	"github.com/sakif/agent-sandbox/internal/registry"
	"github.com/sakif/agent-sandbox/internal/session"
)

type testAPI struct {
	platform *fake.Platform
	registry *registry.Registry
	router   *chi.Mux
}

// newTestAPI wires the fake platform behind the real routes, optionally with
// bearer auth enabled.
func newTestAPI(t *testing.T, tokens *auth.TokenService) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := fake.New()
	reg := registry.New(p, logger, session.Options{})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	h := handler.NewSessionHandler(reg, logger)
	router := chi.NewRouter()
	router.Route("/api/sessions/{id}", func(r chi.Router) {
		if tokens != nil {
			r.Use(auth.RequireAuth(tokens))
		}
		r.Post("/execute/code", h.HandleExecuteCode)
		r.Post("/execute/shell", h.HandleExecuteShell)
		r.Delete("/", h.HandleRelease)
	})

	return &testAPI{platform: p, registry: reg, router: router}
}

func (a *testAPI) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) session.Result {
	t.Helper()
	var res session.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHandleExecuteCode(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"x = \"41\""}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"print(x)"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Equal(t, session.OutcomeSuccess, res.Outcome)
	assert.True(t, res.OK)
	assert.Equal(t, "41\n", res.Stdout)
}

func TestHandleExecuteCode_EmptyCode(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestHandleExecuteCode_MalformedBody(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecuteCode_RemoteErrorStaysHTTP200(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"raise ValueError"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Equal(t, session.OutcomeSuccess, res.Outcome)
	assert.False(t, res.OK)
	assert.Contains(t, res.Stderr, "Traceback")
}

func TestHandleExecuteShell(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/shell", `{"command":"echo hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.True(t, res.OK)
	assert.Equal(t, "hi\n", res.Stdout)
}

func TestHandleExecuteShell_EmptyCommand(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/shell", `{"command":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRelease_Idempotent(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"x = 1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodDelete, "/api/sessions/alice", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(http.MethodDelete, "/api/sessions/alice", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	envs := api.platform.Environments()
	require.Len(t, envs, 1)
	assert.True(t, envs[0].Terminated())
}

func TestHandleExecuteCode_ProvisioningFailure(t *testing.T) {
	api := newTestAPI(t, nil)
	api.platform.ProvisionErr = assert.AnError

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"x = 1"}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "provisioning_failure")
}

func TestAuth_RequiredWhenConfigured(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	require.NoError(t, err)
	api := newTestAPI(t, tokens)

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"x = 1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_SubjectScopedToOwnSession(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret-at-least-16-chars!!")
	require.NoError(t, err)
	api := newTestAPI(t, tokens)

	token, err := tokens.Generate("alice")
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token}

	rec := api.do(http.MethodPost, "/api/sessions/alice/execute/code", `{"code":"x = 1"}`, headers)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/api/sessions/bob/execute/code", `{"code":"x = 1"}`, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
