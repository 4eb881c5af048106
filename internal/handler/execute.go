// Package handler exposes the session operations over HTTP. Handlers decode
// and validate requests, defer to the registry, and translate outcomes to
// JSON. They never touch the platform directly.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/agent-sandbox/internal/apperror"
	"github.com/sakif/agent-sandbox/internal/auth"
	"github.com/sakif/agent-sandbox/internal/registry"
)

// maxBodySize caps request bodies. Snippets are conversation-sized; anything
// larger is a caller bug.
const maxBodySize = 1 << 20

// SessionHandler serves the per-session execution and release endpoints.
type SessionHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler on top of the registry.
func NewSessionHandler(reg *registry.Registry, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		registry: reg,
		logger:   logger,
	}
}

type executeCodeRequest struct {
	Code           string  `json:"code"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

type executeShellRequest struct {
	Command        string  `json:"command"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// HandleExecuteCode runs a snippet in the caller's persistent interpreter
// session and returns the structured result.
func (h *SessionHandler) HandleExecuteCode(w http.ResponseWriter, r *http.Request) {
	callerID, err := h.sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req executeCodeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON request body"))
		return
	}
	if req.Code == "" {
		writeError(w, apperror.ValidationFailed("code", "must not be empty"))
		return
	}

	h.logger.Info("executing code snippet", slog.String("caller", callerID))

	result, err := h.registry.ExecuteCode(r.Context(), callerID, req.Code, toDuration(req.TimeoutSeconds))
	if err != nil {
		h.logger.Error("code execution failed",
			slog.String("caller", callerID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleExecuteShell runs a one-shot shell command in the caller's
// environment.
func (h *SessionHandler) HandleExecuteShell(w http.ResponseWriter, r *http.Request) {
	callerID, err := h.sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req executeShellRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON request body"))
		return
	}
	if req.Command == "" {
		writeError(w, apperror.ValidationFailed("command", "must not be empty"))
		return
	}

	h.logger.Info("executing shell command", slog.String("caller", callerID))

	result, err := h.registry.ExecuteShell(r.Context(), callerID, req.Command, toDuration(req.TimeoutSeconds))
	if err != nil {
		h.logger.Error("shell execution failed",
			slog.String("caller", callerID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleRelease tears down the caller's session and environment. Releasing
// a session that does not exist still returns 204: release is idempotent.
func (h *SessionHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	callerID, err := h.sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	h.registry.ReleaseSession(r.Context(), callerID)
	writeJSON(w, http.StatusNoContent, nil)
}

// sessionID extracts and authorizes the session identifier from the URL.
// When the request is authenticated, the token subject must match the path:
// a caller can only touch its own session.
func (h *SessionHandler) sessionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		return "", apperror.ValidationFailed("id", "session identifier must not be empty")
	}
	if subject, ok := auth.CallerIDFromContext(r.Context()); ok && subject != id {
		return "", apperror.Forbidden("token subject does not match session identifier")
	}
	return id, nil
}

func toDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0 // registry applies the default
	}
	return time.Duration(seconds * float64(time.Second))
}
