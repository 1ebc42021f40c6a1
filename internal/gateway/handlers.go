package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/fleet"
	"github.com/soyeahso/tradesim/internal/store"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the RPC method fills in the rest.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Clients  int    `json:"clients,omitempty"`
	Running  int    `json:"running,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequestHandler processes one RPC request.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	ctx    context.Context
	Client *Client
	Frame  Frame
	Server *Server
}

// Context is cancelled when the request times out or the server stops.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.respondShape(ErrorShape{Code: code, Message: message})
}

func (rc *RequestContext) respondShape(e ErrorShape) {
	if err := rc.Client.RespondError(rc.Frame.ID, e); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error response")
	}
}

// Fail maps a domain or store error onto an error response.
func (rc *RequestContext) Fail(err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		rc.respondShape(ErrorShape{Code: "invalid_params", Message: verr.Error(), Details: verr.Fields})
	case errors.Is(err, store.ErrNotFound):
		rc.RespondError("not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		rc.RespondError("conflict", err.Error())
	case errors.Is(err, fleet.ErrFleetFull):
		rc.RespondError("fleet_full", err.Error())
	case errors.Is(err, fleet.ErrAlreadyRunning):
		rc.RespondError("already_running", err.Error())
	case errors.Is(err, fleet.ErrNotRunning):
		rc.RespondError("not_running", err.Error())
	case errors.Is(err, fleet.ErrClosed), errors.Is(err, context.Canceled):
		rc.respondShape(ErrorShape{Code: "unavailable", Message: err.Error(), Retryable: true})
	case errors.Is(err, context.DeadlineExceeded):
		rc.respondShape(ErrorShape{Code: "timeout", Message: err.Error(), Retryable: true})
	default:
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("rpc failed")
		rc.RespondError("internal_error", err.Error())
	}
}

// Params decodes the request params into target.
func (rc *RequestContext) Params(target any) error {
	if rc.Frame.Params == nil {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}
