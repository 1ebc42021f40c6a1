package gateway

import (
	"net/http"
	"time"

	"github.com/soyeahso/tradesim/internal/domain"
)

const maxHistoryLimit = 1000

func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.metrics != nil && s.cfg.MetricsEnabled() {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", handleNotFound)
}

func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)

	if s.agents != nil {
		s.Handle("agents.list", s.rpcAgentsList)
		s.Handle("agents.get", s.rpcAgentsGet)
	}
	if s.fleet != nil {
		s.Handle("agents.add", s.rpcAgentsAdd)
		s.Handle("agents.update", s.rpcAgentsUpdate)
		s.Handle("agents.delete", s.rpcAgentsDelete)
		s.Handle("agents.start", s.rpcAgentsStart)
		s.Handle("agents.stop", s.rpcAgentsStop)
		s.Handle("fleet.status", s.rpcFleetStatus)
	}
	if s.summary != nil {
		s.Handle("pnl.summary", s.rpcPnLSummary)
	}
	if s.history != nil {
		s.Handle("pnl.history", s.rpcPnLHistory)
	}
}

// AgentView is an agent as returned over RPC.
type AgentView struct {
	domain.Agent
	Running bool `json:"running"`
}

func (s *Server) view(a domain.Agent) AgentView {
	v := AgentView{Agent: a}
	if s.fleet != nil {
		v.Running = s.fleet.IsRunning(a.ID)
	}
	return v
}

type idParams struct {
	ID string `json:"id"`
}

// requireID decodes {"id": ...} and reports whether the handler may proceed.
func requireID(rc *RequestContext) (string, bool) {
	var p idParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return "", false
	}
	if p.ID == "" {
		rc.RespondError("invalid_params", "id is required")
		return "", false
	}
	return p.ID, true
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if s.fleet != nil {
		h.Running = s.fleet.Running()
	}
	if !s.startedAt.IsZero() {
		h.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	rc.Respond(h)
}

func (s *Server) rpcAgentsList(rc *RequestContext) {
	agents, err := s.agents.List(rc.Context())
	if err != nil {
		rc.Fail(err)
		return
	}
	views := make([]AgentView, len(agents))
	for i, a := range agents {
		views[i] = s.view(a)
	}
	rc.Respond(map[string]any{"agents": views})
}

func (s *Server) rpcAgentsGet(rc *RequestContext) {
	id, ok := requireID(rc)
	if !ok {
		return
	}
	a, err := s.agents.Get(rc.Context(), id)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(s.view(a))
}

type addParams struct {
	Name string `json:"name,omitempty"`
}

func (s *Server) rpcAgentsAdd(rc *RequestContext) {
	var p addParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	a, err := s.fleet.AddAgent(rc.Context(), p.Name)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(s.view(a))
}

type updateParams struct {
	ID string `json:"id"`
	domain.AgentPatch
}

func (s *Server) rpcAgentsUpdate(rc *RequestContext) {
	var p updateParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.ID == "" {
		rc.RespondError("invalid_params", "id is required")
		return
	}
	a, err := s.fleet.UpdateAgent(rc.Context(), p.ID, p.AgentPatch)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(s.view(a))
}

func (s *Server) rpcAgentsDelete(rc *RequestContext) {
	id, ok := requireID(rc)
	if !ok {
		return
	}
	if err := s.fleet.DeleteAgent(rc.Context(), id); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"id": id, "deleted": true})
}

func (s *Server) rpcAgentsStart(rc *RequestContext) {
	id, ok := requireID(rc)
	if !ok {
		return
	}
	if err := s.fleet.StartAgent(rc.Context(), id); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"id": id, "running": true})
}

func (s *Server) rpcAgentsStop(rc *RequestContext) {
	id, ok := requireID(rc)
	if !ok {
		return
	}
	if err := s.fleet.StopAgent(rc.Context(), id); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"id": id, "running": false})
}

func (s *Server) rpcFleetStatus(rc *RequestContext) {
	rc.Respond(map[string]any{
		"running": s.fleet.Running(),
		"agents":  s.fleet.Status(),
	})
}

func (s *Server) rpcPnLSummary(rc *RequestContext) {
	sum, err := s.summary.Summarize(rc.Context())
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(sum)
}

type historyParams struct {
	AgentID string `json:"agentId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) rpcPnLHistory(rc *RequestContext) {
	var p historyParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Limit < 0 || p.Limit > maxHistoryLimit {
		rc.RespondError("invalid_params", "limit must be between 0 and 1000")
		return
	}
	records, err := s.history.History(rc.Context(), p.AgentID, p.Limit)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"records": records})
}
