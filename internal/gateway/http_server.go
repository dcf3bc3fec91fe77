package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/malhub/internal/cron"
	"github.com/haasonsaas/malhub/internal/sessions"
)

const maxRequestBodyBytes = 1 << 20

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.Handle("GET /ws/chat", s.newChatHandler())

	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleResetThread)
	mux.HandleFunc("GET /api/daily-summary/latest", s.handleLatestSummary)

	s.registerAgentRoutes(mux)
	s.registerDataRoutes(mux)

	return s.instrument(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthResponse struct {
	MCPStatus       string    `json:"mcp_status"`
	AgentStatus     string    `json:"agent_status"`
	ToolsCount      int       `json:"tools_count"`
	AgentsAvailable []string  `json:"agents_available"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		MCPStatus:       "unknown",
		AgentStatus:     "not_ready",
		AgentsAvailable: s.runner.Agents().Available(),
		Timestamp:       s.now().UTC(),
	}
	if resp.AgentsAvailable == nil {
		resp.AgentsAvailable = []string{}
	}
	if s.catalog != nil {
		resp.MCPStatus = s.catalog.Health(r.Context())
		resp.ToolsCount = len(s.catalog.Tools())
	}
	if len(resp.AgentsAvailable) > 0 {
		resp.AgentStatus = "ready"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.runner.Thread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleResetThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runner.Reset(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"thread_id": id, "status": "new"})
}

func (s *Server) handleLatestSummary(w http.ResponseWriter, r *http.Request) {
	if s.summaries == nil {
		writeError(w, http.StatusNotFound, "daily summary is not scheduled")
		return
	}
	exec, ok := s.summaries.Latest(cron.DailySummaryJobID)
	if !ok {
		writeError(w, http.StatusNotFound, "no daily summary has run yet")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sessions.ErrThreadIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sessions.ErrLockTimeout):
		writeError(w, http.StatusConflict, "thread is busy")
	default:
		s.logger.ErrorContext(r.Context(), "thread store error", "error", err)
		writeError(w, http.StatusInternalServerError, "thread store error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
