package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var errCatalogUnavailable = errors.New("tool catalog is not connected")

// catalogListTools and catalogGetTools map a collection to its catalog tool.
var (
	catalogListTools = map[string]string{
		"skills":    "mal_list_skills",
		"commands":  "mal_list_commands",
		"subagents": "mal_list_subagents",
		"mcps":      "mal_list_mcps",
	}
	catalogGetTools = map[string]string{
		"skills":    "mal_get_skill",
		"commands":  "mal_get_command",
		"subagents": "mal_get_subagent",
	}
)

// toolRoute proxies one REST route to one catalog tool. args builds the
// tool arguments from the request.
type toolRoute struct {
	pattern string
	tool    string
	args    func(w http.ResponseWriter, r *http.Request) (map[string]any, error)
}

func (s *Server) registerDataRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/catalog/{collection}", s.handleListCatalog)
	mux.HandleFunc("GET /api/catalog/{collection}/{id}", s.handleGetCatalogItem)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/context", s.handleProjectContext)
	mux.HandleFunc("GET /api/activity", s.handleActivity)

	routes := []toolRoute{
		{"GET /api/sprints", "mal_list_sprints", pagedQuery(20, "status")},
		{"GET /api/sprints/{id}", "mal_get_sprint", pathArg("sprint_id")},
		{"POST /api/sprints", "mal_create_sprint", bodyArgs("")},
		{"PUT /api/sprints/{id}", "mal_update_sprint", bodyArgs("sprint_id")},

		{"GET /api/work-items", "mal_list_work_items", pagedQuery(50, "sprint_id", "status", "priority", "assignee_id")},
		{"GET /api/work-items/{id}", "mal_get_work_item", pathArg("item_id")},
		{"POST /api/work-items", "mal_create_work_item", bodyArgs("")},
		{"PUT /api/work-items/{id}", "mal_update_work_item", bodyArgs("item_id")},

		{"GET /api/interactions", "mal_list_interactions", pagedQuery(20, "user_id", "type")},
		{"GET /api/interactions/search", "mal_search_interactions", searchQuery},

		{"GET /api/analytics/commits", "mal_get_commit_activity", commitQuery},
		{"GET /api/analytics/leaderboard", "mal_get_leaderboard", limitQuery(20)},
		{"GET /api/analytics/sprint-report/{id}", "mal_get_sprint_report", pathArg("sprint_id")},

		{"GET /api/team", "mal_get_leaderboard", limitQuery(50)},
		{"GET /api/team/{id}", "mal_get_team_member", pathArg("member_id")},

		{"GET /api/achievements", "mal_get_achievements", optionalQuery("user_id", "category")},
	}
	for _, route := range routes {
		route := route
		mux.HandleFunc(route.pattern, func(w http.ResponseWriter, r *http.Request) {
			args, err := route.args(w, r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			value, err := s.callTool(r.Context(), route.tool, args)
			if err != nil {
				s.writeToolError(w, r, route.tool, err)
				return
			}
			writeJSON(w, http.StatusOK, value)
		})
	}
}

func (s *Server) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	tool, ok := catalogListTools[collection]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown collection: "+collection)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	args := map[string]any{"limit": limit}
	if category := r.URL.Query().Get("category"); category != "" {
		args["category"] = category
	}
	text, err := s.callToolText(r.Context(), tool, args)
	if err != nil {
		s.writeToolError(w, r, tool, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collection": collection, "data": text})
}

func (s *Server) handleGetCatalogItem(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	tool, ok := catalogGetTools[collection]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown collection: "+collection)
		return
	}
	id := r.PathValue("id")
	text, err := s.callToolText(r.Context(), tool, map[string]any{"id": id})
	if err != nil {
		s.writeToolError(w, r, tool, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collection": collection, "id": id, "data": text})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	text, err := s.callToolText(r.Context(), "mal_get_usage_stats", map[string]any{})
	if err != nil {
		s.writeToolError(w, r, "mal_get_usage_stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": text})
}

type projectContext struct {
	Context  string `json:"context"`
	Sections int    `json:"sections"`
}

// handleProjectContext gathers the project snapshot a client may attach to
// chat messages. Sections whose tool call fails are left out.
func (s *Server) handleProjectContext(w http.ResponseWriter, r *http.Request) {
	sections := []struct {
		title string
		tool  string
		args  map[string]any
	}{
		{"## Active Sprints", "mal_list_sprints", map[string]any{"status": "active", "limit": 3}},
		{"## In-Progress Work Items", "mal_list_work_items", map[string]any{"status": "in_progress", "limit": 10}},
		{"## Recent Commits (7 days)", "mal_get_commit_activity", map[string]any{"days": 7}},
	}
	var parts []string
	for _, section := range sections {
		text, err := s.callToolText(r.Context(), section.tool, section.args)
		if err != nil {
			s.logger.DebugContext(r.Context(), "context section skipped", "tool", section.tool, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, section.title+"\n"+text)
		}
	}
	writeJSON(w, http.StatusOK, projectContext{Context: strings.Join(parts, "\n\n"), Sections: len(parts)})
}

type activityFeed struct {
	Items           []any  `json:"items"`
	GeneratedAt     string `json:"generated_at"`
	Stats           any    `json:"stats,omitempty"`
	Interactions    any    `json:"interactions,omitempty"`
	TopContributors any    `json:"top_contributors,omitempty"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	feed := activityFeed{
		Items:       []any{},
		GeneratedAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	fetch := func(tool string, args map[string]any) any {
		value, err := s.callTool(r.Context(), tool, args)
		if err != nil {
			s.logger.DebugContext(r.Context(), "activity source skipped", "tool", tool, "error", err)
			return nil
		}
		if m, ok := value.(map[string]any); ok {
			if data, ok := m["data"]; ok {
				return data
			}
		}
		return value
	}
	feed.Stats = fetch("mal_get_usage_stats", map[string]any{"days": 1})
	feed.Interactions = fetch("mal_list_interactions", map[string]any{"limit": limit})
	feed.TopContributors = fetch("mal_get_leaderboard", map[string]any{"limit": 5})
	writeJSON(w, http.StatusOK, feed)
}

// toolError is a catalog tool that answered with an error result.
type toolError struct {
	tool    string
	message string
}

func (e *toolError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("tool %s failed", e.tool)
	}
	return e.message
}

func (s *Server) callToolText(ctx context.Context, tool string, args map[string]any) (string, error) {
	if s.catalog == nil {
		return "", errCatalogUnavailable
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode %s arguments: %w", tool, err)
	}
	result, err := s.catalog.CallTool(ctx, tool, payload)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", &toolError{tool: tool, message: result.Text()}
	}
	return result.Text(), nil
}

// callTool calls a catalog tool and returns its text parsed as JSON, or
// {"data": text} when the text is not JSON.
func (s *Server) callTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	text, err := s.callToolText(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err == nil && !dec.More() {
		if _, isString := value.(string); !isString && value != nil {
			return value, nil
		}
	}
	return map[string]any{"data": text}, nil
}

func (s *Server) writeToolError(w http.ResponseWriter, r *http.Request, tool string, err error) {
	var te *toolError
	switch {
	case errors.Is(err, errCatalogUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusBadGateway, te.Error())
	default:
		s.logger.WarnContext(r.Context(), "catalog call failed", "tool", tool, "error", err)
		s.metrics.RecordError("gateway", "catalog_call")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func optionalQuery(keys ...string) func(http.ResponseWriter, *http.Request) (map[string]any, error) {
	return func(_ http.ResponseWriter, r *http.Request) (map[string]any, error) {
		args := map[string]any{}
		query := r.URL.Query()
		for _, key := range keys {
			if v := strings.TrimSpace(query.Get(key)); v != "" {
				args[key] = v
			}
		}
		return args, nil
	}
}

func pagedQuery(defaultLimit int, filters ...string) func(http.ResponseWriter, *http.Request) (map[string]any, error) {
	optional := optionalQuery(filters...)
	return func(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
		args, _ := optional(w, r)
		limit, err := queryInt(r, "limit", defaultLimit)
		if err != nil {
			return nil, err
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			return nil, err
		}
		args["limit"] = limit
		args["offset"] = offset
		return args, nil
	}
}

func limitQuery(defaultLimit int) func(http.ResponseWriter, *http.Request) (map[string]any, error) {
	return func(_ http.ResponseWriter, r *http.Request) (map[string]any, error) {
		limit, err := queryInt(r, "limit", defaultLimit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"limit": limit}, nil
	}
}

func searchQuery(_ http.ResponseWriter, r *http.Request) (map[string]any, error) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		return nil, errors.New("q is required")
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": q, "limit": limit}, nil
}

func commitQuery(_ http.ResponseWriter, r *http.Request) (map[string]any, error) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"days": days}
	if repo := strings.TrimSpace(r.URL.Query().Get("repo_path")); repo != "" {
		args["repo_path"] = repo
	}
	return args, nil
}

func pathArg(key string) func(http.ResponseWriter, *http.Request) (map[string]any, error) {
	return func(_ http.ResponseWriter, r *http.Request) (map[string]any, error) {
		return map[string]any{key: r.PathValue("id")}, nil
	}
}

// bodyArgs decodes a JSON object body. When idKey is set the path id is
// written into it, overriding the body.
func bodyArgs(idKey string) func(http.ResponseWriter, *http.Request) (map[string]any, error) {
	return func(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
		var args map[string]any
		if err := decodeBody(w, r, &args); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		if args == nil {
			return nil, errors.New("request body must be a JSON object")
		}
		if idKey != "" {
			args[idKey] = r.PathValue("id")
		}
		return args, nil
	}
}
