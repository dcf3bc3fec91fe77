package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
)

// agentResponse is the reply of every agent endpoint. Failures are reported
// in Result, not through the status code.
type agentResponse struct {
	Agent     string `json:"agent"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

type conversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type analyzeInteractionRequest struct {
	UserID     string                `json:"user_id"`
	SessionID  string                `json:"session_id"`
	Source     string                `json:"source"`
	Messages   []conversationMessage `json:"messages"`
	SprintID   string                `json:"sprint_id"`
	WorkItemID string                `json:"work_item_id"`
}

type sprintReportRequest struct {
	SprintID string `json:"sprint_id"`
	RepoPath string `json:"repo_path"`
	Days     int    `json:"days"`
}

type nextStepsRequest struct {
	UserID   string `json:"user_id"`
	SprintID string `json:"sprint_id"`
}

type scoreContributionRequest struct {
	UserID           string         `json:"user_id"`
	ContributionType string         `json:"contribution_type"`
	ReferenceID      string         `json:"reference_id"`
	Metadata         map[string]any `json:"metadata"`
}

type codeReviewRequest struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Focus   string `json:"focus"`
}

type dailySummaryRequest struct {
	Date     string `json:"date"`
	RepoPath string `json:"repo_path"`
}

var contributionTypes = map[string]bool{
	"commit":      true,
	"interaction": true,
	"work_item":   true,
	"review":      true,
	"sprint":      true,
}

var promptFuncs = template.FuncMap{
	"or": func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	},
	"json": func(v any) string {
		if v == nil {
			return "{}"
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(data)
	},
}

var agentPrompts = template.Must(template.New("prompts").Funcs(promptFuncs).Parse(`
{{define "analyze-interaction"}}Analyze this conversation and store it as an interaction.

User ID: {{.UserID}}
Session ID: {{.SessionID}}
Source: {{or .Source "web_chat"}}
Sprint ID: {{or .SprintID "(none)"}}
Work Item ID: {{or .WorkItemID "(none)"}}

--- CONVERSATION ---
{{range .Messages}}[{{.Role}}]: {{.Content}}
{{end}}--- END ---

Instructions:
1. Generate a title, summary, decisions, action items, and tags
2. Store the interaction using mal_log_interaction with ALL the messages
3. Award XP to the user using mal_log_contribution (base 5 + 3 per tool used + 5 if decisions found, cap 30)
4. Return a summary of what was stored and XP awarded{{end}}

{{define "sprint-report"}}Generate a comprehensive sprint report.

Sprint ID: {{.SprintID}}
Repository path: {{or .RepoPath "(default)"}}
Commit activity lookback: {{.Days}} days

Instructions:
1. Fetch the sprint details
2. Get all work items for this sprint
3. Get commit activity data
4. Get the sprint analytics report
5. Generate a full report with velocity, health, retrospective
6. Store the summary and retrospective back to the sprint using mal_update_sprint{{end}}

{{define "next-steps"}}Generate prioritized next step suggestions for the team.

User ID: {{or .UserID "(all team)"}}
Sprint ID: {{or .SprintID "(active sprint)"}}

Instructions:
1. Check active sprints
2. List open/in-progress work items
3. Review recent interactions for pending decisions
4. Check commit activity patterns
5. Generate 5-10 specific, actionable suggestions ranked by priority
6. Each suggestion must reference real data (item IDs, sprint names, etc.){{end}}

{{define "score-contribution"}}Score this contribution and award XP.

User ID: {{.UserID}}
Contribution type: {{.ContributionType}}
Reference ID: {{or .ReferenceID "(none)"}}
Metadata: {{json .Metadata}}

Instructions:
1. Calculate XP using the scoring rules
2. Log the contribution with mal_log_contribution
3. Check if any achievements should unlock
4. Return: XP awarded, new total XP, level, streak, and any achievements unlocked{{end}}

{{define "code-review"}}Review this {{or .Kind "catalog entry"}}{{if .Name}} "{{.Name}}"{{end}}.
{{if .Focus}}
Focus: {{.Focus}}
{{end}}{{if .Content}}
--- CONTENT ---
{{.Content}}
--- END ---
{{end}}
Instructions:
1. If no content is given, find the entry with mal_search_catalog and read it with mal_get_skill_content
2. Compare it with related catalog entries
3. Check the audit log for recent changes
4. Report findings ordered by severity, each with a concrete fix
5. Finish with an overall verdict{{end}}

{{define "daily-summary"}}Generate the team's daily summary for {{.Date}}.

Repository path: {{or .RepoPath "(default)"}}

Instructions:
1. Get the last day of commit activity
2. List work items that moved and recent interactions
3. Check active sprint progress and the leaderboard
4. Write the digest: highlights, completed, in progress, blockers, sprint progress, top contributors{{end}}
`))

// agentEndpoint maps a REST route to an agent variant and a prompt builder.
type agentEndpoint struct {
	path   string
	agent  string
	prompt func(s *Server, w http.ResponseWriter, r *http.Request) (string, error)
}

func (s *Server) registerAgentRoutes(mux *http.ServeMux) {
	endpoints := []agentEndpoint{
		{"/api/analyze-interaction", agent.InteractionAnalyzer, analyzeInteractionPrompt},
		{"/api/sprint-report", agent.SprintReporter, sprintReportPrompt},
		{"/api/next-steps", agent.NextStepsAgent, nextStepsPrompt},
		{"/api/score-contribution", agent.ContributionScorer, scoreContributionPrompt},
		{"/api/code-review", agent.CodeReviewer, codeReviewPrompt},
		{"/api/daily-summary", agent.DailySummaryAgent, dailySummaryPrompt},
	}
	for _, ep := range endpoints {
		ep := ep
		mux.HandleFunc("POST "+ep.path, func(w http.ResponseWriter, r *http.Request) {
			prompt, err := ep.prompt(s, w, r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, s.runAgent(r, ep.agent, prompt))
		})
	}
}

// runAgent runs one variant to completion without streaming or confirmation.
func (s *Server) runAgent(r *http.Request, name, prompt string) agentResponse {
	resp := agentResponse{Agent: name}
	if _, err := s.runner.Agents().Get(name); err != nil {
		resp.Result = fmt.Sprintf("Error: %s agent is not available. Check server logs.", name)
		resp.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
		return resp
	}
	out, err := s.runner.Run(r.Context(), name, prompt)
	resp.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "agent run failed", "agent", name, "error", err)
		resp.Result = fmt.Sprintf("Error running %s: %v", name, err)
		return resp
	}
	resp.Result = out
	return resp
}

func renderPrompt(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := agentPrompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func requireFields(fields ...[2]string) error {
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func analyzeInteractionPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req analyzeInteractionRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if err := requireFields([2]string{"user_id", req.UserID}, [2]string{"session_id", req.SessionID}); err != nil {
		return "", err
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("messages must not be empty")
	}
	return renderPrompt("analyze-interaction", req)
}

func sprintReportPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req sprintReportRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if err := requireFields([2]string{"sprint_id", req.SprintID}); err != nil {
		return "", err
	}
	if req.Days <= 0 {
		req.Days = 14
	}
	return renderPrompt("sprint-report", req)
}

func nextStepsPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req nextStepsRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		return "", err
	}
	return renderPrompt("next-steps", req)
}

func scoreContributionPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req scoreContributionRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if err := requireFields([2]string{"user_id", req.UserID}, [2]string{"contribution_type", req.ContributionType}); err != nil {
		return "", err
	}
	if !contributionTypes[req.ContributionType] {
		return "", fmt.Errorf("contribution_type must be one of commit, interaction, work_item, review, sprint")
	}
	return renderPrompt("score-contribution", req)
}

func codeReviewPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req codeReviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Name) == "" && strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("name or content is required")
	}
	return renderPrompt("code-review", req)
}

func dailySummaryPrompt(s *Server, w http.ResponseWriter, r *http.Request) (string, error) {
	var req dailySummaryRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		return "", err
	}
	if req.Date == "" {
		req.Date = s.now().UTC().Format(time.DateOnly)
	}
	return renderPrompt("daily-summary", req)
}

// decodeOptionalBody decodes a body that may be empty.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := decodeBody(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
