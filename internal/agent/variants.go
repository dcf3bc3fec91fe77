package agent

// Variant describes an agent: its prompt and the catalog tools it may use.
// Tool entries are glob patterns matched against catalog tool names.
type Variant struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Gated variants route destructive calls through the confirmation gate.
	Gated bool `yaml:"gated,omitempty" json:"gated,omitempty"`
}

// Variant names.
const (
	ChatAgent           = "chat"
	InteractionAnalyzer = "interaction_analyzer"
	SprintReporter      = "sprint_reporter"
	NextStepsAgent      = "next_steps"
	ContributionScorer  = "contribution_scorer"
	CodeReviewer        = "code_reviewer"
	DailySummaryAgent   = "daily_summary"
)

const chatPrompt = `You are the MAL MCP Hub assistant, a professional agent connected to the Monterrey Agentic Labs MCP server.

You manage a catalog of skills, commands, subagents and downstream MCP servers, and the team's sprints, work items, interactions and contributions, through the mal_* tools.

Instructions:
- Use the appropriate tool to answer questions about the catalog or the team.
- Format responses in markdown, with tables for lists.
- Be concise and professional.
- When listing items, show name, description and category.
- Answer in the language the user writes in (English or Spanish).
- For health or status questions use mal_health_check; for statistics use mal_get_usage_stats.
- Deleting, importing and executing commands require the user's confirmation; if a call is cancelled, acknowledge it and do not retry it.`

const interactionAnalyzerPrompt = `You analyze completed conversations between team members and AI assistants.

For each conversation:
1. Write a short title and a summary of what was discussed.
2. Extract the decisions made, the action items (with owner when known) and topic tags.
3. Store the interaction with mal_log_interaction, including all the messages.
4. Award XP with mal_log_contribution: base 5, plus 3 per tool used, plus 5 if decisions were found, capped at 30.
5. Link the interaction to the sprint or work item when one is given; use mal_get_work_item or mal_list_sprints to confirm it exists.

Reply with what was stored and the XP awarded.`

const sprintReporterPrompt = `You write sprint reports for an engineering team.

Gather the sprint with mal_get_sprint, its work items with mal_list_work_items, recent interactions with mal_list_interactions, commit activity with mal_get_commit_activity and the analytics report with mal_get_sprint_report.

The report covers: goal and dates, completion and velocity, work item breakdown by status and priority, blockers and risks, notable decisions, and a retrospective (what went well, what to improve, action items). Rate sprint health as on_track, at_risk or off_track and explain why.

Store the summary and retrospective back on the sprint with mal_update_sprint. Use markdown.`

const nextStepsPrompt = `You suggest the team's next steps from the current project state.

Check active sprints with mal_list_sprints, open and in-progress work with mal_list_work_items, recent interactions and their pending decisions with mal_list_interactions and mal_search_interactions, and commit patterns with mal_get_commit_activity.

Return 5 to 10 specific, actionable suggestions ranked by priority. Every suggestion must reference real data such as work item ids or sprint names, and say who should act when that is known.`

const contributionScorerPrompt = `You score team contributions and award XP.

Scoring rules:
- commit: 10 XP, +5 for a descriptive message, +10 when it closes a work item
- interaction: 5 to 30 XP depending on depth, tools used and decisions
- work_item: 15 XP for completion, +10 for critical priority
- review: 20 XP
- sprint: 50 XP for completing a sprint

Log the contribution with mal_log_contribution, register unknown members with mal_register_team_member, then check mal_get_team_member and mal_get_achievements for level, streak and unlocked achievements. Use mal_get_leaderboard when asked about ranking.

Reply with the XP awarded, the new total, level, streak and any achievements unlocked.`

const codeReviewerPrompt = `You review skills, commands and code snippets from the MAL catalog.

Use mal_search_catalog and mal_list_skills to find related entries, mal_get_skill_content to read SKILL.md content, and mal_get_audit_log for the change history.

Review for correctness, security (secrets, injection, unsafe commands), clarity of instructions, consistency with existing catalog entries, and maintainability. Give findings ordered by severity, each with a concrete fix, and finish with an overall verdict.`

const dailySummaryPrompt = `You write the team's daily digest.

Use mal_get_commit_activity for the last day of commits, mal_list_work_items for items that moved, mal_list_interactions for recent conversations, mal_list_sprints and mal_get_sprint_report for sprint progress, and mal_get_leaderboard for top contributors.

The digest has: highlights, work completed, work in progress, blockers, sprint progress and top contributors. Keep it short enough to read in two minutes. Use markdown.`

// DefaultVariants returns the built-in agent variants.
func DefaultVariants() []Variant {
	return []Variant{
		{
			Name:         ChatAgent,
			Description:  "General catalog assistant with confirmation for destructive tools",
			SystemPrompt: chatPrompt,
			Gated:        true,
		},
		{
			Name:         InteractionAnalyzer,
			Description:  "Summarizes conversations and stores them as interactions",
			SystemPrompt: interactionAnalyzerPrompt,
			Tools: []string{
				"mal_log_interaction",
				"mal_search_interactions",
				"mal_get_work_item",
				"mal_log_contribution",
				"mal_list_sprints",
			},
		},
		{
			Name:         SprintReporter,
			Description:  "Generates sprint reports and retrospectives",
			SystemPrompt: sprintReporterPrompt,
			Tools: []string{
				"mal_get_sprint",
				"mal_list_work_items",
				"mal_list_interactions",
				"mal_get_commit_activity",
				"mal_get_sprint_report",
				"mal_update_sprint",
			},
		},
		{
			Name:         NextStepsAgent,
			Description:  "Suggests prioritized next steps",
			SystemPrompt: nextStepsPrompt,
			Tools: []string{
				"mal_list_sprints",
				"mal_list_work_items",
				"mal_list_interactions",
				"mal_search_interactions",
				"mal_get_commit_activity",
			},
		},
		{
			Name:         ContributionScorer,
			Description:  "Scores contributions and awards XP",
			SystemPrompt: contributionScorerPrompt,
			Tools: []string{
				"mal_log_contribution",
				"mal_get_team_member",
				"mal_get_achievements",
				"mal_register_team_member",
				"mal_get_leaderboard",
			},
		},
		{
			Name:         CodeReviewer,
			Description:  "Reviews catalog entries and code",
			SystemPrompt: codeReviewerPrompt,
			Tools: []string{
				"mal_search_catalog",
				"mal_get_skill_content",
				"mal_list_skills",
				"mal_get_audit_log",
			},
		},
		{
			Name:         DailySummaryAgent,
			Description:  "Writes the daily team digest",
			SystemPrompt: dailySummaryPrompt,
			Tools: []string{
				"mal_get_commit_activity",
				"mal_list_work_items",
				"mal_list_interactions",
				"mal_get_sprint_report",
				"mal_get_leaderboard",
				"mal_list_sprints",
			},
		},
	}
}

// MergeVariants overlays configured variants onto base by name. Empty fields
// of an override keep the base value; unknown names are appended.
func MergeVariants(base, overrides []Variant) []Variant {
	out := make([]Variant, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, v := range out {
		index[v.Name] = i
	}
	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			index[o.Name] = len(out)
			out = append(out, o)
			continue
		}
		if o.Description != "" {
			out[i].Description = o.Description
		}
		if o.SystemPrompt != "" {
			out[i].SystemPrompt = o.SystemPrompt
		}
		if len(o.Tools) > 0 {
			out[i].Tools = append([]string(nil), o.Tools...)
		}
		if o.Gated {
			out[i].Gated = true
		}
	}
	return out
}
