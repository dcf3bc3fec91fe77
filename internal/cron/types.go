// Package cron runs agent variants on a schedule and keeps their results.
package cron

import (
	"context"
	"time"
)

// DailySummaryJobID identifies the scheduled daily summary.
const DailySummaryJobID = "daily_summary"

// Job runs one agent variant on a schedule.
type Job struct {
	ID       string
	Agent    string
	Prompt   string
	Schedule Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// AgentRunner executes an agent variant to completion. *agent.Runner
// satisfies it.
type AgentRunner interface {
	Run(ctx context.Context, agentName, prompt string) (string, error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentName, prompt string) (string, error)

// Run executes the agent runner function.
func (f AgentRunnerFunc) Run(ctx context.Context, agentName, prompt string) (string, error) {
	return f(ctx, agentName, prompt)
}
