package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSchedule(t *testing.T, expr, tz string) Schedule {
	t.Helper()
	s, err := NewSchedule(expr, tz)
	if err != nil {
		t.Fatalf("NewSchedule(%q) error = %v", expr, err)
	}
	return s
}

func TestNewSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		tz      string
		wantErr bool
	}{
		{"standard", "0 9 * * 1-5", "", false},
		{"with seconds", "30 0 9 * * *", "", false},
		{"descriptor", "@daily", "", false},
		{"timezone", "0 9 * * *", "America/Monterrey", false},
		{"empty", "  ", "", true},
		{"garbage", "every morning", "", true},
		{"bad timezone", "0 9 * * *", "Mars/Olympus", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.expr, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleNextHonorsTimezone(t *testing.T) {
	s := mustSchedule(t, "0 9 * * *", "America/Monterrey")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	next := s.Next(now)

	loc, _ := time.LoadLocation("America/Monterrey")
	local := next.In(loc)
	if local.Hour() != 9 || local.Minute() != 0 {
		t.Fatalf("Next() = %s, want 09:00 in Monterrey", local)
	}
	if !next.After(now) {
		t.Fatalf("Next() = %s, not after %s", next, now)
	}
	if !(Schedule{}).Next(now).IsZero() {
		t.Fatal("zero schedule should have no next run")
	}
}

func TestSchedulerAddValidation(t *testing.T) {
	s := NewScheduler(AgentRunnerFunc(func(context.Context, string, string) (string, error) { return "", nil }), WithLogger(quietLogger()))
	sched := mustSchedule(t, "@daily", "")

	if err := s.Add(Job{Agent: "daily_summary", Schedule: sched}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := s.Add(Job{ID: "x", Schedule: sched}); err == nil {
		t.Error("expected error for missing agent")
	}
	if err := s.Add(Job{ID: "x", Agent: "daily_summary"}); err == nil {
		t.Error("expected error for missing schedule")
	}
	if err := s.Add(Job{ID: "x", Agent: "daily_summary", Schedule: sched}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(Job{ID: "x", Agent: "daily_summary", Schedule: sched}); err == nil {
		t.Error("expected error for duplicate id")
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].NextRun.IsZero() {
		t.Fatalf("Jobs() = %+v", jobs)
	}
}

func TestSchedulerRunJobRecordsExecutions(t *testing.T) {
	var prompts []string
	runner := AgentRunnerFunc(func(ctx context.Context, agentName, prompt string) (string, error) {
		prompts = append(prompts, agentName+": "+prompt)
		if len(prompts) == 2 {
			return "", errors.New("model unavailable")
		}
		return "## Daily digest", nil
	})
	s := NewScheduler(runner, WithLogger(quietLogger()))
	if err := s.Add(Job{ID: DailySummaryJobID, Agent: "daily_summary", Prompt: "Summarize today.", Schedule: mustSchedule(t, "@daily", "")}); err != nil {
		t.Fatal(err)
	}

	exec, err := s.RunJob(context.Background(), DailySummaryJobID)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if exec.Status != ExecutionSucceeded || exec.Output != "## Daily digest" || exec.Agent != "daily_summary" {
		t.Fatalf("execution = %+v", exec)
	}
	if prompts[0] != "daily_summary: Summarize today." {
		t.Errorf("prompt = %q", prompts[0])
	}

	exec, err = s.RunJob(context.Background(), DailySummaryJobID)
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("RunJob() error = %v", err)
	}
	if exec.Status != ExecutionFailed {
		t.Errorf("status = %s", exec.Status)
	}

	latest, ok := s.Latest(DailySummaryJobID)
	if !ok || latest.Status != ExecutionFailed {
		t.Fatalf("Latest() = %+v, %v", latest, ok)
	}
	if got := len(s.Executions(DailySummaryJobID)); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
	if s.Jobs()[0].LastError != "model unavailable" {
		t.Errorf("LastError = %q", s.Jobs()[0].LastError)
	}

	if _, err := s.RunJob(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	var runs atomic.Int32
	runner := AgentRunnerFunc(func(context.Context, string, string) (string, error) {
		runs.Add(1)
		return "ok", nil
	})
	s := NewScheduler(runner, WithLogger(quietLogger()))
	if err := s.Add(Job{ID: "tick", Agent: "daily_summary", Schedule: mustSchedule(t, "@every 1s", "")}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(50 * time.Millisecond):
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := s.Latest("tick"); !ok {
		t.Error("no execution recorded")
	}
}

func TestExecutionStoreLimit(t *testing.T) {
	store := NewExecutionStore(2)
	for i, id := range []string{"a", "b", "a"} {
		store.Record(&JobExecution{ID: string(rune('1' + i)), JobID: id})
	}
	all := store.List("")
	if len(all) != 2 || all[0].ID != "3" || all[1].ID != "2" {
		t.Fatalf("List() = %+v", all)
	}
	if got := store.List("a"); len(got) != 1 {
		t.Errorf("List(a) = %d entries", len(got))
	}
	latest, ok := store.Latest("a")
	if !ok || latest.ID != "3" {
		t.Errorf("Latest(a) = %+v", latest)
	}
	latest.Output = "mutated"
	if again, _ := store.Latest("a"); again.Output != "" {
		t.Error("Latest returned a shared pointer")
	}
}
