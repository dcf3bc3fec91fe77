package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var defaultRunTimeout = 10 * time.Minute

// Scheduler runs agent jobs on their cron schedules. Runs of the same job
// never overlap; a tick that fires while the previous run is still going is
// skipped.
type Scheduler struct {
	runner     AgentRunner
	logger     *slog.Logger
	executions *ExecutionStore
	now        func() time.Time
	runTimeout time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	baseCtx context.Context
	started bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRunTimeout bounds each job run. Default: 10m
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithExecutionStore replaces the execution history store.
func WithExecutionStore(store *ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executions = store
		}
	}
}

// NewScheduler creates a scheduler that runs jobs through runner.
func NewScheduler(runner AgentRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:     runner,
		logger:     slog.Default().With("component", "cron"),
		executions: NewExecutionStore(0),
		now:        time.Now,
		runTimeout: defaultRunTimeout,
		jobs:       make(map[string]*Job),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cronLogger := slogCronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return s
}

// Add registers a job. Its schedule must already be parsed by NewSchedule.
func (s *Scheduler) Add(job Job) error {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return errors.New("job id required")
	}
	if strings.TrimSpace(job.Agent) == "" {
		return fmt.Errorf("job %s: agent required", job.ID)
	}
	if job.Schedule.parsed == nil {
		return fmt.Errorf("job %s: schedule required", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	stored := job
	stored.NextRun = job.Schedule.Next(s.now())
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)

	id := job.ID
	s.cron.Schedule(job.Schedule.parsed, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if _, err := s.RunJob(ctx, id); err != nil {
			s.logger.Warn("scheduled job failed", "job", id, "error", err)
		}
	}))
	s.logger.Info("job scheduled", "job", job.ID, "agent", job.Agent, "cron", job.Schedule.CronExpr, "next_run", stored.NextRun)
	return nil
}

// Start begins running jobs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns a snapshot of the registered jobs in registration order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Latest returns the most recent execution of jobID.
func (s *Scheduler) Latest(jobID string) (*JobExecution, bool) {
	return s.executions.Latest(jobID)
}

// Executions returns the execution history of jobID, newest first.
func (s *Scheduler) Executions(jobID string) []*JobExecution {
	return s.executions.List(jobID)
}

// RunJob executes a job immediately and records the execution.
func (s *Scheduler) RunJob(ctx context.Context, id string) (*JobExecution, error) {
	s.mu.Lock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("job %q not found", id)
	}
	agentName, prompt := job.Agent, job.Prompt
	started := s.now()
	job.LastRun = started
	s.mu.Unlock()

	exec := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     id,
		Agent:     agentName,
		Status:    ExecutionRunning,
		StartedAt: started,
	}
	s.logger.Info("job started", "job", id, "agent", agentName, "execution", exec.ID)

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	output, err := s.runner.Run(runCtx, agentName, prompt)
	cancel()

	exec.CompletedAt = s.now()
	exec.Duration = exec.CompletedAt.Sub(started)
	if err != nil {
		exec.Status = ExecutionFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecutionSucceeded
		exec.Output = output
	}
	s.executions.Record(exec)

	s.mu.Lock()
	job.LastError = exec.Error
	job.NextRun = job.Schedule.Next(exec.CompletedAt)
	s.mu.Unlock()

	if err != nil {
		return exec, fmt.Errorf("job %s: %w", id, err)
	}
	s.logger.Info("job finished", "job", id, "agent", agentName, "duration", exec.Duration, "output_length", len(output))
	return exec, nil
}

// slogCronLogger routes robfig/cron's internal logging to slog.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
