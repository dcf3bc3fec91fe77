package cron

import (
	"sync"
	"time"
)

// ExecutionStatus is the outcome of one scheduled run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// JobExecution is one run of a job: the agent's final reply or its error.
type JobExecution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Agent       string          `json:"agent"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ExecutionStore is a fixed-size ring of recent executions shared by all
// jobs. Once full, each new record overwrites the oldest. Callers get copies.
type ExecutionStore struct {
	mu   sync.RWMutex
	ring []JobExecution
	next int
	full bool
}

// NewExecutionStore keeps the last size executions. Default: 50
func NewExecutionStore(size int) *ExecutionStore {
	if size <= 0 {
		size = 50
	}
	return &ExecutionStore{ring: make([]JobExecution, size)}
}

// Record appends a copy of exec.
func (s *ExecutionStore) Record(exec *JobExecution) {
	if exec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = *exec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

// Latest returns the newest execution of jobID.
func (s *ExecutionStore) Latest(jobID string) (*JobExecution, bool) {
	var found *JobExecution
	s.each(func(e *JobExecution) bool {
		if e.JobID != jobID {
			return true
		}
		clone := *e
		found = &clone
		return false
	})
	return found, found != nil
}

// List returns executions newest first. An empty jobID lists every job.
func (s *ExecutionStore) List(jobID string) []*JobExecution {
	var out []*JobExecution
	s.each(func(e *JobExecution) bool {
		if jobID == "" || e.JobID == jobID {
			clone := *e
			out = append(out, &clone)
		}
		return true
	})
	return out
}

// each walks the ring newest first until fn returns false.
func (s *ExecutionStore) each(fn func(*JobExecution) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.next
	if s.full {
		n = len(s.ring)
	}
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		if !fn(&s.ring[idx]) {
			return
		}
	}
}
