// Package scheduler runs the periodic maintenance of the autoresponder
// (expired reply marks, old activity records) on robfig/cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is the body of a job. It returns how many records it affected.
type Task func(ctx context.Context) (int64, error)

// Job is a named task on a schedule.
type Job struct {
	// Name is the unique job identifier.
	Name string `json:"name"`

	// Schedule is a 5-field cron expression or descriptor
	// (@daily, @hourly, @every 1h, ...).
	Schedule string `json:"schedule"`

	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastAffected int64         `json:"last_affected"`
	LastError    string        `json:"last_error,omitempty"`
	RunCount     int           `json:"run_count"`

	task Task
}

// Scheduler manages maintenance jobs.
type Scheduler struct {
	jobs    map[string]*Job
	running map[string]bool
	cron    *cron.Cron

	// timeout bounds a single run.
	timeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		timeout: 5 * time.Minute,
		logger:  logger.With("component", "scheduler"),
		ctx:     context.Background(),
	}
}

// Add registers task under name. An empty schedule disables the job.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}
	job := &Job{Name: name, Schedule: schedule, task: task}
	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, func() { s.execute(job) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
		}
	}
	s.jobs[name] = job
	s.logger.Info("scheduler: job added", "name", name, "schedule", schedule)
	return nil
}

// List returns a snapshot of every job, sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		cp.task = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.execute(job)
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.LastError != "" {
		return fmt.Errorf("job %s: %s", name, job.LastError)
	}
	return nil
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler: started", "jobs", n, "cron_entries", len(s.cron.Entries()))
}

// Stop stops the schedules and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler: stop timed out")
	}
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("scheduler: skipping job, previous run still active", "name", job.Name)
		return
	}
	s.running[job.Name] = true
	parent := s.ctx
	s.mu.Unlock()

	start := time.Now()
	var (
		affected int64
		err      error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.mu.Lock()
		delete(s.running, job.Name)
		job.LastRunAt = start
		job.LastDuration = time.Since(start)
		job.LastAffected = affected
		job.RunCount++
		job.LastError = ""
		if err != nil {
			job.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("scheduler: job failed", "name", job.Name, "error", err)
			return
		}
		s.logger.Info("scheduler: job finished",
			"name", job.Name, "affected", affected, "duration", time.Since(start).Round(time.Millisecond))
	}()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	affected, err = job.task(ctx)
}
