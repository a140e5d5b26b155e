// Package scheduler runs BlastFlow's wall-clock jobs, chiefly the daily full
// reset. Uses robfig/cron for cron expression parsing and execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages scheduled jobs using cron expressions.
type Scheduler struct {
	// jobs stores registered jobs indexed by ID.
	jobs map[string]*Job

	// cron is the real cron scheduler from robfig/cron.
	cron *cron.Cron

	// cronIDs maps job IDs to their cron entry IDs for removal.
	cronIDs map[string]cron.EntryID

	// runningJobs tracks which jobs are currently executing so a fire that
	// overlaps the previous run is skipped.
	runningJobs map[string]bool

	// handler is called when a job triggers.
	handler JobHandler

	// jobTimeout bounds a single execution.
	jobTimeout time.Duration

	location *time.Location

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Job is a scheduled task.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id" yaml:"id"`

	// Schedule is a standard 5-field cron expression or a descriptor such
	// as @daily or @every 5m.
	Schedule string `json:"schedule" yaml:"schedule"`

	// Enabled indicates if the job is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// LastRunAt is the last execution timestamp.
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`

	// LastError contains the error from the last run, if any.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// RunCount tracks how many times the job has executed.
	RunCount int `json:"run_count" yaml:"run_count"`

	// LastRunDuration is how long the last execution took.
	LastRunDuration time.Duration `json:"last_run_duration,omitempty" yaml:"last_run_duration,omitempty"`
}

// JobInfo is a snapshot of a job for status reporting.
type JobInfo struct {
	ID        string     `json:"id"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	RunCount  int        `json:"run_count"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// JobHandler is called when a job fires.
type JobHandler func(ctx context.Context, job *Job) error

// New creates a new Scheduler. loc may be nil for the local zone.
func New(handler JobHandler, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}

	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		handler:     handler,
		jobTimeout:  5 * time.Minute,
		location:    loc,
		logger:      logger.With("component", "scheduler"),
	}
}

// LoadLocation resolves an IANA zone name; empty means local time.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}

// ValidateSchedule reports whether expr is a valid schedule.
func ValidateSchedule(expr string) error {
	if _, err := newParser().Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Add registers a new job in the scheduler.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	job.CreatedAt = time.Now()

	// Register with cron if running and job is enabled.
	if s.cron != nil && job.Enabled {
		if err := s.scheduleCronJob(job); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}

	s.jobs[job.ID] = job

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

func (s *Scheduler) get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// List returns a snapshot of all jobs ordered by ID.
func (s *Scheduler) List() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			ID:        j.ID,
			Schedule:  j.Schedule,
			Enabled:   j.Enabled,
			RunCount:  j.RunCount,
			LastRunAt: j.LastRunAt,
			LastError: j.LastError,
		}
		if entryID, ok := s.cronIDs[j.ID]; ok && s.cron != nil {
			if next := s.cron.Entry(entryID).Next; !next.IsZero() {
				info.NextRunAt = &next
			}
		}
		result = append(result, info)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result
}

// Start creates the cron runner and registers enabled jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(newParser()), cron.WithLocation(s.location))

	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleCronJob(job); err != nil {
			s.logger.Warn("skipping job with invalid schedule",
				"id", job.ID, "schedule", job.Schedule, "error", err)
		}
	}

	s.cron.Start()

	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"cron_entries", len(s.cron.Entries()),
		"timezone", s.location.String(),
	)
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	c := s.cron
	s.mu.RUnlock()

	if c != nil {
		ctx := c.Stop()
		// Wait for running jobs to finish (with timeout).
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// RunNow executes a job immediately, outside its schedule, and waits for it.
// Overlapping or too-frequent runs are skipped like scheduled fires.
func (s *Scheduler) RunNow(jobID string) error {
	job, ok := s.get(jobID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	s.executeJob(job)
	return nil
}

// ---------- Internal ----------

// scheduleCronJob registers a job with the cron runner. Caller holds s.mu.
func (s *Scheduler) scheduleCronJob(job *Job) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return err
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

// minJobInterval is the minimum time between consecutive executions of the
// same job.
const minJobInterval = 2 * time.Second

// executeJob runs a job through the handler. Overlapping and too-frequent
// fires are skipped, panics are recovered and each run is bounded by
// jobTimeout.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return
	}
	s.runningJobs[job.ID] = true
	parent := s.ctx
	s.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}

	start := time.Now()
	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		if r := recover(); r != nil {
			job.LastError = fmt.Sprintf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}
		s.mu.Unlock()
	}()

	s.logger.Info("executing scheduled job", "id", job.ID)

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	var err error
	if s.handler != nil {
		err = s.handler(ctx, job)
	}

	now := time.Now()
	s.mu.Lock()
	job.LastRunAt = &now
	job.RunCount++
	job.LastRunDuration = now.Sub(start)
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err)
		return
	}
	s.logger.Info("scheduled job completed", "id", job.ID, "duration", job.LastRunDuration.Round(time.Millisecond))
}
