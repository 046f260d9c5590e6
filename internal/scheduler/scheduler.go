// Package scheduler runs the periodic maintenance jobs of the service on
// an in-process cron: reconciliation polling and pending-login expiry.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

type jobEntry struct {
	name      string
	schedule  string
	handler   JobFunc
	cronID    cron.EntryID
	isRunning bool
	lastRun   *time.Time
	lastError string
}

// JobStatus is a snapshot of one registered job
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped scheduler. Each job run gets a context bounded
// by timeout.
func New(timeout time.Duration, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		timeout: timeout,
		jobs:    make(map[string]*jobEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Every formats d as a cron "@every" schedule
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// RegisterJob adds a job under a unique name
func (s *Scheduler) RegisterJob(name, schedule string, handler JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{name: name, schedule: schedule, handler: handler}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, name, err)
	}
	entry.cronID = id
	s.jobs[name] = entry

	s.logger.Info().Str("job_name", name).Str("schedule", schedule).Msg("Job registered")
	return nil
}

// Start begins firing registered jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts the cron and waits for in-flight jobs, which see their
// context cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	if wasRunning {
		s.logger.Info().Msg("Scheduler stopped")
	}
}

// RunNow executes a job synchronously, outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.execute(name)
}

// execute runs a job unless a previous run is still going
func (s *Scheduler) execute(name string) error {
	s.mu.Lock()
	entry, ok := s.jobs[name]
	if !ok || entry.isRunning {
		s.mu.Unlock()
		if ok {
			s.logger.Debug().Str("job_name", name).Msg("Skipping job, previous run still active")
		}
		return nil
	}
	entry.isRunning = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	started := time.Now().UTC()
	err := entry.handler(ctx)
	cancel()

	s.mu.Lock()
	entry.isRunning = false
	entry.lastRun = &started
	entry.lastError = ""
	if err != nil {
		entry.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job_name", name).Msg("Job failed")
		return err
	}
	s.logger.Debug().Str("job_name", name).Dur("duration", time.Since(started)).Msg("Job completed")
	return nil
}

// Jobs returns the status of every job, sorted by name
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		status := JobStatus{
			Name:      e.name,
			Schedule:  e.schedule,
			Running:   e.isRunning,
			LastRun:   e.lastRun,
			LastError: e.lastError,
		}
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
