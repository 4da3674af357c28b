package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobStatus represents the current state of a scheduled job
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

const (
	defaultMaxConcurrent = 2
	defaultRetryDelay    = 30 * time.Second
)

// Job is a recurring housekeeping task
type Job struct {
	ID         string
	Name       string
	Schedule   string
	LastRun    time.Time
	NextRun    time.Time
	Status     JobStatus
	Error      error
	RetryCount int
	MaxRetries int
	CronID     cron.EntryID
	Run        func(context.Context) error
}

// Scheduler runs housekeeping jobs on cron schedules, off the round loop
type Scheduler struct {
	cron       *cron.Cron
	jobs       map[string]*Job
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *SchedulerMetrics
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
}

// SchedulerMetrics tracks scheduler performance
type SchedulerMetrics struct {
	JobsScheduled  int64
	JobsCompleted  int64
	JobsFailed     int64
	AverageLatency time.Duration
	LastUpdate     time.Time
	mu             sync.RWMutex
}

// SchedulerStats is a snapshot of SchedulerMetrics
type SchedulerStats struct {
	JobsScheduled  int64
	JobsCompleted  int64
	JobsFailed     int64
	AverageLatency time.Duration
	LastUpdate     time.Time
}

type Option func(*Scheduler)

// WithRetryDelay sets the pause between attempts of a failing job
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.retryDelay = d
	}
}

// NewScheduler creates a new scheduler instance
func NewScheduler(logger *zap.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:       cron.New(),
		jobs:       make(map[string]*Job),
		retryDelay: defaultRetryDelay,
		logger:     logger,
		metrics:    &SchedulerMetrics{},
		workerPool: make(chan struct{}, defaultMaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler", zap.Int("jobs", len(s.ListJobs())))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// Schedule adds a new job to the scheduler
func (s *Scheduler) Schedule(job *Job) error {
	if err := validateJob(job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	cronID, err := s.cron.AddFunc(job.Schedule, func() {
		s.execute(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("scheduling job: %w", err)
	}

	job.CronID = cronID
	job.Status = JobStatusPending
	job.NextRun = s.cron.Entry(cronID).Next
	s.jobs[job.ID] = job

	s.metrics.mu.Lock()
	s.metrics.JobsScheduled++
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()

	s.logger.Info("Job scheduled",
		zap.String("jobID", job.ID),
		zap.String("schedule", job.Schedule))

	return nil
}

// Unschedule removes a job from the scheduler
func (s *Scheduler) Unschedule(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s not found", jobID)
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Job unscheduled", zap.String("jobID", jobID))
	return nil
}

// GetJob retrieves a job by ID
func (s *Scheduler) GetJob(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

// ListJobs returns all scheduled jobs
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// RunNow executes a scheduled job immediately and waits for it
func (s *Scheduler) RunNow(jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	s.execute(s.ctx, job)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return job.Error
}

// GetSchedulerStats returns current scheduler statistics
func (s *Scheduler) GetSchedulerStats() SchedulerStats {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return SchedulerStats{
		JobsScheduled:  s.metrics.JobsScheduled,
		JobsCompleted:  s.metrics.JobsCompleted,
		JobsFailed:     s.metrics.JobsFailed,
		AverageLatency: s.metrics.AverageLatency,
		LastUpdate:     s.metrics.LastUpdate,
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	select {
	case s.workerPool <- struct{}{}:
		defer func() { <-s.workerPool }()
	case <-ctx.Done():
		return
	}

	start := time.Now()

	s.mu.Lock()
	job.Status = JobStatusRunning
	job.LastRun = start
	s.mu.Unlock()

	err := s.runWithRetries(ctx, job)

	s.mu.Lock()
	s.metrics.mu.Lock()
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err
		s.metrics.JobsFailed++
	} else {
		job.Status = JobStatusComplete
		job.Error = nil
		s.metrics.JobsCompleted++
	}
	job.NextRun = s.cron.Entry(job.CronID).Next
	s.metrics.AverageLatency = (s.metrics.AverageLatency*9 + time.Since(start)) / 10
	s.metrics.LastUpdate = time.Now()
	s.metrics.mu.Unlock()
	s.mu.Unlock()

	s.logger.Info("Job execution completed",
		zap.String("jobID", job.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
}

func (s *Scheduler) runWithRetries(ctx context.Context, job *Job) error {
	var lastErr error

	for attempt := 0; attempt <= job.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := job.Run(ctx); err != nil {
			lastErr = err
			s.mu.Lock()
			job.RetryCount = attempt
			s.mu.Unlock()
			s.logger.Warn("Job execution failed",
				zap.String("jobID", job.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}

	return fmt.Errorf("job failed after %d retries: %w", job.MaxRetries, lastErr)
}

func validateJob(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job schedule cannot be empty")
	}
	if job.Run == nil {
		return fmt.Errorf("job function cannot be nil")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
