package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const stoppedByOperator = "stopped by operator"

type CreateJobRequest struct {
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Payload       string     `json:"payload"`
	Priority      Priority   `json:"priority"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	MaxRetries    *int       `json:"max_retries"`
}

type JobService struct {
	store             Store
	publisher         Publisher
	notifier          Notifier
	defaultMaxRetries int
	logger            *slog.Logger
}

func NewJobService(store Store, publisher Publisher, notifier Notifier, defaultMaxRetries int, logger *slog.Logger) *JobService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:             store,
		publisher:         publisher,
		notifier:          notifier,
		defaultMaxRetries: defaultMaxRetries,
		logger:            logger.With("component", "jobs"),
	}
}

func (s *JobService) Create(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidInput)
	}
	if req.Priority != PriorityRegular && req.Priority != PriorityHigh {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidInput, req.Priority)
	}

	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must be non-negative", ErrInvalidInput)
		}
		maxRetries = *req.MaxRetries
	}

	job := &Job{
		Name:        strings.TrimSpace(req.Name),
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      JobStatusPending,
		MaxRetries:  maxRetries,
		CreatedTime: now(),
	}
	if req.ScheduledTime != nil {
		t := req.ScheduledTime.UTC()
		job.ScheduledTime = &t
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job created", "job_id", job.ID, "type", job.Type, "priority", job.Priority.String())
	s.notifier.JobsChanged([]int64{job.ID})
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) List(ctx context.Context, f JobFilter) ([]*Job, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	return s.store.ListJobs(ctx, f)
}

// Delete removes a job that reached a terminal state.
func (s *JobService) Delete(ctx context.Context, id int64) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return ErrJobNotTerminal
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.notifier.JobsChanged([]int64{id})
	return nil
}

// UpdateProgress applies a progress report from the worker that holds the
// job. Reports lower than the stored value are ignored.
func (s *JobService) UpdateProgress(ctx context.Context, jobID int64, workerID string, progress int) error {
	if progress < 0 || progress > 100 {
		return ErrInvalidProgress
	}
	if err := s.store.UpdateJobProgress(ctx, jobID, workerID, progress); err != nil {
		return err
	}
	s.notifier.JobsChanged([]int64{jobID})
	return nil
}

// ReportResult closes an execution attempt reported by a worker. A retry
// request past the retry budget is recorded as a failure.
func (s *JobService) ReportResult(ctx context.Context, report JobReport) (*Job, error) {
	switch report.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusRetrying:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, report.Status)
	}

	job, err := s.store.GetJob(ctx, report.JobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedWorker != report.WorkerID {
		return nil, ErrStaleAssignment
	}

	status := report.Status
	if status == JobStatusRetrying && !job.CanRetry() {
		status = JobStatusFailed
	}

	endedAt := now()
	job.Status = status
	job.EndTime = &endedAt
	job.AssignedWorker = ""
	switch status {
	case JobStatusCompleted:
		job.Progress = 100
		job.ErrorMessage = ""
	default:
		job.ErrorMessage = report.ErrorMessage
		if job.ErrorMessage == "" {
			job.ErrorMessage = "job failed without an error message"
		}
	}

	if err := s.store.FinishJob(ctx, job, report.WorkerID); err != nil {
		return nil, err
	}

	level, msg := "info", "completed"
	if status != JobStatusCompleted {
		level, msg = "error", fmt.Sprintf("%s: %s", status, job.ErrorMessage)
	}
	appendLog(ctx, s.store, s.logger, job.ID, report.WorkerID, level, msg)

	s.logger.Info("job result recorded", "job_id", job.ID, "worker_id", report.WorkerID, "status", status)
	s.notifier.JobsChanged([]int64{job.ID})
	s.notifier.WorkersChanged([]string{report.WorkerID})
	if status.Terminal() {
		s.notifier.JobFinished(job)
	}
	return job, nil
}

// Release hands an assignment the worker refused back to the queue. The
// job returns to pending without using a retry.
func (s *JobService) Release(ctx context.Context, jobID int64, workerID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AssignedWorker != workerID || job.Status != JobStatusInProgress {
		return nil, ErrStaleAssignment
	}

	if err := s.store.ReleaseAssignment(ctx, job, &WorkerNode{ID: workerID}); err != nil {
		if errors.Is(err, ErrJobChanged) {
			return nil, ErrStaleAssignment
		}
		return nil, err
	}
	appendLog(ctx, s.store, s.logger, job.ID, workerID, "warn", "assignment refused by worker")

	s.logger.Info("assignment released", "job_id", job.ID, "worker_id", workerID)
	s.notifier.JobsChanged([]int64{job.ID})
	s.notifier.WorkersChanged([]string{workerID})
	return s.store.GetJob(ctx, jobID)
}

// Stop asks the worker running the job to cancel it and records the job as
// failed. The cancel itself is advisory on the worker side.
func (s *JobService) Stop(ctx context.Context, id int64) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusInProgress || job.AssignedWorker == "" {
		return nil, ErrJobNotRunning
	}
	workerID := job.AssignedWorker

	msg := &ControlMessage{Type: ControlStopJob, JobID: job.ID}
	if err := s.publisher.Publish(ctx, WorkerTopic(workerID), msg); err != nil {
		return nil, fmt.Errorf("failed to publish stop: %w", err)
	}

	endedAt := now()
	job.Status = JobStatusFailed
	job.ErrorMessage = stoppedByOperator
	job.EndTime = &endedAt
	job.AssignedWorker = ""
	if err := s.store.FinishJob(ctx, job, workerID); err != nil {
		return nil, err
	}

	appendLog(ctx, s.store, s.logger, job.ID, workerID, "warn", stoppedByOperator)
	s.logger.Info("job stopped", "job_id", job.ID, "worker_id", workerID)
	s.notifier.JobsChanged([]int64{job.ID})
	s.notifier.WorkersChanged([]string{workerID})
	s.notifier.JobFinished(job)
	return job, nil
}

// Restart re-runs a job. A running job is restarted in place on its
// worker; any other job goes back to the queue as pending.
func (s *JobService) Restart(ctx context.Context, id int64) (*Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := job.Status

	if job.Status == JobStatusInProgress && job.AssignedWorker != "" {
		msg := &ControlMessage{Type: ControlRestartJob, JobID: job.ID}
		if err := s.publisher.Publish(ctx, WorkerTopic(job.AssignedWorker), msg); err != nil {
			return nil, fmt.Errorf("failed to publish restart: %w", err)
		}
		startedAt := now()
		job.Progress = 0
		job.ErrorMessage = ""
		job.StartTime = &startedAt
		job.EndTime = nil
	} else {
		job.Status = JobStatusPending
		job.Progress = 0
		job.ErrorMessage = ""
		job.AssignedWorker = ""
		job.StartTime = nil
		job.EndTime = nil
	}

	if err := s.store.UpdateJob(ctx, job, expected); err != nil {
		return nil, err
	}

	appendLog(ctx, s.store, s.logger, job.ID, job.AssignedWorker, "info", "restarted by operator")
	s.logger.Info("job restarted", "job_id", job.ID, "in_place", job.Status == JobStatusInProgress)
	s.notifier.JobsChanged([]int64{job.ID})
	return job, nil
}

func (s *JobService) Logs(ctx context.Context, id int64) ([]*ExecutionLog, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.JobLogs(ctx, id)
}

func (s *JobService) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{
		Pending:    counts[JobStatusPending],
		Scheduled:  counts[JobStatusScheduled],
		InProgress: counts[JobStatusInProgress],
		Retrying:   counts[JobStatusRetrying],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
	}
	for _, c := range counts {
		stats.Total += c
	}
	return stats, nil
}
