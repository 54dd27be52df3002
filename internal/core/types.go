package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrWorkerOffline    = errors.New("worker is offline")
	ErrWorkerConflict   = errors.New("worker with this name is already active")
	ErrWorkerAtCapacity = errors.New("worker is at capacity")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotTerminal   = errors.New("job is not completed or failed")
	ErrJobNotRunning    = errors.New("job is not in progress")
	ErrJobNotAssignable = errors.New("job is not assignable")
	ErrJobChanged       = errors.New("job was modified concurrently")
	ErrStaleAssignment  = errors.New("job is not assigned to this worker")
	ErrInvalidProgress  = errors.New("progress must be between 0 and 100")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrInvalidInput     = errors.New("invalid input")
)

type Priority int

const (
	PriorityRegular Priority = 0
	PriorityHigh    Priority = 1
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "regular"
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusScheduled  JobStatus = "scheduled"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusInProgress,
		JobStatusRetrying, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
)

func (s WorkerStatus) Valid() bool {
	return s == WorkerStatusIdle || s == WorkerStatusBusy || s == WorkerStatusOffline
}

type ControlType string

const (
	ControlAssignJob  ControlType = "assign_job_to_worker"
	ControlStopJob    ControlType = "stop_job"
	ControlRestartJob ControlType = "restart_job"
)

type Job struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	Payload        string     `json:"payload,omitempty"`
	Priority       Priority   `json:"priority"`
	Status         JobStatus  `json:"status"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	Progress       int        `json:"progress"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	CreatedTime    time.Time  `json:"created_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

func (j *Job) Clone() *Job {
	c := *j
	c.ScheduledTime = cloneTime(j.ScheduledTime)
	c.StartTime = cloneTime(j.StartTime)
	c.EndTime = cloneTime(j.EndTime)
	return &c
}

// CanRetry reports whether a failed attempt still fits the retry budget.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

type WorkerNode struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Status           WorkerStatus `json:"status"`
	ConcurrencyLimit int          `json:"concurrency_limit"`
	ActiveJobCount   int          `json:"active_job_count"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	RegisteredAt     time.Time    `json:"registered_at"`
}

func (w *WorkerNode) SpareCapacity() int {
	return w.ConcurrencyLimit - w.ActiveJobCount
}

// RecomputeStatus derives idle/busy from the active job count. Offline is sticky.
func (w *WorkerNode) RecomputeStatus() {
	if w.Status == WorkerStatusOffline {
		return
	}
	if w.ActiveJobCount > 0 {
		w.Status = WorkerStatusBusy
	} else {
		w.Status = WorkerStatusIdle
	}
}

type ControlMessage struct {
	Type  ControlType `json:"type"`
	JobID int64       `json:"job_id"`
	Job   *Job        `json:"job,omitempty"`
}

type Heartbeat struct {
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	ActiveJobCount int          `json:"active_job_count"`
	ActiveJobIDs   []int64      `json:"active_job_ids"`
	ReportingIDs   []int64      `json:"reporting_job_ids,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// HeartbeatAck tells a worker how the store disagrees with its heartbeat.
// Cancel lists jobs the worker runs but no longer holds; Released lists
// jobs the worker held but did not report, now back in the queue.
type HeartbeatAck struct {
	Cancel   []int64 `json:"cancel,omitempty"`
	Released []int64 `json:"released,omitempty"`
}

type JobReport struct {
	JobID        int64          `json:"job_id"`
	WorkerID     string         `json:"worker_id"`
	Status       JobStatus      `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

type ExecutionLog struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type JobFilter struct {
	Status   JobStatus
	WorkerID string
	Limit    int
	Offset   int
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Scheduled  int `json:"scheduled"`
	InProgress int `json:"in_progress"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// WorkerTopic names the private control topic of a worker.
func WorkerTopic(workerID string) string {
	return fmt.Sprintf("worker.%s", workerID)
}

// Publisher pushes control messages onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *ControlMessage) error
}

// Purger drops undelivered messages from a topic.
type Purger interface {
	Purge(ctx context.Context, topic string) (int, error)
}

// Notifier receives the ids touched by a tick, sweep or worker report.
// Delivery is best-effort.
type Notifier interface {
	JobsChanged(ids []int64)
	WorkersChanged(ids []string)
	JobFinished(job *Job)
}

type NopNotifier struct{}

func (NopNotifier) JobsChanged([]int64)     {}
func (NopNotifier) WorkersChanged([]string) {}
func (NopNotifier) JobFinished(*Job)        {}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func now() time.Time {
	return time.Now().UTC()
}
