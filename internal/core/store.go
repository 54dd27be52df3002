package core

import (
	"context"
	"time"
)

// Reclaim pairs a worker being demoted to offline with the in-flight jobs
// taken back from it.
type Reclaim struct {
	Worker *WorkerNode
	Jobs   []*Job
}

// Store is the persistence boundary. Implementations must serialize
// concurrent writes to the same record; the assignment and reclaim
// methods are conditional updates and report a lost race with an error
// (assignment) or by omitting the record from the result (reclaim).
type Store interface {
	RegisterWorker(ctx context.Context, w *WorkerNode) (*WorkerNode, bool, error)
	GetWorker(ctx context.Context, id string) (*WorkerNode, error)
	ListWorkers(ctx context.Context, status WorkerStatus) ([]*WorkerNode, error)
	AvailableWorkers(ctx context.Context) ([]*WorkerNode, error)
	StaleWorkers(ctx context.Context, cutoff time.Time) ([]*WorkerNode, error)
	RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error
	SetWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error

	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*Job, error)
	DeleteJob(ctx context.Context, id int64) error
	EligibleJobs(ctx context.Context, at time.Time, limit int) ([]*Job, error)
	JobsByWorker(ctx context.Context, workerID string, status JobStatus) ([]*Job, error)
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)
	PromoteRetrying(ctx context.Context, at time.Time, delay func(retryCount int) time.Duration) ([]int64, error)

	CommitAssignment(ctx context.Context, j *Job, w *WorkerNode) error
	ReleaseAssignment(ctx context.Context, j *Job, w *WorkerNode) error
	ReclaimWorkers(ctx context.Context, reclaims []Reclaim, staleBefore *time.Time) ([]Reclaim, error)
	UpdateJobProgress(ctx context.Context, jobID int64, workerID string, progress int) error
	FinishJob(ctx context.Context, j *Job, workerID string) error
	UpdateJob(ctx context.Context, j *Job, expected JobStatus) error

	AppendLog(ctx context.Context, l *ExecutionLog) error
	JobLogs(ctx context.Context, jobID int64) ([]*ExecutionLog, error)
}
