package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/jobfleet/internal/core"
)

var _ core.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*core.WorkerNode, error) {
	w := &core.WorkerNode{}
	var status string
	if err := row.Scan(&w.ID, &w.Name, &status, &w.ConcurrencyLimit, &w.ActiveJobCount,
		&w.LastHeartbeat, &w.RegisteredAt); err != nil {
		return nil, err
	}
	w.Status = core.WorkerStatus(status)
	return w, nil
}

func scanWorkers(rows *sql.Rows) ([]*core.WorkerNode, error) {
	defer rows.Close()
	var workers []*core.WorkerNode
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanJob(row rowScanner) (*core.Job, error) {
	j := &core.Job{}
	var status string
	var assigned sql.NullString
	if err := row.Scan(&j.ID, &j.Name, &j.Type, &j.Payload, &j.Priority, &status,
		&j.ScheduledTime, &j.Progress, &j.RetryCount, &j.MaxRetries, &assigned,
		&j.CreatedTime, &j.StartTime, &j.EndTime, &j.ErrorMessage); err != nil {
		return nil, err
	}
	j.Status = core.JobStatus(status)
	j.AssignedWorker = assigned.String
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.Job, error) {
	defer rows.Close()
	var jobs []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RegisterWorker inserts a worker or reactivates the offline worker holding
// the same name. The boolean result reports a reactivation.
func (s *Store) RegisterWorker(ctx context.Context, w *core.WorkerNode) (*core.WorkerNode, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin registration: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanWorker(tx.QueryRowContext(ctx, GetWorkerByName, w.Name))
	switch {
	case err == nil:
		if existing.Status != core.WorkerStatusOffline {
			return nil, false, core.ErrWorkerConflict
		}
		if _, err := tx.ExecContext(ctx, ReactivateWorker, w.ConcurrencyLimit, w.LastHeartbeat.UTC(), existing.ID); err != nil {
			return nil, false, fmt.Errorf("failed to reactivate worker: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit reactivation: %w", err)
		}
		existing.Status = core.WorkerStatusIdle
		existing.ActiveJobCount = 0
		existing.ConcurrencyLimit = w.ConcurrencyLimit
		existing.LastHeartbeat = w.LastHeartbeat.UTC()
		return existing, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to look up worker: %w", err)
	}

	created := *w
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.Status = core.WorkerStatusIdle
	created.ActiveJobCount = 0
	created.LastHeartbeat = w.LastHeartbeat.UTC()
	created.RegisteredAt = w.RegisteredAt.UTC()

	if _, err := tx.ExecContext(ctx, InsertWorker, created.ID, created.Name, string(created.Status),
		created.ConcurrencyLimit, created.LastHeartbeat, created.RegisteredAt); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, false, core.ErrWorkerConflict
		}
		return nil, false, fmt.Errorf("failed to create worker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit registration: %w", err)
	}
	return &created, false, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*core.WorkerNode, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, GetWorkerByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

func (s *Store) ListWorkers(ctx context.Context, status core.WorkerStatus) ([]*core.WorkerNode, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, ListWorkers)
	} else {
		rows, err = s.db.QueryContext(ctx, ListWorkersByStatus, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return scanWorkers(rows)
}

func (s *Store) AvailableWorkers(ctx context.Context) ([]*core.WorkerNode, error) {
	rows, err := s.db.QueryContext(ctx, ListAvailableWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to list available workers: %w", err)
	}
	return scanWorkers(rows)
}

func (s *Store) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*core.WorkerNode, error) {
	rows, err := s.db.QueryContext(ctx, ListStaleWorkers, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale workers: %w", err)
	}
	return scanWorkers(rows)
}

func (s *Store) RecordHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, UpdateWorkerHeartbeat, at.UTC(), workerID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return s.explainWorkerMiss(ctx, res, workerID)
}

func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status core.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, UpdateWorkerStatus, string(status), time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	return s.explainWorkerMiss(ctx, res, workerID)
}

// explainWorkerMiss turns a zero-row update on a worker into the matching
// sentinel error.
func (s *Store) explainWorkerMiss(ctx context.Context, res sql.Result, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return core.ErrWorkerOffline
}

func (s *Store) CreateJob(ctx context.Context, j *core.Job) error {
	if j.Status == "" {
		j.Status = core.JobStatusPending
	}
	if j.CreatedTime.IsZero() {
		j.CreatedTime = time.Now()
	}
	j.CreatedTime = j.CreatedTime.UTC()
	j.ScheduledTime = utcPtr(j.ScheduledTime)

	result, err := s.db.ExecContext(ctx, InsertJob, j.Name, j.Type, j.Payload, int(j.Priority),
		string(j.Status), j.ScheduledTime, j.MaxRetries, j.CreatedTime)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get job id: %w", err)
	}
	j.ID = id
	return nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f core.JobFilter) ([]*core.Job, error) {
	var conditions []string
	var args []any

	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkerID != "" {
		conditions = append(conditions, "assigned_worker = ?")
		args = append(args, f.WorkerID)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, DeleteJobLogs, id); err != nil {
		return fmt.Errorf("failed to delete job logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, DeleteJob, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrJobNotFound
	}
	return tx.Commit()
}

func (s *Store) EligibleJobs(ctx context.Context, at time.Time, limit int) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, ListEligibleJobs, at.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) JobsByWorker(ctx context.Context, workerID string, status core.JobStatus) ([]*core.Job, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, ListJobsByWorker, workerID)
	} else {
		rows, err = s.db.QueryContext(ctx, ListJobsByWorkerAndStatus, workerID, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of worker: %w", err)
	}
	return scanJobs(rows)
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// PromoteRetrying moves every retrying job back to pending with its retry
// counter bumped and its next eligibility pushed out by delay.
func (s *Store) PromoteRetrying(ctx context.Context, at time.Time, delay func(int) time.Duration) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin promotion: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, ListRetryingJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrying jobs: %w", err)
	}
	type retrying struct {
		id         int64
		retryCount int
	}
	var pending []retrying
	for rows.Next() {
		var r retrying
		if err := rows.Scan(&r.id, &r.retryCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan retrying job: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(pending))
	for _, r := range pending {
		next := at.UTC()
		if delay != nil {
			next = next.Add(delay(r.retryCount))
		}
		res, err := tx.ExecContext(ctx, PromoteRetryingJob, next, r.id)
		if err != nil {
			return nil, fmt.Errorf("failed to promote job %d: %w", r.id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			ids = append(ids, r.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}
	return ids, nil
}

// CommitAssignment claims the job and one slot of the worker in a single
// transaction. Both updates are conditional on the state the distributor
// saw, so a concurrent change makes the whole assignment fail.
func (s *Store) CommitAssignment(ctx context.Context, j *core.Job, w *core.WorkerNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin assignment: %w", err)
	}
	defer tx.Rollback()

	startedAt := time.Now().UTC()
	if j.StartTime != nil {
		startedAt = j.StartTime.UTC()
	}

	res, err := tx.ExecContext(ctx, ClaimJob, w.ID, startedAt, j.ID)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrJobNotAssignable
	}

	res, err = tx.ExecContext(ctx, ClaimWorkerSlot, w.ID)
	if err != nil {
		return fmt.Errorf("failed to claim worker slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := scanWorker(tx.QueryRowContext(ctx, GetWorkerByID, w.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return core.ErrWorkerNotFound
		case err != nil:
			return fmt.Errorf("failed to get worker: %w", err)
		case current.Status == core.WorkerStatusOffline:
			return core.ErrWorkerOffline
		default:
			return core.ErrWorkerAtCapacity
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}
	return nil
}

// ReleaseAssignment undoes CommitAssignment when the job is still held by
// the worker, and returns core.ErrJobChanged when it is not.
func (s *Store) ReleaseAssignment(ctx context.Context, j *core.Job, w *core.WorkerNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, UnclaimJob, j.ID, w.ID)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrJobChanged
	}
	if _, err := tx.ExecContext(ctx, ReleaseWorkerSlot, w.ID); err != nil {
		return fmt.Errorf("failed to release worker slot: %w", err)
	}
	return tx.Commit()
}

// ReclaimWorkers marks workers offline and applies the prepared job
// transitions. With staleBefore set, a worker that heartbeated after the
// cutoff is skipped along with its jobs.
func (s *Store) ReclaimWorkers(ctx context.Context, reclaims []core.Reclaim, staleBefore *time.Time) ([]core.Reclaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reclaim: %w", err)
	}
	defer tx.Rollback()

	var applied []core.Reclaim
	for _, r := range reclaims {
		var res sql.Result
		if staleBefore != nil {
			res, err = tx.ExecContext(ctx, MarkStaleWorkerOffline, r.Worker.ID, staleBefore.UTC())
		} else {
			res, err = tx.ExecContext(ctx, MarkWorkerOffline, r.Worker.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to mark worker %s offline: %w", r.Worker.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		done := core.Reclaim{Worker: r.Worker}
		for _, j := range r.Jobs {
			res, err := tx.ExecContext(ctx, ReclaimJob, string(j.Status), j.ErrorMessage,
				utcPtr(j.EndTime), j.ID, r.Worker.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to reclaim job %d: %w", j.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				done.Jobs = append(done.Jobs, j)
			}
		}
		applied = append(applied, done)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reclaim: %w", err)
	}
	return applied, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, jobID int64, workerID string, progress int) error {
	res, err := s.db.ExecContext(ctx, UpdateJobProgress, progress, jobID, workerID, progress)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.AssignedWorker != workerID || j.Status != core.JobStatusInProgress {
		return core.ErrStaleAssignment
	}
	// Lower than the stored value: dropped to keep progress monotonic.
	return nil
}

// FinishJob writes the closing state of an attempt and frees the slot the
// job held on workerID.
func (s *Store) FinishJob(ctx context.Context, j *core.Job, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finish: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, FinishJob, string(j.Status), j.Progress, j.ErrorMessage,
		utcPtr(j.EndTime), j.ID, workerID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := scanJob(tx.QueryRowContext(ctx, GetJobByID, j.ID)); errors.Is(err, sql.ErrNoRows) {
			return core.ErrJobNotFound
		}
		return core.ErrStaleAssignment
	}

	if _, err := tx.ExecContext(ctx, ReleaseWorkerSlot, workerID); err != nil {
		return fmt.Errorf("failed to release worker slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, j *core.Job, expected core.JobStatus) error {
	res, err := s.db.ExecContext(ctx, UpdateJob, string(j.Status), j.Progress, j.ErrorMessage,
		nullString(j.AssignedWorker), utcPtr(j.StartTime), utcPtr(j.EndTime), utcPtr(j.ScheduledTime),
		j.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, j.ID); err != nil {
			return err
		}
		return core.ErrJobChanged
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, l *core.ExecutionLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	result, err := s.db.ExecContext(ctx, InsertExecutionLog, l.JobID, l.WorkerID, l.Level, l.Message, l.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get execution log id: %w", err)
	}
	l.ID = id
	return nil
}

func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]*core.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, ListExecutionLogs, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*core.ExecutionLog
	for rows.Next() {
		l := &core.ExecutionLog{}
		if err := rows.Scan(&l.ID, &l.JobID, &l.WorkerID, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) TerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, ListTerminalJobsBefore, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable jobs: %w", err)
	}
	return scanJobs(rows)
}

// MarkArchived deletes jobs copied into archiveFile and records where they went.
func (s *Store) MarkArchived(ctx context.Context, ids []int64, archiveFile string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive bookkeeping: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, DeleteJobLogs, id); err != nil {
			return fmt.Errorf("failed to delete logs of job %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, DeleteJob, id); err != nil {
			return fmt.Errorf("failed to delete job %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, InsertArchivedJob, id, archiveFile); err != nil {
			return fmt.Errorf("failed to record archived job %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ArchivedJobCount(ctx context.Context, archiveFile string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, CountArchivedJobsByFile, archiveFile).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archived jobs: %w", err)
	}
	return count, nil
}
