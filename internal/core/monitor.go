package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultStaleThreshold = 2 * time.Minute

type SweepResult struct {
	WorkerIDs []string
	JobIDs    []int64
}

type Monitor struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewMonitor(store Store, notifier Notifier, logger *slog.Logger) *Monitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "monitor"),
		now:      now,
	}
}

// Sweep demotes workers whose last heartbeat is older than staleThreshold
// and takes back their in-progress jobs. All changes of one sweep are
// written in a single transaction.
func (m *Monitor) Sweep(ctx context.Context, staleThreshold time.Duration) (SweepResult, error) {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	at := m.now()
	cutoff := at.Add(-staleThreshold)

	stale, err := m.store.StaleWorkers(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to load stale workers: %w", err)
	}
	if len(stale) == 0 {
		return SweepResult{}, nil
	}

	reclaims := make([]Reclaim, 0, len(stale))
	for _, w := range stale {
		jobs, err := m.store.JobsByWorker(ctx, w.ID, JobStatusInProgress)
		if err != nil {
			return SweepResult{}, fmt.Errorf("failed to load jobs of worker %s: %w", w.ID, err)
		}
		reclaims = append(reclaims, reclaimWorker(w, jobs, at))
	}

	applied, err := m.store.ReclaimWorkers(ctx, reclaims, &cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to persist sweep: %w", err)
	}

	result := collectReclaims(applied)
	for _, r := range applied {
		m.logger.Warn("worker went offline",
			"worker_id", r.Worker.ID, "name", r.Worker.Name,
			"last_heartbeat", r.Worker.LastHeartbeat, "reclaimed_jobs", len(r.Jobs))
		logReclaimedJobs(ctx, m.store, m.logger, r)
	}

	if len(result.WorkerIDs) > 0 {
		m.notifier.WorkersChanged(result.WorkerIDs)
	}
	if len(result.JobIDs) > 0 {
		m.notifier.JobsChanged(result.JobIDs)
	}
	return result, nil
}

// reclaimWorker marks the worker offline and classifies each of its jobs
// against the retry budget.
func reclaimWorker(w *WorkerNode, jobs []*Job, at time.Time) Reclaim {
	w.Status = WorkerStatusOffline
	w.ActiveJobCount = 0

	msg := fmt.Sprintf("worker %s went offline", w.ID)
	for _, j := range jobs {
		if j.CanRetry() {
			j.Status = JobStatusRetrying
		} else {
			j.Status = JobStatusFailed
		}
		j.ErrorMessage = msg
		j.AssignedWorker = ""
		end := at
		j.EndTime = &end
	}
	return Reclaim{Worker: w, Jobs: jobs}
}

func collectReclaims(reclaims []Reclaim) SweepResult {
	var result SweepResult
	for _, r := range reclaims {
		result.WorkerIDs = append(result.WorkerIDs, r.Worker.ID)
		for _, j := range r.Jobs {
			result.JobIDs = append(result.JobIDs, j.ID)
		}
	}
	return result
}

func logReclaimedJobs(ctx context.Context, store Store, logger *slog.Logger, r Reclaim) {
	for _, j := range r.Jobs {
		appendLog(ctx, store, logger, j.ID, r.Worker.ID, "warn",
			fmt.Sprintf("reclaimed as %s: %s", j.Status, j.ErrorMessage))
	}
}

func appendLog(ctx context.Context, store Store, logger *slog.Logger, jobID int64, workerID, level, message string) {
	entry := &ExecutionLog{
		JobID:     jobID,
		WorkerID:  workerID,
		Level:     level,
		Message:   message,
		Timestamp: now(),
	}
	if err := store.AppendLog(ctx, entry); err != nil {
		logger.Warn("failed to append execution log", "job_id", jobID, "error", err)
	}
}
