package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

type AssignResult string

const (
	AssignSuccess    AssignResult = "success"
	AssignNotFound   AssignResult = "not_found"
	AssignOffline    AssignResult = "offline"
	AssignAtCapacity AssignResult = "at_capacity"
)

type RegisterRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
}

type WorkerService struct {
	store       Store
	notifier    Notifier
	assign      PublishFunc
	purger      Purger
	orphanGrace time.Duration
	logger      *slog.Logger
}

type WorkerOption func(*WorkerService)

// WithOrphanGrace sets how old an assignment must be before a heartbeat
// that omits it puts the job back in the queue.
func WithOrphanGrace(d time.Duration) WorkerOption {
	return func(s *WorkerService) {
		if d > 0 {
			s.orphanGrace = d
		}
	}
}

func NewWorkerService(store Store, publisher Publisher, notifier Notifier, logger *slog.Logger, opts ...WorkerOption) *WorkerService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &WorkerService{
		store:       store,
		notifier:    notifier,
		assign:      AssignPublisher(store, publisher, logger),
		orphanGrace: time.Minute,
		logger:      logger.With("component", "workers"),
	}
	if p, ok := publisher.(Purger); ok {
		s.purger = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a worker, or reactivates an offline one with the same
// name. A name held by an active worker is a conflict.
func (s *WorkerService) Register(ctx context.Context, req RegisterRequest) (*WorkerNode, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: worker name is required", ErrInvalidInput)
	}
	if req.ConcurrencyLimit < 1 {
		return nil, fmt.Errorf("%w: concurrency limit must be at least 1", ErrInvalidInput)
	}

	at := now()
	w := &WorkerNode{
		ID:               req.ID,
		Name:             name,
		Status:           WorkerStatusIdle,
		ConcurrencyLimit: req.ConcurrencyLimit,
		LastHeartbeat:    at,
		RegisteredAt:     at,
	}

	registered, reactivated, err := s.store.RegisterWorker(ctx, w)
	if err != nil {
		if errors.Is(err, ErrWorkerConflict) {
			s.logger.Warn("registration rejected, name is active", "name", name)
		}
		return nil, err
	}

	if reactivated {
		s.logger.Info("reactivated worker", "name", registered.Name, "worker_id", registered.ID)
		s.purgeTopic(ctx, registered.ID)
	} else {
		s.logger.Info("registered new worker", "name", registered.Name, "worker_id", registered.ID)
	}
	s.notifier.WorkersChanged([]string{registered.ID})
	return registered, nil
}

// Heartbeat records liveness and reconciles the worker's report with the
// store. Reconciliation only runs when the report lists every active job.
func (s *WorkerService) Heartbeat(ctx context.Context, hb Heartbeat) (*HeartbeatAck, error) {
	w, err := s.store.GetWorker(ctx, hb.WorkerID)
	if err != nil {
		return nil, err
	}
	if w.Status == WorkerStatusOffline {
		return nil, ErrWorkerOffline
	}

	received := now()
	at := hb.Timestamp
	if at.IsZero() || at.After(received) {
		at = received
	}
	if err := s.store.RecordHeartbeat(ctx, hb.WorkerID, at.UTC()); err != nil {
		return nil, err
	}

	ack := &HeartbeatAck{}
	if len(hb.ActiveJobIDs) != hb.ActiveJobCount {
		s.logger.Debug("heartbeat without job ids, skipping reconciliation",
			"worker_id", w.ID, "reported", hb.ActiveJobCount, "stored", w.ActiveJobCount)
		return ack, nil
	}
	if err := s.reconcile(ctx, w, hb, received, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

// reconcile compares the jobs a heartbeat lists with the store. Jobs whose
// result is still being reported are neither released nor cancelled.
func (s *WorkerService) reconcile(ctx context.Context, w *WorkerNode, hb Heartbeat, received time.Time, ack *HeartbeatAck) error {
	held, err := s.store.JobsByWorker(ctx, w.ID, JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to load jobs of worker %s: %w", w.ID, err)
	}

	reported := make(map[int64]bool, len(hb.ActiveJobIDs))
	for _, id := range hb.ActiveJobIDs {
		reported[id] = true
	}
	finishing := make(map[int64]bool, len(hb.ReportingIDs))
	for _, id := range hb.ReportingIDs {
		finishing[id] = true
	}

	cutoff := received.Add(-s.orphanGrace)
	for _, j := range held {
		if reported[j.ID] {
			delete(reported, j.ID)
			continue
		}
		if finishing[j.ID] {
			continue
		}
		// a young assignment may still be on its way to the worker
		if j.StartTime != nil && j.StartTime.After(cutoff) {
			continue
		}
		if err := s.store.ReleaseAssignment(ctx, j, w); err != nil {
			if !errors.Is(err, ErrJobChanged) {
				s.logger.Warn("failed to release orphaned job", "job_id", j.ID, "worker_id", w.ID, "error", err)
			}
			continue
		}
		ack.Released = append(ack.Released, j.ID)
		s.logger.Warn("worker does not run assigned job, released", "job_id", j.ID, "worker_id", w.ID)
		appendLog(ctx, s.store, s.logger, j.ID, w.ID, "warn", "released: worker no longer runs the job")
	}

	for id := range reported {
		ack.Cancel = append(ack.Cancel, id)
	}
	sort.Slice(ack.Cancel, func(a, b int) bool { return ack.Cancel[a] < ack.Cancel[b] })
	if len(ack.Cancel) > 0 {
		s.logger.Info("worker runs jobs it does not hold", "worker_id", w.ID, "job_ids", ack.Cancel)
	}

	if len(ack.Released) > 0 {
		s.notifier.JobsChanged(ack.Released)
		s.notifier.WorkersChanged([]string{w.ID})
	}
	return nil
}

func (s *WorkerService) purgeTopic(ctx context.Context, workerID string) {
	if s.purger == nil {
		return
	}
	n, err := s.purger.Purge(ctx, WorkerTopic(workerID))
	if err != nil {
		s.logger.Warn("failed to purge control topic", "worker_id", workerID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("dropped stale control messages", "worker_id", workerID, "count", n)
	}
}

// SetStatus applies an explicit status change. Going offline takes back
// the worker's in-progress jobs the same way a stale sweep does.
func (s *WorkerService) SetStatus(ctx context.Context, workerID string, status WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}

	if status != WorkerStatusOffline {
		if err := s.store.SetWorkerStatus(ctx, workerID, status); err != nil {
			return err
		}
		s.notifier.WorkersChanged([]string{workerID})
		return nil
	}

	if w.Status == WorkerStatusOffline {
		return nil
	}

	jobs, err := s.store.JobsByWorker(ctx, workerID, JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to load jobs of worker %s: %w", workerID, err)
	}
	applied, err := s.store.ReclaimWorkers(ctx, []Reclaim{reclaimWorker(w, jobs, now())}, nil)
	if err != nil {
		return fmt.Errorf("failed to mark worker offline: %w", err)
	}

	result := collectReclaims(applied)
	for _, r := range applied {
		s.logger.Info("worker signed off", "worker_id", r.Worker.ID, "reclaimed_jobs", len(r.Jobs))
		logReclaimedJobs(ctx, s.store, s.logger, r)
	}
	if len(result.WorkerIDs) > 0 {
		s.notifier.WorkersChanged(result.WorkerIDs)
	}
	if len(result.JobIDs) > 0 {
		s.notifier.JobsChanged(result.JobIDs)
	}
	return nil
}

func (s *WorkerService) Get(ctx context.Context, id string) (*WorkerNode, error) {
	return s.store.GetWorker(ctx, id)
}

func (s *WorkerService) List(ctx context.Context, status WorkerStatus) ([]*WorkerNode, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.ListWorkers(ctx, status)
}

func (s *WorkerService) Jobs(ctx context.Context, workerID string) ([]*Job, error) {
	if _, err := s.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	return s.store.JobsByWorker(ctx, workerID, "")
}

// AssignJob places a single job on a given worker outside the scheduler
// tick. It goes through the same commit and publish path.
func (s *WorkerService) AssignJob(ctx context.Context, workerID string, jobID int64) (AssignResult, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, ErrWorkerNotFound) {
			return AssignNotFound, nil
		}
		return "", err
	}
	if w.Status == WorkerStatusOffline {
		return AssignOffline, nil
	}
	if w.ActiveJobCount >= w.ConcurrencyLimit {
		return AssignAtCapacity, nil
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.AssignedWorker != "" || (job.Status != JobStatusPending && job.Status != JobStatusScheduled) {
		return "", ErrJobNotAssignable
	}

	startedAt := now()
	job.Status = JobStatusInProgress
	job.StartTime = &startedAt
	job.AssignedWorker = w.ID
	w.ActiveJobCount++
	w.Status = WorkerStatusBusy

	if err := s.assign(ctx, job, w); err != nil {
		if errors.Is(err, ErrWorkerAtCapacity) {
			return AssignAtCapacity, nil
		}
		if errors.Is(err, ErrWorkerOffline) {
			return AssignOffline, nil
		}
		return "", err
	}

	s.logger.Info("job assigned manually", "job_id", job.ID, "worker_id", w.ID)
	s.notifier.JobsChanged([]int64{job.ID})
	s.notifier.WorkersChanged([]string{w.ID})
	return AssignSuccess, nil
}
