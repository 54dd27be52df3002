package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/jobfleet/internal/config"
)

var ErrTickInFlight = errors.New("tick already in flight")

const maxRetryBackoff = 5 * time.Minute

type TickResult struct {
	Promoted   []int64
	Assigned   int
	RolledBack int
	JobIDs     []int64
	WorkerIDs  []string
}

type Scheduler struct {
	store       Store
	notifier    Notifier
	monitor     *Monitor
	distributor *Distributor
	config      *config.SchedulerConfig
	logger      *slog.Logger
	now         func() time.Time

	queueBusy atomic.Bool
	sweepBusy atomic.Bool

	mu      sync.Mutex
	running bool
}

func NewScheduler(store Store, publisher Publisher, notifier Notifier, cfg *config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		def := config.DefaultSchedulerConfig()
		cfg = &def
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:    store,
		notifier: notifier,
		monitor:  NewMonitor(store, notifier, logger),
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		now:      now,
	}
	s.distributor = NewDistributor(AssignPublisher(store, publisher, logger), logger)
	return s
}

// AssignPublisher commits an assignment in the store and then publishes it
// on the worker's topic. A failed publish releases the committed assignment.
func AssignPublisher(store Store, publisher Publisher, logger *slog.Logger) PublishFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *Job, worker *WorkerNode) error {
		if err := store.CommitAssignment(ctx, job, worker); err != nil {
			return fmt.Errorf("failed to commit assignment: %w", err)
		}

		msg := &ControlMessage{Type: ControlAssignJob, JobID: job.ID, Job: job.Clone()}
		if err := publisher.Publish(ctx, WorkerTopic(worker.ID), msg); err != nil {
			if rerr := store.ReleaseAssignment(ctx, job, worker); rerr != nil && !errors.Is(rerr, ErrJobChanged) {
				logger.Error("failed to release assignment after publish error",
					"job_id", job.ID, "worker_id", worker.ID, "error", rerr)
			}
			return fmt.Errorf("failed to publish assignment: %w", err)
		}

		appendLog(ctx, store, logger, job.ID, worker.ID, "info",
			fmt.Sprintf("assigned to worker %s", worker.Name))
		return nil
	}
}

// Run drives the queue and heartbeat ticks until ctx is cancelled. Each
// tick has its own goroutine and ticker so a slow one never delays the
// other.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started",
		"queue_interval", s.config.QueueInterval,
		"heartbeat_interval", s.config.HeartbeatInterval,
		"stale_threshold", s.config.StaleThreshold)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, "queue", s.config.QueueInterval, func(ctx context.Context) error {
			_, err := s.DispatchNow(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, "heartbeat", s.config.HeartbeatInterval, func(ctx context.Context) error {
			_, err := s.SweepNow(ctx)
			return err
		})
	}()
	wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runIsolated(ctx, name, tick)
		}
	}
}

func (s *Scheduler) runIsolated(ctx context.Context, name string, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "tick", name, "panic", r)
		}
	}()
	if err := tick(ctx); err != nil {
		if errors.Is(err, ErrTickInFlight) {
			s.logger.Debug("skipping tick, previous one still running", "tick", name)
			return
		}
		s.logger.Error("tick failed", "tick", name, "error", err)
	}
}

// DispatchNow runs one queue tick. It returns ErrTickInFlight when another
// queue tick has not finished yet.
func (s *Scheduler) DispatchNow(ctx context.Context) (TickResult, error) {
	if !s.queueBusy.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInFlight
	}
	defer s.queueBusy.Store(false)

	var result TickResult
	at := s.now()

	promoted, err := s.store.PromoteRetrying(ctx, at, s.calculateBackoff)
	if err != nil {
		return result, fmt.Errorf("failed to promote retrying jobs: %w", err)
	}
	result.Promoted = promoted
	if len(promoted) > 0 {
		s.logger.Info("retrying jobs requeued", "count", len(promoted))
	}

	workers, err := s.store.AvailableWorkers(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load available workers: %w", err)
	}
	if len(workers) == 0 {
		s.notifyPromoted(promoted)
		return result, nil
	}

	jobs, err := s.store.EligibleJobs(ctx, at, 2*len(workers))
	if err != nil {
		return result, fmt.Errorf("failed to load eligible jobs: %w", err)
	}
	if len(jobs) == 0 {
		s.notifyPromoted(promoted)
		return result, nil
	}

	dist := s.distributor.Distribute(ctx, jobs, workers)
	result.Assigned = len(dist.Assigned)
	result.RolledBack = len(dist.RolledBack)

	jobIDs := append([]int64(nil), promoted...)
	seenWorkers := make(map[string]bool)
	for _, a := range dist.Assigned {
		jobIDs = append(jobIDs, a.Job.ID)
		if !seenWorkers[a.Worker.ID] {
			seenWorkers[a.Worker.ID] = true
			result.WorkerIDs = append(result.WorkerIDs, a.Worker.ID)
		}
	}
	result.JobIDs = jobIDs

	if len(result.JobIDs) > 0 {
		s.notifier.JobsChanged(result.JobIDs)
	}
	if len(result.WorkerIDs) > 0 {
		s.notifier.WorkersChanged(result.WorkerIDs)
	}

	if result.Assigned > 0 || result.RolledBack > 0 {
		s.logger.Info("queue tick finished",
			"eligible", len(jobs), "workers", len(workers),
			"assigned", result.Assigned, "rolled_back", result.RolledBack)
	}
	return result, nil
}

// SweepNow runs one heartbeat sweep with the configured stale threshold.
func (s *Scheduler) SweepNow(ctx context.Context) (SweepResult, error) {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		return SweepResult{}, ErrTickInFlight
	}
	defer s.sweepBusy.Store(false)

	return s.monitor.Sweep(ctx, s.config.StaleThreshold)
}

func (s *Scheduler) notifyPromoted(ids []int64) {
	if len(ids) > 0 {
		s.notifier.JobsChanged(ids)
	}
}

func (s *Scheduler) calculateBackoff(retryCount int) time.Duration {
	baseDelay := s.config.RetryDelay
	if baseDelay == 0 {
		baseDelay = 10 * time.Second
	}
	if retryCount > 16 {
		retryCount = 16
	}
	backoff := baseDelay * time.Duration(1<<uint(retryCount))
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}
