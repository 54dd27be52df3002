// Package worker is the runtime of a worker node: registration, the
// control topic consumer, job execution and the heartbeat emitter.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/processor"
)

const shutdownNoticeTimeout = 5 * time.Second

type execution struct {
	job      *core.Job
	cancel   context.CancelFunc
	progress *progressForwarder
}

type Runtime struct {
	cfg       config.WorkerConfig
	upstream  Upstream
	channel   Subscriber
	processor processor.Processor
	logger    *slog.Logger

	mu        sync.Mutex
	id        string
	joinedAt  time.Time
	baseCtx   context.Context
	subCancel context.CancelFunc
	closing   bool
	active    map[int64]*execution
	reporting map[int64]bool
	wg        sync.WaitGroup
}

func New(cfg config.WorkerConfig, upstream Upstream, ch Subscriber, p processor.Processor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg,
		upstream:  upstream,
		channel:   ch,
		processor: p,
		logger:    logger.With("component", "worker", "worker_name", cfg.Name),
		baseCtx:   context.Background(),
		active:    make(map[int64]*execution),
		reporting: make(map[int64]bool),
	}
}

func (r *Runtime) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Status derives idle or busy from the active set.
func (r *Runtime) Status() core.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runtime) statusLocked() core.WorkerStatus {
	if len(r.active) > 0 {
		return core.WorkerStatusBusy
	}
	return core.WorkerStatusIdle
}

func (r *Runtime) ActiveJobs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Job returns a copy of the local working copy of a tracked job.
func (r *Runtime) Job(id int64) (*core.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.active[id]
	if !ok {
		return nil, false
	}
	return exec.job.Clone(), true
}

// Run registers the worker, consumes its control topic and emits
// heartbeats until ctx is cancelled. It fails only when registration does.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	node, err := r.register(ctx)
	if err != nil {
		return err
	}

	if err := r.subscribe(ctx, node.ID); err != nil {
		return err
	}
	r.logger.Info("worker ready", "worker_id", node.ID, "concurrency_limit", r.cfg.ConcurrencyLimit,
		"topic", core.WorkerTopic(node.ID))

	r.heartbeatLoop(ctx)
	r.shutdown()
	return nil
}

// register retries with a delay of base × attempt between tries.
func (r *Runtime) register(ctx context.Context) (*core.WorkerNode, error) {
	attempts := r.cfg.RegisterAttempts
	if attempts < 1 {
		attempts = 1
	}
	req := core.RegisterRequest{Name: r.cfg.Name, ConcurrencyLimit: r.cfg.ConcurrencyLimit}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		node, err := r.upstream.Register(ctx, req)
		if err == nil {
			r.mu.Lock()
			r.id = node.ID
			r.joinedAt = node.LastHeartbeat
			r.mu.Unlock()
			r.logger.Info("registered", "worker_id", node.ID, "attempt", attempt)
			return node, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := r.cfg.RegisterBaseDelay * time.Duration(attempt)
		r.logger.Warn("registration failed, retrying",
			"attempt", attempt, "max_attempts", attempts, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("registration aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("registration failed after %d attempts: %w", attempts, lastErr)
}

// subscribe consumes the topic of workerID and ends the previous
// subscription, if any.
func (r *Runtime) subscribe(ctx context.Context, workerID string) error {
	r.mu.Lock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	r.mu.Unlock()

	topic := core.WorkerTopic(workerID)
	subCtx, cancel := context.WithCancel(ctx)
	if err := r.channel.Subscribe(subCtx, topic, r.handleControl); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	r.mu.Lock()
	r.subCancel = cancel
	r.mu.Unlock()
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	hb := core.Heartbeat{
		WorkerID:       r.id,
		Status:         r.statusLocked(),
		ActiveJobCount: len(ids),
		ActiveJobIDs:   ids,
		Timestamp:      time.Now().UTC(),
	}
	for id := range r.reporting {
		hb.ReportingIDs = append(hb.ReportingIDs, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	ack, err := r.upstream.Heartbeat(ctx, hb)
	switch {
	case err == nil:
		r.applyAck(ack)
	case errors.Is(err, core.ErrWorkerOffline):
		r.logger.Warn("marked offline by the queue service, registering again")
		r.rejoin(ctx)
	case errors.Is(err, core.ErrWorkerNotFound):
		r.logger.Warn("unknown to the queue service, registering again", "worker_id", hb.WorkerID)
		r.rejoin(ctx)
	default:
		r.logger.Warn("heartbeat failed", "error", err)
	}
}

// applyAck stops the executions the queue service no longer assigns here.
func (r *Runtime) applyAck(ack *core.HeartbeatAck) {
	if ack == nil {
		return
	}
	for _, id := range ack.Cancel {
		if r.stop(id) {
			r.logger.Warn("job no longer assigned here, cancelled", "job_id", id)
		}
	}
	if len(ack.Released) > 0 {
		r.logger.Warn("queue service released jobs this worker did not report", "job_ids", ack.Released)
	}
}

// rejoin registers again after the queue service declared this worker
// offline or forgot it. Its jobs were already taken back, so local
// executions stop. A new worker id moves the subscription to its topic.
func (r *Runtime) rejoin(ctx context.Context) {
	r.mu.Lock()
	dropped := make([]int64, 0, len(r.active))
	for id, exec := range r.active {
		exec.cancel()
		delete(r.active, id)
		dropped = append(dropped, id)
	}
	previous := r.id
	r.mu.Unlock()
	if len(dropped) > 0 {
		r.logger.Warn("dropped reclaimed jobs", "job_ids", dropped)
	}

	node, err := r.upstream.Register(ctx, core.RegisterRequest{Name: r.cfg.Name, ConcurrencyLimit: r.cfg.ConcurrencyLimit})
	if err != nil {
		r.logger.Warn("re-registration failed, retrying on next heartbeat", "error", err)
		return
	}
	r.mu.Lock()
	r.id = node.ID
	r.joinedAt = node.LastHeartbeat
	r.mu.Unlock()

	if node.ID != previous {
		if err := r.subscribe(ctx, node.ID); err != nil {
			r.logger.Error("failed to move to new control topic", "worker_id", node.ID, "error", err)
			return
		}
		r.logger.Info("re-registered under a new id", "previous_id", previous, "worker_id", node.ID)
		return
	}
	r.logger.Info("re-registered", "worker_id", node.ID)
}

// shutdown stops local executions and tells the queue service this worker
// is going offline. A failed notice is only logged.
func (r *Runtime) shutdown() {
	r.mu.Lock()
	r.closing = true
	for id, exec := range r.active {
		exec.cancel()
		delete(r.active, id)
	}
	id := r.id
	r.mu.Unlock()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownNoticeTimeout)
	defer cancel()
	if err := r.upstream.SetWorkerStatus(ctx, id, core.WorkerStatusOffline); err != nil {
		r.logger.Warn("failed to send offline notice", "worker_id", id, "error", err)
		return
	}
	r.logger.Info("worker stopped", "worker_id", id)
}

func (r *Runtime) handleControl(_ context.Context, msg *core.ControlMessage) error {
	switch msg.Type {
	case core.ControlAssignJob:
		r.accept(msg)
	case core.ControlStopJob:
		r.stop(msg.JobID)
	case core.ControlRestartJob:
		r.restart(msg.JobID)
	default:
		r.logger.Warn("unknown control message", "type", msg.Type, "job_id", msg.JobID)
	}
	return nil
}

// accept starts a job unless the worker is closing, full, already tracks
// it, or the message is stale. A closing or full worker hands the job back
// so the queue service can place it elsewhere.
func (r *Runtime) accept(msg *core.ControlMessage) bool {
	if msg.Job == nil {
		r.logger.Warn("assignment without job body", "job_id", msg.JobID)
		return false
	}
	job := msg.Job.Clone()
	if job.ID == 0 {
		job.ID = msg.JobID
	}

	r.mu.Lock()
	started, handBack := r.admitLocked(job)
	workerID := r.id
	r.mu.Unlock()

	if handBack {
		r.handBack(job.ID, workerID)
	}
	return started
}

// admitLocked must be called with mu held.
func (r *Runtime) admitLocked(job *core.Job) (started, handBack bool) {
	switch {
	case r.closing:
		r.logger.Warn("shutting down, assignment returned", "job_id", job.ID)
		return false, true
	case job.AssignedWorker != "" && job.AssignedWorker != r.id:
		r.logger.Warn("assignment for another worker dropped", "job_id", job.ID, "assigned_worker", job.AssignedWorker)
		return false, false
	case job.StartTime != nil && job.StartTime.Before(r.joinedAt):
		r.logger.Warn("assignment from before registration dropped", "job_id", job.ID, "assigned_at", job.StartTime)
		return false, false
	}
	if _, ok := r.active[job.ID]; ok {
		r.logger.Warn("duplicate assignment ignored", "job_id", job.ID)
		return false, false
	}
	if len(r.active) >= r.cfg.ConcurrencyLimit {
		r.logger.Warn("at capacity, assignment returned",
			"job_id", job.ID, "active", len(r.active), "limit", r.cfg.ConcurrencyLimit)
		return false, true
	}

	if len(r.active) == 0 {
		r.logger.Info("worker busy")
	}
	r.startLocked(job)
	r.logger.Info("job accepted", "job_id", job.ID, "type", job.Type)
	return true, false
}

// handBack returns a refused assignment to the queue.
func (r *Runtime) handBack(jobID int64, workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownNoticeTimeout)
	defer cancel()
	err := r.upstream.ReleaseJob(ctx, jobID, workerID)
	switch {
	case err == nil:
		r.logger.Info("assignment handed back", "job_id", jobID)
	case errors.Is(err, core.ErrStaleAssignment):
		r.logger.Debug("refused assignment no longer held", "job_id", jobID)
	default:
		r.logger.Warn("failed to hand back assignment", "job_id", jobID, "error", err)
	}
}

func (r *Runtime) stop(jobID int64) bool {
	r.mu.Lock()
	exec, ok := r.active[jobID]
	if ok {
		exec.cancel()
		delete(r.active, jobID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Info("stop for untracked job ignored", "job_id", jobID)
		return false
	}
	r.logger.Info("job stopped", "job_id", jobID)
	return true
}

// restart cancels the running execution and runs the job again from a
// reset working copy. The returned copy is the state before the new
// execution starts.
func (r *Runtime) restart(jobID int64) (*core.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		r.logger.Warn("shutting down, restart ignored", "job_id", jobID)
		return nil, false
	}
	exec, ok := r.active[jobID]
	if !ok {
		r.logger.Warn("restart for untracked job ignored", "job_id", jobID)
		return nil, false
	}
	exec.cancel()

	job := exec.job.Clone()
	startedAt := time.Now().UTC()
	job.Status = core.JobStatusPending
	job.Progress = 0
	job.ErrorMessage = ""
	job.StartTime = &startedAt
	job.EndTime = nil
	snapshot := job.Clone()

	r.startLocked(job)
	r.logger.Info("job restarted", "job_id", jobID)
	return snapshot, true
}

// startLocked must be called with mu held and closing unset, so wg.Add
// never races the Wait in shutdown.
func (r *Runtime) startLocked(job *core.Job) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	workerID := r.id
	exec := &execution{job: job, cancel: cancel}
	exec.progress = newProgressForwarder(ctx, func(ctx context.Context, p int) error {
		return r.upstream.ReportProgress(ctx, job.ID, workerID, p)
	}, r.logger.With("job_id", job.ID))
	r.active[job.ID] = exec

	r.wg.Add(1)
	go r.execute(ctx, exec)
}

func (r *Runtime) execute(ctx context.Context, exec *execution) {
	defer r.wg.Done()

	r.mu.Lock()
	exec.job.Status = core.JobStatusInProgress
	job := exec.job.Clone()
	workerID := r.id
	r.mu.Unlock()

	onProgress := func(p int) {
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		r.mu.Lock()
		exec.job.Progress = p
		r.mu.Unlock()
		exec.progress.report(p)
	}

	result, err := r.processor.Process(ctx, job, onProgress)

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		exec.progress.abort()
		r.release(exec)
		r.logger.Info("execution cancelled", "job_id", job.ID)
		return
	}
	exec.progress.drain()

	report := core.JobReport{JobID: job.ID, WorkerID: workerID, Result: result}
	r.mu.Lock()
	end := time.Now().UTC()
	exec.job.EndTime = &end
	switch {
	case err == nil:
		exec.job.Status = core.JobStatusCompleted
		exec.job.Progress = 100
	case exec.job.CanRetry():
		exec.job.Status = core.JobStatusRetrying
		exec.job.ErrorMessage = err.Error()
	default:
		exec.job.Status = core.JobStatusFailed
		exec.job.ErrorMessage = err.Error()
	}
	report.Status = exec.job.Status
	report.ErrorMessage = exec.job.ErrorMessage
	r.reporting[job.ID] = true
	r.mu.Unlock()

	// free the slot before the queue service sees the result
	r.release(exec)
	exec.cancel()

	if err != nil {
		r.logger.Warn("job failed", "job_id", job.ID, "status", report.Status, "error", err)
	} else {
		r.logger.Info("job completed", "job_id", job.ID)
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownNoticeTimeout)
	defer cancel()
	if err := r.upstream.ReportResult(reportCtx, report); err != nil {
		r.logger.Warn("failed to report job result", "job_id", job.ID, "status", report.Status, "error", err)
	}
	r.mu.Lock()
	delete(r.reporting, job.ID)
	r.mu.Unlock()
}

// release drops exec from the active set if it is still the current
// execution of its job.
func (r *Runtime) release(exec *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[exec.job.ID]; ok && cur == exec {
		delete(r.active, exec.job.ID)
		if len(r.active) == 0 {
			r.logger.Info("worker idle")
		}
	}
}
