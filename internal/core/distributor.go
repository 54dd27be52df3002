package core

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// PublishFunc persists and announces a single assignment. A non-nil error
// makes the distributor roll the assignment back.
type PublishFunc func(ctx context.Context, job *Job, worker *WorkerNode) error

type Assignment struct {
	Job    *Job
	Worker *WorkerNode
}

type DistributionResult struct {
	Assigned   []Assignment
	RolledBack []Assignment
}

type Distributor struct {
	publish PublishFunc
	logger  *slog.Logger
	now     func() time.Time
}

func NewDistributor(publish PublishFunc, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributor{
		publish: publish,
		logger:  logger.With("component", "distributor"),
		now:     now,
	}
}

// capacityBuckets groups workers by spare capacity. Within a bucket the
// order of arrival is kept so the first found worker wins ties.
type capacityBuckets struct {
	buckets map[int][]*WorkerNode
	max     int
}

func newCapacityBuckets(workers []*WorkerNode) *capacityBuckets {
	b := &capacityBuckets{buckets: make(map[int][]*WorkerNode)}
	for _, w := range workers {
		if w.Status == WorkerStatusOffline {
			continue
		}
		b.push(w)
	}
	return b
}

func (b *capacityBuckets) push(w *WorkerNode) {
	spare := w.SpareCapacity()
	if spare <= 0 {
		return
	}
	b.buckets[spare] = append(b.buckets[spare], w)
	if spare > b.max {
		b.max = spare
	}
}

// take removes the first worker of the highest non-empty bucket and
// re-files it one bucket lower.
func (b *capacityBuckets) take() *WorkerNode {
	for spare := b.max; spare > 0; spare-- {
		ws := b.buckets[spare]
		if len(ws) == 0 {
			continue
		}
		w := ws[0]
		b.buckets[spare] = ws[1:]
		if spare-1 > 0 {
			b.buckets[spare-1] = append(b.buckets[spare-1], w)
		}
		b.max = spare
		return w
	}
	return nil
}

// SortJobs orders jobs by priority descending, then scheduled time
// ascending with unscheduled jobs first. Equal keys keep their order.
func SortJobs(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.ScheduledTime == nil && b.ScheduledTime == nil:
			return false
		case a.ScheduledTime == nil:
			return true
		case b.ScheduledTime == nil:
			return false
		}
		return a.ScheduledTime.Before(*b.ScheduledTime)
	})
}

// Distribute assigns jobs to workers with spare capacity, mutating both in
// place. It stops at the first job no worker can take so that a lower
// priority job never jumps ahead of a higher one.
func (d *Distributor) Distribute(ctx context.Context, jobs []*Job, workers []*WorkerNode) DistributionResult {
	var result DistributionResult

	ordered := make([]*Job, len(jobs))
	copy(ordered, jobs)
	SortJobs(ordered)

	buckets := newCapacityBuckets(workers)

	for _, job := range ordered {
		if ctx.Err() != nil {
			break
		}
		worker := buckets.take()
		if worker == nil {
			d.logger.Debug("no worker with spare capacity, stopping", "job_id", job.ID)
			break
		}

		prevStatus := worker.Status
		startedAt := d.now()
		job.Status = JobStatusInProgress
		job.StartTime = &startedAt
		job.AssignedWorker = worker.ID
		worker.ActiveJobCount++
		worker.Status = WorkerStatusBusy

		if d.publish != nil {
			if err := d.publish(ctx, job, worker); err != nil {
				d.logger.Warn("assignment publish failed, rolling back",
					"job_id", job.ID, "worker_id", worker.ID, "error", err)
				job.Status = JobStatusPending
				job.StartTime = nil
				job.AssignedWorker = ""
				worker.ActiveJobCount--
				worker.Status = prevStatus
				worker.RecomputeStatus()
				result.RolledBack = append(result.RolledBack, Assignment{Job: job, Worker: worker})
				continue
			}
		}

		d.logger.Info("job assigned", "job_id", job.ID, "worker_id", worker.ID, "priority", job.Priority.String())
		result.Assigned = append(result.Assigned, Assignment{Job: job, Worker: worker})
	}

	return result
}
