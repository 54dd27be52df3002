package worker

import (
	"context"

	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/core"
)

// Upstream is the queue service as seen from a worker process.
type Upstream interface {
	Register(ctx context.Context, req core.RegisterRequest) (*core.WorkerNode, error)
	Heartbeat(ctx context.Context, hb core.Heartbeat) (*core.HeartbeatAck, error)
	SetWorkerStatus(ctx context.Context, workerID string, status core.WorkerStatus) error
	ReportProgress(ctx context.Context, jobID int64, workerID string, progress int) error
	ReportResult(ctx context.Context, report core.JobReport) error
	ReleaseJob(ctx context.Context, jobID int64, workerID string) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic string, h channel.Handler) error
}

// LocalUpstream serves workers embedded in the queue service process.
type LocalUpstream struct {
	Workers *core.WorkerService
	Jobs    *core.JobService
}

var _ Upstream = (*LocalUpstream)(nil)

func (u *LocalUpstream) Register(ctx context.Context, req core.RegisterRequest) (*core.WorkerNode, error) {
	return u.Workers.Register(ctx, req)
}

func (u *LocalUpstream) Heartbeat(ctx context.Context, hb core.Heartbeat) (*core.HeartbeatAck, error) {
	return u.Workers.Heartbeat(ctx, hb)
}

func (u *LocalUpstream) SetWorkerStatus(ctx context.Context, workerID string, status core.WorkerStatus) error {
	return u.Workers.SetStatus(ctx, workerID, status)
}

func (u *LocalUpstream) ReportProgress(ctx context.Context, jobID int64, workerID string, progress int) error {
	return u.Jobs.UpdateProgress(ctx, jobID, workerID, progress)
}

func (u *LocalUpstream) ReportResult(ctx context.Context, report core.JobReport) error {
	_, err := u.Jobs.ReportResult(ctx, report)
	return err
}

func (u *LocalUpstream) ReleaseJob(ctx context.Context, jobID int64, workerID string) error {
	_, err := u.Jobs.Release(ctx, jobID, workerID)
	return err
}
