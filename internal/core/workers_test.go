package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/core"
)

func TestRegisterConflictAndReactivation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	svc := core.NewWorkerService(s, &recordingPublisher{}, nil, quiet)

	alpha, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 2})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 2}); !errors.Is(err, core.ErrWorkerConflict) {
		t.Fatalf("got %v, want ErrWorkerConflict", err)
	}

	j := seedJob(t, s, "one", core.PriorityRegular, 3)
	if res, err := svc.AssignJob(ctx, alpha.ID, j.ID); err != nil || res != core.AssignSuccess {
		t.Fatalf("assign: %v %v", res, err)
	}
	if err := svc.SetStatus(ctx, alpha.ID, core.WorkerStatusOffline); err != nil {
		t.Fatalf("offline: %v", err)
	}

	again, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 3})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != alpha.ID || again.ActiveJobCount != 0 || again.Status != core.WorkerStatusIdle {
		t.Errorf("reactivated = %+v", again)
	}

	job, _ := s.GetJob(ctx, j.ID)
	if job.Status != core.JobStatusRetrying || job.AssignedWorker != "" {
		t.Errorf("job after shutdown notice = %+v", job)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := core.NewWorkerService(openStore(t), &recordingPublisher{}, nil, quiet)
	for _, req := range []core.RegisterRequest{
		{Name: "", ConcurrencyLimit: 1},
		{Name: "x", ConcurrencyLimit: 0},
	} {
		if _, err := svc.Register(context.Background(), req); err == nil {
			t.Errorf("expected error for %+v", req)
		}
	}
}

func TestHeartbeatFromOfflineWorker(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	svc := core.NewWorkerService(s, &recordingPublisher{}, nil, quiet)

	w, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	if err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if _, err := svc.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID, Timestamp: future}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := s.GetWorker(ctx, w.ID)
	if got.LastHeartbeat.After(time.Now().Add(time.Second)) {
		t.Errorf("future heartbeat not clamped: %v", got.LastHeartbeat)
	}

	if err := svc.SetStatus(ctx, w.ID, core.WorkerStatusOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID}); !errors.Is(err, core.ErrWorkerOffline) {
		t.Errorf("got %v, want ErrWorkerOffline", err)
	}
	if _, err := svc.Heartbeat(ctx, core.Heartbeat{WorkerID: "missing"}); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Errorf("got %v, want ErrWorkerNotFound", err)
	}
}

func TestHeartbeatReleasesUnreportedJobs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	notes := &recordingNotifier{}
	svc := core.NewWorkerService(s, &recordingPublisher{}, notes, quiet, core.WithOrphanGrace(time.Minute))

	w, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 3})
	if err != nil {
		t.Fatal(err)
	}
	old := seedJob(t, s, "old", core.PriorityRegular, 3)
	fresh := seedJob(t, s, "fresh", core.PriorityRegular, 3)
	running := seedJob(t, s, "running", core.PriorityRegular, 3)

	claim := func(j *core.Job, age time.Duration) {
		t.Helper()
		started := time.Now().UTC().Add(-age)
		j.StartTime = &started
		node, _ := s.GetWorker(ctx, w.ID)
		if err := s.CommitAssignment(ctx, j, node); err != nil {
			t.Fatalf("commit %s: %v", j.Name, err)
		}
	}
	claim(old, 5*time.Minute)
	claim(fresh, time.Second)
	claim(running, 5*time.Minute)

	ack, err := svc.Heartbeat(ctx, core.Heartbeat{
		WorkerID:       w.ID,
		ActiveJobCount: 2,
		ActiveJobIDs:   []int64{running.ID, 999},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(ack.Released) != 1 || ack.Released[0] != old.ID {
		t.Errorf("released = %v, want [%d]", ack.Released, old.ID)
	}
	if len(ack.Cancel) != 1 || ack.Cancel[0] != 999 {
		t.Errorf("cancel = %v, want [999]", ack.Cancel)
	}

	got, _ := s.GetJob(ctx, old.ID)
	if got.Status != core.JobStatusPending || got.AssignedWorker != "" || got.RetryCount != 0 {
		t.Errorf("orphaned job = %+v", got)
	}
	got, _ = s.GetJob(ctx, fresh.ID)
	if got.Status != core.JobStatusInProgress {
		t.Errorf("young assignment released: %+v", got)
	}
	node, _ := s.GetWorker(ctx, w.ID)
	if node.ActiveJobCount != 2 {
		t.Errorf("active job count = %d, want 2", node.ActiveJobCount)
	}
	if !notes.sawJob(old.ID) {
		t.Error("release not notified")
	}
}

func TestHeartbeatKeepsJobsBeingReported(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	svc := core.NewWorkerService(s, &recordingPublisher{}, nil, quiet, core.WithOrphanGrace(time.Second))

	w, _ := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j := seedJob(t, s, "one", core.PriorityRegular, 3)
	started := time.Now().UTC().Add(-time.Hour)
	j.StartTime = &started
	if err := s.CommitAssignment(ctx, j, w); err != nil {
		t.Fatal(err)
	}

	ack, err := svc.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID, ActiveJobIDs: []int64{}, ReportingIDs: []int64{j.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Released) != 0 || len(ack.Cancel) != 0 {
		t.Errorf("ack = %+v", ack)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != core.JobStatusInProgress || got.AssignedWorker != w.ID {
		t.Errorf("job being reported was released: %+v", got)
	}
}

func TestHeartbeatWithoutJobIDsSkipsReconciliation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	svc := core.NewWorkerService(s, &recordingPublisher{}, nil, quiet)

	w, _ := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j := seedJob(t, s, "one", core.PriorityRegular, 3)
	started := time.Now().UTC().Add(-time.Hour)
	j.StartTime = &started
	if err := s.CommitAssignment(ctx, j, w); err != nil {
		t.Fatal(err)
	}

	ack, err := svc.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID, ActiveJobCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Released) != 0 || len(ack.Cancel) != 0 {
		t.Errorf("ack = %+v", ack)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Status != core.JobStatusInProgress {
		t.Errorf("job = %+v", got)
	}
}

func TestReactivationPurgesControlTopic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	bus := channel.NewMemory(channel.JSONCodec{}, quiet)
	defer bus.Close()
	svc := core.NewWorkerService(s, bus, nil, quiet)

	w, _ := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j := seedJob(t, s, "one", core.PriorityRegular, 3)
	if res, err := svc.AssignJob(ctx, w.ID, j.ID); err != nil || res != core.AssignSuccess {
		t.Fatalf("assign: %v %v", res, err)
	}
	if bus.Pending(core.WorkerTopic(w.ID)) != 1 {
		t.Fatalf("pending = %d", bus.Pending(core.WorkerTopic(w.ID)))
	}

	if err := svc.SetStatus(ctx, w.ID, core.WorkerStatusOffline); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1}); err != nil {
		t.Fatal(err)
	}
	if n := bus.Pending(core.WorkerTopic(w.ID)); n != 0 {
		t.Errorf("stale messages left on topic: %d", n)
	}
}

func TestReleaseRefusedAssignment(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	workers := core.NewWorkerService(s, &recordingPublisher{}, nil, quiet)
	jobs := core.NewJobService(s, &recordingPublisher{}, nil, 3, quiet)

	w, _ := workers.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j := seedJob(t, s, "one", core.PriorityRegular, 3)
	if res, err := workers.AssignJob(ctx, w.ID, j.ID); err != nil || res != core.AssignSuccess {
		t.Fatalf("assign: %v %v", res, err)
	}

	if _, err := jobs.Release(ctx, j.ID, "someone-else"); !errors.Is(err, core.ErrStaleAssignment) {
		t.Errorf("foreign release: got %v, want ErrStaleAssignment", err)
	}
	got, err := jobs.Release(ctx, j.ID, w.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.Status != core.JobStatusPending || got.AssignedWorker != "" || got.RetryCount != 0 {
		t.Errorf("released job = %+v", got)
	}
	node, _ := s.GetWorker(ctx, w.ID)
	if node.ActiveJobCount != 0 || node.Status != core.WorkerStatusIdle {
		t.Errorf("worker = %+v", node)
	}
	if _, err := jobs.Release(ctx, j.ID, w.ID); !errors.Is(err, core.ErrStaleAssignment) {
		t.Errorf("second release: got %v, want ErrStaleAssignment", err)
	}
}

func TestAssignJobResults(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	pub := &recordingPublisher{}
	svc := core.NewWorkerService(s, pub, nil, quiet)

	w, _ := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j1 := seedJob(t, s, "one", core.PriorityRegular, 3)
	j2 := seedJob(t, s, "two", core.PriorityRegular, 3)

	if res, _ := svc.AssignJob(ctx, "nope", j1.ID); res != core.AssignNotFound {
		t.Errorf("unknown worker: %v", res)
	}
	if res, err := svc.AssignJob(ctx, w.ID, j1.ID); res != core.AssignSuccess || err != nil {
		t.Fatalf("assign: %v %v", res, err)
	}
	if res, _ := svc.AssignJob(ctx, w.ID, j2.ID); res != core.AssignAtCapacity {
		t.Errorf("full worker: %v", res)
	}

	sent := pub.sent()
	if len(sent) != 1 || sent[0].Topic != core.WorkerTopic(w.ID) || sent[0].Msg.Type != core.ControlAssignJob {
		t.Fatalf("published = %+v", sent)
	}
	if sent[0].Msg.Job == nil || sent[0].Msg.Job.ID != j1.ID {
		t.Errorf("assign message carries job %+v", sent[0].Msg.Job)
	}
}

func TestAssignJobPublishFailureReleases(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	pub := &recordingPublisher{fail: errChannelDown}
	svc := core.NewWorkerService(s, pub, nil, quiet)

	w, _ := svc.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	j := seedJob(t, s, "one", core.PriorityRegular, 3)

	if _, err := svc.AssignJob(ctx, w.ID, j.ID); !errors.Is(err, errChannelDown) {
		t.Fatalf("got %v, want channel error", err)
	}
	job, _ := s.GetJob(ctx, j.ID)
	worker, _ := s.GetWorker(ctx, w.ID)
	if job.Status != core.JobStatusPending || job.AssignedWorker != "" {
		t.Errorf("job = %+v", job)
	}
	if worker.ActiveJobCount != 0 || worker.Status != core.WorkerStatusIdle {
		t.Errorf("worker = %+v", worker)
	}
}
