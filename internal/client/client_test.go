package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/jobfleet/internal/api"
	"github.com/orrn/jobfleet/internal/api/middleware"
	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/client"
	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/logging"
	"github.com/orrn/jobfleet/internal/processor"
	"github.com/orrn/jobfleet/internal/worker"
)

type service struct {
	url       string
	bus       *channel.Memory
	jobs      *core.JobService
	scheduler *core.Scheduler
}

func startService(t *testing.T, auth config.AuthConfig) *service {
	t.Helper()
	logger := logging.Discard()

	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "client.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := channel.NewMemory(channel.JSONCodec{}, logger)
	t.Cleanup(func() { bus.Close() })

	schedCfg := config.DefaultSchedulerConfig()
	jobs := core.NewJobService(store, bus, nil, 2, logger)
	scheduler := core.NewScheduler(store, bus, nil, &schedCfg, logger)
	router := api.NewRouter(api.Deps{
		Auth:      auth,
		Store:     store,
		Workers:   core.NewWorkerService(store, bus, nil, logger),
		Jobs:      jobs,
		Scheduler: scheduler,
		Logger:    logger,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &service{url: srv.URL, bus: bus, jobs: jobs, scheduler: scheduler}
}

func workerConfig(base, name string) config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.Name = name
	cfg.QueueServiceURL = base
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func TestErrorsMapBackToSentinels(t *testing.T) {
	svc := startService(t, config.AuthConfig{})
	c := client.New(workerConfig(svc.url, "alpha"))
	ctx := context.Background()

	w, err := c.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.ID == "" || w.Status != core.WorkerStatusIdle {
		t.Fatalf("worker = %+v", w)
	}

	_, err = c.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	if !errors.Is(err, core.ErrWorkerConflict) {
		t.Fatalf("second register: %v, want ErrWorkerConflict", err)
	}

	if _, err := c.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID, Status: core.WorkerStatusIdle}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := c.Heartbeat(ctx, core.Heartbeat{WorkerID: "nope"}); !errors.Is(err, core.ErrWorkerNotFound) {
		t.Fatalf("unknown heartbeat: %v", err)
	}

	if err := c.SetWorkerStatus(ctx, w.ID, core.WorkerStatusOffline); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	if _, err := c.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID}); !errors.Is(err, core.ErrWorkerOffline) {
		t.Fatalf("offline heartbeat: %v, want ErrWorkerOffline", err)
	}

	if err := c.ReportProgress(ctx, 999, w.ID, 10); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("progress on missing job: %v", err)
	}
	var apiErr *client.APIError
	if err := c.ReportProgress(ctx, 999, w.ID, 10); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}

func TestReleaseAndHeartbeatAckOverHTTP(t *testing.T) {
	svc := startService(t, config.AuthConfig{})
	c := client.New(workerConfig(svc.url, "alpha"))
	ctx := context.Background()

	w, err := c.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	job, err := svc.jobs.Create(ctx, core.CreateJobRequest{Name: "refused", Type: "DataProcessing"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := svc.scheduler.DispatchNow(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := c.ReleaseJob(ctx, job.ID, w.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := svc.jobs.Get(ctx, job.ID)
	if got.Status != core.JobStatusPending || got.AssignedWorker != "" {
		t.Fatalf("released job = %+v", got)
	}
	if err := c.ReleaseJob(ctx, job.ID, w.ID); !errors.Is(err, core.ErrStaleAssignment) {
		t.Fatalf("second release: %v, want ErrStaleAssignment", err)
	}

	ack, err := c.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID, ActiveJobCount: 1, ActiveJobIDs: []int64{job.ID}})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(ack.Cancel) != 1 || ack.Cancel[0] != job.ID {
		t.Errorf("ack = %+v, want cancel of job %d", ack, job.ID)
	}
}

func TestTokenIsFetchedAndReused(t *testing.T) {
	hash, err := middleware.HashEnrollmentKey("enroll-me")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := startService(t, config.AuthConfig{JWTSecret: "secret", EnrollmentKeyHash: hash})

	target, err := url.Parse(svc.url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	forward := httputil.NewSingleHostReverseProxy(target)

	var tokenCalls atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/token" {
			tokenCalls.Add(1)
		}
		forward.ServeHTTP(w, r)
	}))
	defer proxy.Close()

	cfg := workerConfig(proxy.URL, "alpha")
	cfg.EnrollmentKey = "enroll-me"
	c := client.New(cfg)
	ctx := context.Background()

	w, err := c.Register(ctx, core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.Heartbeat(ctx, core.Heartbeat{WorkerID: w.ID}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token requests = %d, want 1", n)
	}

	bad := workerConfig(svc.url, "mallory")
	bad.EnrollmentKey = "guess"
	if _, err := client.New(bad).Register(ctx, core.RegisterRequest{Name: "mallory", ConcurrencyLimit: 1}); err == nil {
		t.Fatal("expected token failure")
	}
}

func TestUnauthenticatedWithoutKey(t *testing.T) {
	hash, err := middleware.HashEnrollmentKey("enroll-me")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := startService(t, config.AuthConfig{JWTSecret: "secret", EnrollmentKeyHash: hash})

	c := client.New(workerConfig(svc.url, "alpha"))
	_, err = c.Register(context.Background(), core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 1})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("got %v, want 401", err)
	}
}

// A worker runtime driven entirely over HTTP picks up a dispatched job and
// reports it completed.
func TestRuntimeOverHTTP(t *testing.T) {
	svc := startService(t, config.AuthConfig{})
	cfg := workerConfig(svc.url, "alpha")
	cfg.ConcurrencyLimit = 2
	cfg.HeartbeatInterval = time.Hour
	cfg.RegisterBaseDelay = time.Millisecond

	rt := worker.New(cfg, client.New(cfg), svc.bus, processor.Default(0, logging.Discard()), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rt.ID() == "" {
		if time.Now().After(deadline) {
			t.Fatal("runtime did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	job, err := svc.jobs.Create(context.Background(), core.CreateJobRequest{
		Name: "ingest", Type: "DataProcessing", Payload: `{"records":3}`,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := svc.scheduler.DispatchNow(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for {
		got, err := svc.jobs.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == core.JobStatusCompleted {
			if got.Progress != 100 {
				t.Fatalf("progress = %d", got.Progress)
			}
			break
		}
		if time.Now().After(deadline.Add(5 * time.Second)) {
			t.Fatalf("job still %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
