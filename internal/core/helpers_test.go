package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/logging"
)

type published struct {
	Topic string
	Msg   *core.ControlMessage
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []published
	fail     error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg *core.ControlMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.messages = append(p.messages, published{Topic: topic, Msg: msg})
	return nil
}

func (p *recordingPublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	jobs     []int64
	workers  []string
	finished []*core.Job
}

func (n *recordingNotifier) JobsChanged(ids []int64) {
	n.mu.Lock()
	n.jobs = append(n.jobs, ids...)
	n.mu.Unlock()
}

func (n *recordingNotifier) WorkersChanged(ids []string) {
	n.mu.Lock()
	n.workers = append(n.workers, ids...)
	n.mu.Unlock()
}

func (n *recordingNotifier) JobFinished(j *core.Job) {
	n.mu.Lock()
	n.finished = append(n.finished, j)
	n.mu.Unlock()
}

func (n *recordingNotifier) sawJob(id int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, j := range n.jobs {
		if j == id {
			return true
		}
	}
	return false
}

var errChannelDown = errors.New("channel down")

func openStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "core.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorker(t *testing.T, s *db.Store, name string, limit int, lastHeartbeat time.Time) *core.WorkerNode {
	t.Helper()
	w, _, err := s.RegisterWorker(context.Background(), &core.WorkerNode{
		Name:             name,
		ConcurrencyLimit: limit,
		LastHeartbeat:    lastHeartbeat,
		RegisteredAt:     lastHeartbeat,
	})
	if err != nil {
		t.Fatalf("seed worker %s: %v", name, err)
	}
	return w
}

func seedJob(t *testing.T, s *db.Store, name string, p core.Priority, maxRetries int) *core.Job {
	t.Helper()
	j := &core.Job{Name: name, Type: "generic", Priority: p, MaxRetries: maxRetries}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("seed job %s: %v", name, err)
	}
	return j
}

func testSchedulerConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.QueueInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	return &cfg
}

var quiet = logging.Discard()
