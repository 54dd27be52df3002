package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/logging"
)

type fakeStore struct {
	hooks []*db.Webhook
}

func (f *fakeStore) WebhooksForEvent(_ context.Context, event string) ([]*db.Webhook, error) {
	var out []*db.Webhook
	for _, h := range f.hooks {
		if h.Subscribes(event) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) GetWebhook(_ context.Context, id int64) (*db.Webhook, error) {
	for _, h := range f.hooks {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, db.ErrWebhookNotFound
}

func testConfig() config.WebhookConfig {
	return config.WebhookConfig{
		RetryCount:  3,
		RetryDelay:  time.Millisecond,
		Timeout:     time.Second,
		WorkerCount: 1,
		QueueSize:   10,
	}
}

type received struct {
	event     string
	signature string
	body      []byte
}

func TestJobFinishedIsSignedAndDelivered(t *testing.T) {
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{r.Header.Get(HeaderEvent), r.Header.Get(HeaderSignature), body}
	}))
	defer srv.Close()

	store := &fakeStore{hooks: []*db.Webhook{
		{ID: 1, URL: srv.URL, Secret: "s3cret", Events: []string{"job_completed"}, Enabled: true},
	}}
	s := NewSender(store, testConfig(), logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.JobFinished(&core.Job{ID: 9, Name: "report", Status: core.JobStatusCompleted})

	select {
	case r := <-got:
		if r.event != string(EventJobCompleted) {
			t.Errorf("event header = %q", r.event)
		}
		if r.signature != Sign(r.body, "s3cret") {
			t.Errorf("signature mismatch")
		}
		var p struct {
			Event Event        `json:"event"`
			Data  JobEventData `json:"data"`
		}
		if err := json.Unmarshal(r.body, &p); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if p.Data.JobID != 9 || p.Data.Status != core.JobStatusCompleted {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestRetriesServerErrorsButNotClientErrors(t *testing.T) {
	var serverCalls, clientCalls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serverCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer flaky.Close()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejecting.Close()

	s := NewSender(&fakeStore{}, testConfig(), logging.Discard())
	ctx := context.Background()
	p := &Payload{Event: EventJobsChanged, Data: JobsChangedData{JobIDs: []int64{1}}}

	if err := s.sendWithRetry(ctx, &db.Webhook{ID: 1, URL: flaky.URL}, p); err != nil {
		t.Fatalf("flaky endpoint: %v", err)
	}
	if n := serverCalls.Load(); n != 3 {
		t.Errorf("server error attempts = %d, want 3", n)
	}

	if err := s.sendWithRetry(ctx, &db.Webhook{ID: 2, URL: rejecting.URL}, p); err == nil {
		t.Fatal("expected client error")
	}
	if n := clientCalls.Load(); n != 1 {
		t.Errorf("client error attempts = %d, want 1", n)
	}
}

func TestEventsOnlyReachSubscribedHooks(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
	}))
	defer srv.Close()

	store := &fakeStore{hooks: []*db.Webhook{
		{ID: 1, URL: srv.URL + "/jobs", Events: []string{"jobs_changed"}, Enabled: true},
		{ID: 2, URL: srv.URL + "/workers", Events: []string{"workers_changed"}, Enabled: true},
	}}
	s := NewSender(store, testConfig(), logging.Discard())

	s.WorkersChanged([]string{"w1"})
	s.fanOut(context.Background(), 0, <-s.queue)

	mu.Lock()
	defer mu.Unlock()
	if hits["/workers"] != 1 || hits["/jobs"] != 0 {
		t.Errorf("hits = %v", hits)
	}
}

func TestFullQueueDropsEvents(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	s := NewSender(&fakeStore{}, cfg, logging.Discard())

	s.JobsChanged([]int64{1})
	s.JobsChanged([]int64{2})

	if n := len(s.queue); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

func TestSendTestUnknownWebhook(t *testing.T) {
	s := NewSender(&fakeStore{}, testConfig(), logging.Discard())
	if err := s.SendTest(context.Background(), 42); err != db.ErrWebhookNotFound {
		t.Fatalf("got %v, want ErrWebhookNotFound", err)
	}
}
