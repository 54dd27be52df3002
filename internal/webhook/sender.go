package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
)

type Event string

const (
	EventJobsChanged    Event = "jobs_changed"
	EventWorkersChanged Event = "workers_changed"
	EventJobCompleted   Event = "job_completed"
	EventJobFailed      Event = "job_failed"
	EventTest           Event = "test"
)

func ValidEvent(e string) bool {
	switch Event(e) {
	case EventJobsChanged, EventWorkersChanged, EventJobCompleted, EventJobFailed, EventTest:
		return true
	}
	return false
}

const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"
)

type Payload struct {
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type JobsChangedData struct {
	JobIDs []int64 `json:"job_ids"`
}

type WorkersChangedData struct {
	WorkerIDs []string `json:"worker_ids"`
}

type JobEventData struct {
	JobID        int64          `json:"job_id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Status       core.JobStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
}

// Store is the part of the database the sender reads webhook targets from.
type Store interface {
	WebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error)
	GetWebhook(ctx context.Context, id int64) (*db.Webhook, error)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}

type Sender struct {
	store      Store
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *Payload
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running bool
}

var _ core.Notifier = (*Sender)(nil)

func NewSender(store Store, cfg config.WebhookConfig, logger *slog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Sender{
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.WorkerCount,
		queue:      make(chan *Payload, cfg.QueueSize),
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
	}
}

// Run starts the delivery workers and blocks until ctx ends.
func (s *Sender) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("webhook sender already running")
	}
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (s *Sender) JobsChanged(ids []int64) {
	s.enqueue(EventJobsChanged, JobsChangedData{JobIDs: ids})
}

func (s *Sender) WorkersChanged(ids []string) {
	s.enqueue(EventWorkersChanged, WorkersChangedData{WorkerIDs: ids})
}

func (s *Sender) JobFinished(job *core.Job) {
	data := JobEventData{
		JobID:        job.ID,
		Name:         job.Name,
		Type:         job.Type,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
	}
	if job.StartTime != nil && job.EndTime != nil {
		data.DurationMs = job.EndTime.Sub(*job.StartTime).Milliseconds()
	}

	event := EventJobFailed
	if job.Status == core.JobStatusCompleted {
		event = EventJobCompleted
	}
	s.enqueue(event, data)
}

func (s *Sender) enqueue(event Event, data any) {
	p := &Payload{Event: event, Timestamp: s.now().UTC(), Data: data}
	select {
	case s.queue <- p:
	default:
		s.logger.Warn("queue full, dropping event", "event", event)
	}
}

func (s *Sender) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.queue:
			s.fanOut(ctx, id, p)
		}
	}
}

func (s *Sender) fanOut(ctx context.Context, workerID int, p *Payload) {
	hooks, err := s.store.WebhooksForEvent(ctx, string(p.Event))
	if err != nil {
		s.logger.Error("failed to load webhooks", "event", p.Event, "error", err)
		return
	}
	for _, hook := range hooks {
		if err := s.sendWithRetry(ctx, hook, p); err != nil {
			s.logger.Warn("webhook delivery failed",
				"worker", workerID, "webhook_id", hook.ID, "event", p.Event, "error", err)
		}
	}
}

// SendTest delivers a single test event to one webhook without retries.
func (s *Sender) SendTest(ctx context.Context, webhookID int64) error {
	hook, err := s.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}
	p := &Payload{
		Event:     EventTest,
		Timestamp: s.now().UTC(),
		Data:      map[string]any{"test": true, "webhook_id": webhookID, "message": "test webhook from jobfleet"},
	}
	return s.send(ctx, hook, p)
}

func (s *Sender) sendWithRetry(ctx context.Context, hook *db.Webhook, p *Payload) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		err := s.send(ctx, hook, p)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(attempt-1))
			s.logger.Debug("retrying webhook", "webhook_id", hook.ID, "attempt", attempt, "backoff", backoff, "error", err)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) send(ctx context.Context, hook *db.Webhook, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(p.Event))
	if hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, hook.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
