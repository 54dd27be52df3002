package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/orrn/jobfleet/internal/api"
	"github.com/orrn/jobfleet/internal/api/middleware"
	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/logging"
	"github.com/orrn/jobfleet/internal/webhook"
)

type testAPI struct {
	router *gin.Engine
	bus    *channel.Memory
	store  *db.Store
}

func newTestAPI(t *testing.T, auth config.AuthConfig) *testAPI {
	t.Helper()
	logger := logging.Discard()

	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := channel.NewMemory(channel.JSONCodec{}, logger)
	t.Cleanup(func() { bus.Close() })

	sender := webhook.NewSender(store, config.WebhookConfig{}, logger)
	schedCfg := config.DefaultSchedulerConfig()

	router := api.NewRouter(api.Deps{
		Auth:      auth,
		Store:     store,
		Workers:   core.NewWorkerService(store, bus, nil, logger),
		Jobs:      core.NewJobService(store, bus, nil, 3, logger),
		Scheduler: core.NewScheduler(store, bus, nil, &schedCfg, logger),
		Webhooks:  sender,
		Settings:  settingsConfig(),
		Logger:    logger,
	})
	return &testAPI{router: router, bus: bus, store: store}
}

func (a *testAPI) call(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	if got := decode[struct{ Error string }](t, rec).Error; got != code {
		t.Fatalf("error code = %q, want %q", got, code)
	}
}

func (a *testAPI) register(t *testing.T, name string, limit int) *core.WorkerNode {
	t.Helper()
	rec := a.call(t, http.MethodPost, "/api/v1/workers/register",
		core.RegisterRequest{Name: name, ConcurrencyLimit: limit}, "")
	expectStatus(t, rec, http.StatusCreated)
	w := decode[core.WorkerNode](t, rec)
	return &w
}

func (a *testAPI) createJob(t *testing.T, name string) *core.Job {
	t.Helper()
	rec := a.call(t, http.MethodPost, "/api/v1/jobs", map[string]any{"name": name, "type": "Report"}, "")
	expectStatus(t, rec, http.StatusCreated)
	j := decode[core.Job](t, rec)
	return &j
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})
	expectStatus(t, a.call(t, http.MethodGet, "/healthz", nil, ""), http.StatusOK)
}

func TestRegisterConflictAndReactivation(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})

	first := a.register(t, "alpha", 2)

	rec := a.call(t, http.MethodPost, "/api/v1/workers/register",
		core.RegisterRequest{Name: "alpha", ConcurrencyLimit: 2}, "")
	expectError(t, rec, http.StatusConflict, "worker_conflict")

	rec = a.call(t, http.MethodPut, "/api/v1/workers/"+first.ID+"/status", map[string]string{"status": "offline"}, "")
	expectStatus(t, rec, http.StatusOK)

	rec = a.call(t, http.MethodPost, "/api/v1/workers/heartbeat", core.Heartbeat{WorkerID: first.ID}, "")
	expectError(t, rec, http.StatusConflict, "worker_offline")

	again := a.register(t, "alpha", 2)
	if again.ID != first.ID || again.Status != core.WorkerStatusIdle {
		t.Fatalf("reactivated worker = %+v", again)
	}

	rec = a.call(t, http.MethodPost, "/api/v1/workers/register", core.RegisterRequest{Name: " "}, "")
	expectError(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})
	w := a.register(t, "alpha", 2)
	job := a.createJob(t, "quarterly")
	if job.Status != core.JobStatusPending || job.MaxRetries != 3 {
		t.Fatalf("created job = %+v", job)
	}

	rec := a.call(t, http.MethodPost, "/api/v1/queue/dispatch", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct{ Assigned int }](t, rec).Assigned; got != 1 {
		t.Fatalf("assigned = %d", got)
	}
	if n := a.bus.Pending(core.WorkerTopic(w.ID)); n != 1 {
		t.Fatalf("pending control messages = %d", n)
	}

	progress := fmt.Sprintf("/api/v1/jobs/%d/progress", job.ID)
	expectStatus(t, a.call(t, http.MethodPut, progress, map[string]any{"worker_id": w.ID, "progress": 40}, ""), http.StatusOK)
	expectError(t, a.call(t, http.MethodPut, progress, map[string]any{"worker_id": "someone-else", "progress": 60}, ""),
		http.StatusConflict, "stale_assignment")
	expectError(t, a.call(t, http.MethodPut, progress, map[string]any{"worker_id": w.ID, "progress": 150}, ""),
		http.StatusBadRequest, "invalid_progress")

	expectError(t, a.call(t, http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil, ""),
		http.StatusConflict, "job_not_terminal")

	rec = a.call(t, http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/status", job.ID),
		core.JobReport{WorkerID: w.ID, Status: core.JobStatusCompleted}, "")
	expectStatus(t, rec, http.StatusOK)
	done := decode[core.Job](t, rec)
	if done.Status != core.JobStatusCompleted || done.Progress != 100 || done.AssignedWorker != "" {
		t.Fatalf("finished job = %+v", done)
	}

	rec = a.call(t, http.MethodGet, "/api/v1/workers/"+w.ID, nil, "")
	if got := decode[core.WorkerNode](t, rec); got.ActiveJobCount != 0 || got.Status != core.WorkerStatusIdle {
		t.Fatalf("worker after result = %+v", got)
	}

	rec = a.call(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d/logs", job.ID), nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct{ Count int }](t, rec).Count; got == 0 {
		t.Fatal("expected execution logs")
	}

	rec = a.call(t, http.MethodGet, "/api/v1/queue", nil, "")
	if stats := decode[core.QueueStats](t, rec); stats.Completed != 1 || stats.Total != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	expectStatus(t, a.call(t, http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil, ""), http.StatusNoContent)
	expectError(t, a.call(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil, ""),
		http.StatusNotFound, "job_not_found")
}

func TestManualAssignment(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})
	w := a.register(t, "alpha", 1)
	first := a.createJob(t, "one")
	second := a.createJob(t, "two")

	path := "/api/v1/workers/" + w.ID + "/jobs"
	rec := a.call(t, http.MethodPost, path, map[string]int64{"job_id": first.ID}, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct{ Result core.AssignResult }](t, rec).Result; got != core.AssignSuccess {
		t.Fatalf("result = %q", got)
	}

	rec = a.call(t, http.MethodPost, path, map[string]int64{"job_id": second.ID}, "")
	expectStatus(t, rec, http.StatusConflict)
	if got := decode[struct{ Result core.AssignResult }](t, rec).Result; got != core.AssignAtCapacity {
		t.Fatalf("result = %q", got)
	}

	rec = a.call(t, http.MethodPost, "/api/v1/workers/missing/jobs", map[string]int64{"job_id": second.ID}, "")
	expectStatus(t, rec, http.StatusNotFound)

	rec = a.call(t, http.MethodGet, path, nil, "")
	if got := decode[struct{ Count int }](t, rec).Count; got != 1 {
		t.Fatalf("worker jobs = %d", got)
	}

	rec = a.call(t, http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/stop", first.ID), nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[core.Job](t, rec); got.Status != core.JobStatusFailed || got.ErrorMessage != "stopped by operator" {
		t.Fatalf("stopped job = %+v", got)
	}

	rec = a.call(t, http.MethodPut, fmt.Sprintf("/api/v1/jobs/%d/restart", first.ID), nil, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[core.Job](t, rec); got.Status != core.JobStatusPending || got.Progress != 0 {
		t.Fatalf("restarted job = %+v", got)
	}
}

func TestBearerAuth(t *testing.T) {
	hash, err := middleware.HashEnrollmentKey("enroll-me")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := newTestAPI(t, config.AuthConfig{JWTSecret: "secret", EnrollmentKeyHash: hash})

	expectStatus(t, a.call(t, http.MethodGet, "/api/v1/jobs", nil, ""), http.StatusUnauthorized)
	expectStatus(t, a.call(t, http.MethodGet, "/api/v1/jobs", nil, "garbage"), http.StatusUnauthorized)

	rec := a.call(t, http.MethodPost, "/api/v1/auth/token", map[string]string{"name": "alpha", "enrollment_key": "wrong"}, "")
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = a.call(t, http.MethodPost, "/api/v1/auth/token", map[string]string{"name": "alpha", "enrollment_key": "enroll-me"}, "")
	expectStatus(t, rec, http.StatusOK)
	token := decode[middleware.TokenResponse](t, rec)
	if token.Token == "" || token.ExpiresAt == nil {
		t.Fatalf("token response = %+v", token)
	}

	expectStatus(t, a.call(t, http.MethodGet, "/api/v1/jobs", nil, token.Token), http.StatusOK)
	expectStatus(t, a.call(t, http.MethodGet, "/healthz", nil, ""), http.StatusOK)
}

func TestWebhookCRUD(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})

	rec := a.call(t, http.MethodPost, "/api/v1/webhooks",
		map[string]any{"name": "ops", "url": "http://example.invalid/hook", "events": []string{"job_exploded"}}, "")
	expectError(t, rec, http.StatusBadRequest, "invalid_event")

	rec = a.call(t, http.MethodPost, "/api/v1/webhooks",
		map[string]any{"name": "ops", "url": "http://example.invalid/hook", "events": []string{"job_failed"}}, "")
	expectStatus(t, rec, http.StatusCreated)
	created := decode[struct {
		ID      int64
		Events  []string
		Enabled bool
	}](t, rec)
	if !created.Enabled || len(created.Events) != 1 {
		t.Fatalf("created = %+v", created)
	}

	path := fmt.Sprintf("/api/v1/webhooks/%d", created.ID)
	rec = a.call(t, http.MethodPut, path, map[string]any{"enabled": false}, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decode[struct{ Enabled bool }](t, rec); got.Enabled {
		t.Fatal("webhook still enabled")
	}

	expectStatus(t, a.call(t, http.MethodDelete, path, nil, ""), http.StatusNoContent)
	expectError(t, a.call(t, http.MethodGet, path, nil, ""), http.StatusNotFound, "webhook_not_found")
}

func settingsConfig() *config.Config {
	cfg := config.Default()
	cfg.Channel.Driver = "redis"
	cfg.Channel.RedisAddr = "cache:6379"
	cfg.Channel.RedisPass = "hunter2"
	cfg.Auth.JWTSecret = "do-not-leak"
	return cfg
}

func TestSettingsRedactSecrets(t *testing.T) {
	a := newTestAPI(t, config.AuthConfig{})

	rec := a.call(t, http.MethodGet, "/api/v1/settings", nil, "")
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, secret := range []string{"hunter2", "do-not-leak"} {
		if strings.Contains(body, secret) {
			t.Fatalf("settings leaked %q: %s", secret, body)
		}
	}

	got := decode[struct {
		AuthEnabled bool `json:"auth_enabled"`
		Channel     struct {
			Driver    string `json:"driver"`
			RedisAddr string `json:"redis_addr"`
		} `json:"channel"`
		Scheduler struct {
			QueueInterval string `json:"queue_interval"`
		} `json:"scheduler"`
	}](t, rec)
	if !got.AuthEnabled || got.Channel.Driver != "redis" || got.Channel.RedisAddr != "cache:6379" {
		t.Fatalf("settings = %+v", got)
	}
	if got.Scheduler.QueueInterval != "10s" {
		t.Fatalf("queue interval = %q", got.Scheduler.QueueInterval)
	}
}
