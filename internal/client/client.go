// Package client talks to the queue service HTTP API on behalf of a worker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
)

const (
	apiPrefix = "/api/v1"
	// refresh a little before the token actually expires
	tokenSkew = 30 * time.Second
)

// APIError is a non-2xx answer from the queue service. It unwraps to the
// matching core sentinel when the error code is known.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("queue service returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("queue service returned %d (%s): %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return core.ErrorFromCode(e.Code)
}

type Client struct {
	baseURL       string
	http          *http.Client
	name          string
	enrollmentKey string
	now           func() time.Time

	mu           sync.Mutex
	token        string
	expires      time.Time
	authDisabled bool
}

func New(cfg config.WorkerConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.QueueServiceURL, "/"),
		http:          &http.Client{Timeout: timeout},
		name:          cfg.Name,
		enrollmentKey: cfg.EnrollmentKey,
		now:           time.Now,
	}
}

func (c *Client) Register(ctx context.Context, req core.RegisterRequest) (*core.WorkerNode, error) {
	var w core.WorkerNode
	if err := c.do(ctx, http.MethodPost, "/workers/register", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) Heartbeat(ctx context.Context, hb core.Heartbeat) (*core.HeartbeatAck, error) {
	var ack core.HeartbeatAck
	if err := c.do(ctx, http.MethodPost, "/workers/heartbeat", hb, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) SetWorkerStatus(ctx context.Context, workerID string, status core.WorkerStatus) error {
	body := map[string]core.WorkerStatus{"status": status}
	return c.do(ctx, http.MethodPut, "/workers/"+url.PathEscape(workerID)+"/status", body, nil)
}

func (c *Client) ReportProgress(ctx context.Context, jobID int64, workerID string, progress int) error {
	body := map[string]any{"worker_id": workerID, "progress": progress}
	return c.do(ctx, http.MethodPut, jobPath(jobID, "progress"), body, nil)
}

func (c *Client) ReportResult(ctx context.Context, report core.JobReport) error {
	return c.do(ctx, http.MethodPut, jobPath(report.JobID, "status"), report, nil)
}

func (c *Client) ReleaseJob(ctx context.Context, jobID int64, workerID string) error {
	body := map[string]string{"worker_id": workerID}
	return c.do(ctx, http.MethodPut, jobPath(jobID, "release"), body, nil)
}

func jobPath(id int64, action string) string {
	return "/jobs/" + strconv.FormatInt(id, 10) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = data
	}

	for attempt := 0; ; attempt++ {
		token, err := c.bearer(ctx)
		if err != nil {
			return err
		}

		status, body, err := c.send(ctx, method, apiPrefix+path, payload, token)
		if err != nil {
			return err
		}

		if status == http.StatusUnauthorized && c.enrollmentKey != "" && attempt == 0 {
			c.dropToken()
			continue
		}
		if status < 200 || status > 299 {
			return decodeError(status, body)
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to reach queue service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var resp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		apiErr.Code = resp.Error
		apiErr.Message = resp.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// bearer returns a valid token, fetching one when an enrollment key is set.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.enrollmentKey == "" {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authDisabled {
		return "", nil
	}
	if c.token != "" && c.now().Add(tokenSkew).Before(c.expires) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{"name": c.name, "enrollment_key": c.enrollmentKey})
	if err != nil {
		return "", err
	}
	status, body, err := c.send(ctx, http.MethodPost, apiPrefix+"/auth/token", payload, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("failed to obtain token: %w", decodeError(status, body))
	}

	var resp struct {
		Token     string     `json:"token"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if resp.Token == "" {
		// auth is disabled on the service
		c.authDisabled = true
		return "", nil
	}

	c.token = resp.Token
	c.expires = c.now().Add(time.Hour)
	if resp.ExpiresAt != nil {
		c.expires = *resp.ExpiresAt
	}
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
