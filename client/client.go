// Package client is a Go client for the relayq REST API.
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
	"time"

	"github.com/pkg/errors"
)

// Client is a relayq client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new relayq client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code    int
	Message string
	body    []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// IsRateLimited reports whether err is a 429 from the server
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// HistoryEntry is one line of a job's audit trail
type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Job represents a job
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Status       string          `json:"status"`
	AttemptsMade uint32          `json:"attemptsMade"`
	MaxAttempts  uint32          `json:"maxAttempts"`
	DelayUntil   *time.Time      `json:"delayUntil,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	History      []HistoryEntry  `json:"statusHistory"`
}

// QueueStats is a statistics snapshot of a queue
type QueueStats struct {
	Queue             string        `json:"queue"`
	Waiting           int64         `json:"waiting"`
	Active            int64         `json:"active"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	Throughput        float64       `json:"throughput"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	ErrorRate         float64       `json:"errorRate"`
	OldestWaitingAge  time.Duration `json:"oldestWaitingAge"`
	LastCompletedAt   *time.Time    `json:"lastCompletedAt,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// CheckResult is the outcome of one health check
type CheckResult struct {
	Verdict string  `json:"verdict"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}

// QueueHealth is the health of one queue
type QueueHealth struct {
	Queue  string                 `json:"queue"`
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Health is the health of every queue
type Health struct {
	Status string                 `json:"status"`
	Queues map[string]QueueHealth `json:"queues"`
}

// Alert is an open or resolved alert
type Alert struct {
	ID           string     `json:"id"`
	Queue        string     `json:"queue"`
	Type         string     `json:"type"`
	Severity     string     `json:"severity"`
	Threshold    float64    `json:"threshold"`
	CurrentValue float64    `json:"currentValue"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// RateLimit is the AddJob token bucket of a queue
type RateLimit struct {
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Tokens     float64 `json:"tokens"`
	Exists     bool    `json:"exists"`
}

// EnqueueOptions for enqueuing jobs
type EnqueueOptions struct {
	// Priority is low, normal, high or critical
	Priority       string
	Delay          time.Duration
	MaxAttempts    uint32
	Timeout        time.Duration
	IdempotencyKey string
}

// Enqueue adds a job to a queue and returns its id
func (c *Client) Enqueue(ctx context.Context, queue, jobType string, payload interface{}, opts *EnqueueOptions) (string, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal payload")
	}

	req := map[string]interface{}{
		"type":    jobType,
		"payload": json.RawMessage(payloadBytes),
	}
	if opts.Priority != "" {
		req["priority"] = opts.Priority
	}
	if opts.Delay > 0 {
		req["delay_ms"] = opts.Delay.Milliseconds()
	}
	if opts.MaxAttempts > 0 {
		req["max_attempts"] = opts.MaxAttempts
	}
	if opts.Timeout > 0 {
		req["timeout_ms"] = opts.Timeout.Milliseconds()
	}
	if opts.IdempotencyKey != "" {
		req["idempotency_key"] = opts.IdempotencyKey
	}

	var resp struct {
		JobID string `json:"job_id"`
	}

	if err := c.doRequest(ctx, "POST", fmt.Sprintf("/v1/queues/%s/jobs", url.PathEscape(queue)), req, &resp); err != nil {
		return "", err
	}

	return resp.JobID, nil
}

// GetJob returns a job by id
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := c.doRequest(ctx, "GET", "/v1/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns up to limit jobs of a queue in status
func (c *Client) ListJobs(ctx context.Context, queue, status string, limit int) ([]*Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp struct {
		Jobs []*Job `json:"jobs"`
	}

	path := fmt.Sprintf("/v1/queues/%s/jobs?%s", url.PathEscape(queue), q.Encode())
	if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Jobs, nil
}

// Stats returns queue statistics
func (c *Client) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	var resp QueueStats
	if err := c.doRequest(ctx, "GET", fmt.Sprintf("/v1/queues/%s/stats", url.PathEscape(queue)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListQueues returns all queue names
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	var resp struct {
		Queues []string `json:"queues"`
	}

	if err := c.doRequest(ctx, "GET", "/v1/queues/", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Queues, nil
}

// ClearQueue removes every job of a queue and returns how many were removed
func (c *Client) ClearQueue(ctx context.Context, queue string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}

	if err := c.doRequest(ctx, "DELETE", fmt.Sprintf("/v1/queues/%s/", url.PathEscape(queue)), nil, &resp); err != nil {
		return 0, err
	}

	return resp.Removed, nil
}

// SetRateLimit sets the AddJob token bucket of a queue
func (c *Client) SetRateLimit(ctx context.Context, queue string, capacity, refillRate float64) error {
	req := map[string]interface{}{
		"capacity":    capacity,
		"refill_rate": refillRate,
	}

	return c.doRequest(ctx, "POST", fmt.Sprintf("/v1/queues/%s/rate_limit", url.PathEscape(queue)), req, nil)
}

// GetRateLimit returns the AddJob token bucket of a queue
func (c *Client) GetRateLimit(ctx context.Context, queue string) (*RateLimit, error) {
	var resp RateLimit
	if err := c.doRequest(ctx, "GET", fmt.Sprintf("/v1/queues/%s/rate_limit", url.PathEscape(queue)), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the health of every queue. An unhealthy server answers
// 503 with the report, which is returned without error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	err := c.doRequest(ctx, "GET", "/v1/health", nil, &resp)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		if jerr := json.Unmarshal(se.body, &resp); jerr == nil && resp.Status != "" {
			return &resp, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Alerts returns the open alerts, or recently resolved ones when history
// is set
func (c *Client) Alerts(ctx context.Context, history bool) ([]Alert, error) {
	path := "/v1/alerts"
	if history {
		path += "?history=true"
	}

	var resp struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.doRequest(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(respBody)), body: respBody}
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &msg) == nil && msg.Error != "" {
			se.Message = msg.Error
		}
		return se
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return errors.Wrap(err, "failed to unmarshal response")
		}
	}

	return nil
}
