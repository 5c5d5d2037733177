// Package agent is the per-backend Agent Task Runner (spec.md §4.G): a
// single cooperative loop that polls the Controller's Task API for its
// backend's active tasks, drives internal/executor through each task's
// stage transitions, and posts the result back. It is the direct
// generalization of the teacher's daemon.StartContainerJob goroutine,
// reshaped from "one goroutine per job, push on completion" into "one
// loop, poll every job, post after every step" — the Agent keeps no
// on-disk state of its own and rediscovers everything from the executor
// plus whatever the Controller says is still active.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Client is the Agent-side counterpart of internal/taskapi: it calls
// `GET /{backend}/tasks/` and `POST /{backend}/task/update/` against one
// Controller. Built the same way as internal/jobserver.Client — plain
// net/http with a bounded-retry wrapper, no third-party HTTP library,
// grounded on the teacher's internal/github.PRClient.doRequest.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string

	maxRetries     int
	initialBackoff time.Duration
}

// NewClient builds a Client scoped to a single backend's Task API token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		token:          token,
		maxRetries:     5,
		initialBackoff: time.Second,
	}
}

// ListTasks fetches the active tasks the Controller has queued for backend.
func (c *Client) ListTasks(ctx context.Context, backend string) ([]*model.Task, error) {
	url := fmt.Sprintf("%s/%s/tasks/", c.baseURL, backend)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tasks []*model.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("agent: decode task list: %w", err)
	}
	return tasks, nil
}

type taskUpdateRequest struct {
	TaskID       string             `json:"task_id"`
	Stage        model.TaskStage    `json:"stage"`
	Results      *model.TaskResults `json:"results,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

type taskUpdateResponse struct {
	AgentComplete bool `json:"agent_complete"`
}

// UpdateTask posts one stage transition for taskID. No job-state change
// happens until this call succeeds (spec.md §7: "the Agent does retry
// transport errors to the Task API with bounded exponential backoff, no
// job state change until the update posts successfully") — the retry is
// inside c.do, so a caller only sees an error once the bound is exceeded.
// The returned bool mirrors taskUpdateResponse.AgentComplete: once true
// the Agent must stop touching this task.
func (c *Client) UpdateTask(ctx context.Context, backend, taskID string, stage model.TaskStage, results *model.TaskResults, errMsg string) (bool, error) {
	url := fmt.Sprintf("%s/%s/task/update/", c.baseURL, backend)
	body := taskUpdateRequest{TaskID: taskID, Stage: stage, Results: results, ErrorMessage: errMsg}

	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out taskUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("agent: decode task update response: %w", err)
	}
	return out.AgentComplete, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("agent: marshal request body: %w", err)
		}
		reqBody = b
	}

	backoff := c.initialBackoff
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if reqBody != nil {
			bodyReader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("agent: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("agent: %s %s: %w", method, url, err)
			}
			if !sleepBackoff(ctx, &backoff) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		resp.Body.Close()
		if !retryable || attempt >= c.maxRetries {
			return nil, fmt.Errorf("agent: %s %s: status %d", method, url, resp.StatusCode)
		}
		if !sleepBackoff(ctx, &backoff) {
			return nil, ctx.Err()
		}
	}
}

func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
		*backoff *= 2
		return true
	case <-ctx.Done():
		return false
	}
}
