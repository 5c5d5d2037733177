// Package jobserver is the minimal real HTTP client for the out-of-scope
// job-server collaborator (spec.md §1: "the upstream job-server HTTP API
// — only consumed via polling"). Two operations: fetch the active
// JobRequests for a backend, and push back the Job statuses belonging to
// them. No third-party HTTP client is pulled in — the teacher's own
// `internal/github.PRClient` doesn't use one either, just `net/http` +
// `encoding/json` with a bounded-retry wrapper around the transport.
package jobserver

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

// Client talks to one job-server instance on behalf of a controller that
// may own several backends.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     map[string]string // backend -> job-server token

	maxRetries     int
	initialBackoff time.Duration
}

// New builds a Client. tokens maps backend id to the job-server token
// presented for requests scoped to that backend.
func New(baseURL string, tokens map[string]string) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		tokens:         tokens,
		maxRetries:     5,
		initialBackoff: time.Second,
	}
}

// jobRequestPayload is the job-server's wire shape for an active
// JobRequest (spec.md §6: "Workspace sub-object carries name, repo URL,
// branch").
type jobRequestPayload struct {
	ID                   string   `json:"identifier"`
	Backend              string   `json:"backend"`
	Workspace            workspacePayload `json:"workspace"`
	RequestedActions     []string `json:"requested_actions"`
	CancelledActions     []string `json:"cancelled_actions"`
	Commit               string   `json:"sha"`
	ForceRunDependencies bool     `json:"force_run_dependencies"`
	CreatedBy            string   `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

type workspacePayload struct {
	Name    string `json:"name"`
	RepoURL string `json:"repo"`
	Branch  string `json:"branch"`
}

// ActiveJobRequests fetches the job-server's list of currently-active
// JobRequests for backend (spec.md §4.F).
func (c *Client) ActiveJobRequests(ctx context.Context, backend string) ([]*model.JobRequest, error) {
	url := fmt.Sprintf("%s/api/v2/job-requests/?backend=%s&active=true", c.baseURL, backend)
	resp, err := c.do(ctx, http.MethodGet, url, backend, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payloads []jobRequestPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("jobserver: decode job requests: %w", err)
	}

	out := make([]*model.JobRequest, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, &model.JobRequest{
			ID:                   p.ID,
			Backend:              p.Backend,
			Workspace:            p.Workspace.Name,
			RepoURL:              p.Workspace.RepoURL,
			Branch:               p.Workspace.Branch,
			Commit:               p.Commit,
			RequestedActions:     p.RequestedActions,
			CancelledActions:     p.CancelledActions,
			ForceRunDependencies: p.ForceRunDependencies,
			CreatedBy:            p.CreatedBy,
			CreatedAt:            p.CreatedAt,
		})
	}
	return out, nil
}

// jobStatusPayload is what gets pushed back for one Job (spec.md §6:
// "statuses carry state, status_code, message, timestamps, output
// manifest... sent only as counts and patterns, never as content").
type jobStatusPayload struct {
	ID             string               `json:"identifier"`
	Action         string               `json:"action"`
	State          model.JobState       `json:"status"`
	StatusCode     model.StatusCode     `json:"status_code"`
	StatusMessage  string               `json:"status_message"`
	OutputCount    int                  `json:"output_count"`
	OutputPatterns []string             `json:"output_patterns"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

// PushJobStatuses posts the current status of jobs belonging to
// jobRequestID. statusMessage must already be redacted by the caller
// (internal/syncloop does this via internal/redact before calling in) —
// never output content, only counts and patterns.
func (c *Client) PushJobStatuses(ctx context.Context, backend, jobRequestID string, jobs []*model.Job) error {
	payloads := make([]jobStatusPayload, 0, len(jobs))
	for _, j := range jobs {
		patterns := make([]string, 0, len(j.OutputSpec))
		for pattern := range j.OutputSpec {
			patterns = append(patterns, pattern)
		}
		payloads = append(payloads, jobStatusPayload{
			ID:             j.ID,
			Action:         j.Action,
			State:          j.State,
			StatusCode:     j.StatusCode,
			StatusMessage:  j.StatusMessage,
			OutputCount:    len(j.ComputedOutputs),
			OutputPatterns: patterns,
			CreatedAt:      j.CreatedAt,
			StartedAt:      j.StartedAt,
			CompletedAt:    j.CompletedAt,
		})
	}

	url := fmt.Sprintf("%s/api/v2/job-requests/%s/jobs/", c.baseURL, jobRequestID)
	resp, err := c.do(ctx, http.MethodPost, url, backend, payloads)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do issues one request, retrying 429/5xx responses with exponential
// backoff (spec.md §7: "transient remote errors... logged, tick retried
// next interval" — the bounded retry here covers the sub-tick transport
// layer; a tick-level failure past maxRetries still surfaces to the
// caller for the next tick to try again from scratch).
func (c *Client) do(ctx context.Context, method, url, backend string, body any) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("jobserver: marshal request body: %w", err)
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
			return nil, fmt.Errorf("jobserver: build request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.tokens[backend])
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("jobserver: %s %s: %w", method, url, err)
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
			return nil, fmt.Errorf("jobserver: %s %s: status %d", method, url, resp.StatusCode)
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
