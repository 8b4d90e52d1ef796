// Package tracker is a client for the Planner-style task tracker that Kanri
// mirrors its local tasks into.
//
// Writes are guarded by optimistic concurrency: every PATCH and DELETE
// carries the ETag of the version it was based on, and a 412 answer makes
// the client re-read the task and try again.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/common/version"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

var (
	// ErrConflict is returned when the task changed since it was read (HTTP
	// 412) and retries were exhausted.
	ErrConflict = errors.New("tracker: task was modified concurrently")
	// ErrNotFound is returned when the task does not exist upstream.
	ErrNotFound = errors.New("tracker: task not found")
)

// Buckets are the board columns a task is moved between as its progress
// changes.
type Buckets struct {
	NotStarted string `yaml:"not_started"`
	Started    string `yaml:"started"`
	Finished   string `yaml:"finished"`
}

// ForPercent returns the bucket matching a completion percentage.
func (b Buckets) ForPercent(p int) string {
	switch {
	case p >= 100:
		return b.Finished
	case p > 0:
		return b.Started
	default:
		return b.NotStarted
	}
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is the bearer token. TokenFunc, when set, is called per request
	// instead so tokens can be refreshed.
	Token     string
	TokenFunc func(ctx context.Context) (string, error)
	PlanID    string
	Buckets   Buckets
	Timeout   time.Duration
	// Retry controls the re-read-and-retry loop on 412. Defaults to three
	// attempts.
	Retry retry.Config
}

// Client is a tracker API client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// PlanID returns the plan new tasks are created in.
func (c *Client) PlanID() string { return c.cfg.PlanID }

// StatusError is a non-2xx response from the tracker.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker API error (status %d): %.300s", e.Code, e.Message)
}

// Unwrap maps 404 and 412 to the package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrConflict
	}
	return nil
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest performs an HTTP request against the tracker API. path may be
// absolute (as in @odata.nextLink) or relative to the base URL.
func (c *Client) doRequest(ctx context.Context, method, path string, headers map[string]string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.cfg.BaseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token := c.cfg.Token
	if c.cfg.TokenFunc != nil {
		if token, err = c.cfg.TokenFunc(ctx); err != nil {
			return fmt.Errorf("failed to acquire token: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge graphError
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			return &StatusError{Code: resp.StatusCode, Message: ge.Error.Message}
		}
		return &StatusError{Code: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Task is a tracker task.
type Task struct {
	ID              string                `json:"id"`
	PlanID          string                `json:"planId"`
	BucketID        string                `json:"bucketId"`
	Title           string                `json:"title"`
	PercentComplete int                   `json:"percentComplete"`
	StartDateTime   *time.Time            `json:"startDateTime"`
	DueDateTime     *time.Time            `json:"dueDateTime"`
	Assignments     map[string]Assignment `json:"assignments"`
	ETag            string                `json:"@odata.etag"`
}

// Assignment is one assignee entry of a task.
type Assignment struct {
	ODataType string `json:"@odata.type"`
	OrderHint string `json:"orderHint"`
}

func newAssignment() Assignment {
	return Assignment{ODataType: "#microsoft.graph.plannerAssignment", OrderHint: " !"}
}

// AssigneeIDs returns the ids of the users assigned to the task.
func (t *Task) AssigneeIDs() []string {
	ids := make([]string, 0, len(t.Assignments))
	for id := range t.Assignments {
		ids = append(ids, id)
	}
	return ids
}

// NewTask describes a task to create.
type NewTask struct {
	Title       string
	Start       *time.Time
	Due         *time.Time
	AssigneeIDs []string
}

type createBody struct {
	PlanID        string                `json:"planId"`
	BucketID      string                `json:"bucketId,omitempty"`
	Title         string                `json:"title"`
	StartDateTime *time.Time            `json:"startDateTime,omitempty"`
	DueDateTime   *time.Time            `json:"dueDateTime,omitempty"`
	Assignments   map[string]Assignment `json:"assignments,omitempty"`
}

// CreateTask creates a task in the not-started bucket of the default plan.
// The start date defaults to now.
func (c *Client) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	start := nt.Start
	if start == nil {
		now := time.Now().UTC()
		start = &now
	}
	body := createBody{
		PlanID:        c.cfg.PlanID,
		BucketID:      c.cfg.Buckets.NotStarted,
		Title:         nt.Title,
		StartDateTime: start,
		DueDateTime:   nt.Due,
	}
	if len(nt.AssigneeIDs) > 0 {
		body.Assignments = make(map[string]Assignment, len(nt.AssigneeIDs))
		for _, id := range nt.AssigneeIDs {
			body.Assignments[id] = newAssignment()
		}
	}

	var t Task
	if err := c.doRequest(ctx, http.MethodPost, "/planner/tasks", nil, body, &t); err != nil {
		return nil, fmt.Errorf("failed to create task %q: %w", nt.Title, err)
	}
	return &t, nil
}

// GetTask fetches a task together with its ETag.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := c.doRequest(ctx, http.MethodGet, "/planner/tasks/"+url.PathEscape(id),
		map[string]string{"Prefer": "return=representation"}, nil, &t)
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	if t.ETag == "" {
		return nil, fmt.Errorf("task %s has no ETag", id)
	}
	return &t, nil
}

// Patch lists the task fields to change. Nil fields are left alone.
type Patch struct {
	Title        *string
	Percent      *int
	Start        *time.Time
	Due          *time.Time
	AddAssignees []string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Percent == nil && p.Start == nil && p.Due == nil && len(p.AddAssignees) == 0
}

type patchBody struct {
	Title           string                `json:"title"`
	PercentComplete *int                  `json:"percentComplete,omitempty"`
	BucketID        string                `json:"bucketId,omitempty"`
	StartDateTime   *time.Time            `json:"startDateTime,omitempty"`
	DueDateTime     *time.Time            `json:"dueDateTime,omitempty"`
	Assignments     map[string]Assignment `json:"assignments,omitempty"`
}

// UpdateTask applies p to the task. A percentage change also moves the task
// to the matching bucket; assignees are merged with the existing ones. On
// 412 the task is re-read and the patch re-applied, up to the configured
// number of attempts.
func (c *Client) UpdateTask(ctx context.Context, id string, p Patch) error {
	if p.Empty() {
		return nil
	}
	cfg := c.cfg.Retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrConflict) }

	return retry.Do(ctx, cfg, func() error {
		current, err := c.GetTask(ctx, id)
		if err != nil {
			return err
		}

		body := patchBody{
			Title:         current.Title,
			StartDateTime: p.Start,
			DueDateTime:   p.Due,
		}
		if p.Title != nil {
			body.Title = *p.Title
		}
		if p.Percent != nil {
			body.PercentComplete = p.Percent
			body.BucketID = c.cfg.Buckets.ForPercent(*p.Percent)
		}
		if len(p.AddAssignees) > 0 {
			body.Assignments = make(map[string]Assignment, len(current.Assignments)+len(p.AddAssignees))
			for uid := range current.Assignments {
				body.Assignments[uid] = newAssignment()
			}
			for _, uid := range p.AddAssignees {
				body.Assignments[uid] = newAssignment()
			}
		}

		err = c.doRequest(ctx, http.MethodPatch, "/planner/tasks/"+url.PathEscape(id),
			map[string]string{"If-Match": current.ETag}, body, nil)
		if errors.Is(err, ErrConflict) {
			slog.Info("tracker: task changed upstream, retrying", "task", id)
		}
		return err
	})
}

// DeleteTask removes the task. A task that is already gone is not an error.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	cfg := c.cfg.Retry
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, ErrConflict) }

	err := retry.Do(ctx, cfg, func() error {
		current, err := c.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return c.doRequest(ctx, http.MethodDelete, "/planner/tasks/"+url.PathEscape(id),
			map[string]string{"If-Match": current.ETag}, nil, nil)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

type taskPage struct {
	Value    []Task `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListTasks returns every task of the default plan, following pagination.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out []Task
	next := "/planner/plans/" + url.PathEscape(c.cfg.PlanID) + "/tasks"
	for next != "" {
		var page taskPage
		if err := c.doRequest(ctx, http.MethodGet, next, nil, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		out = append(out, page.Value...)
		next = page.NextLink
	}
	return out, nil
}
