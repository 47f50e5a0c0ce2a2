package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Defaults used when Options leaves a field empty
const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 3 * time.Second
	DefaultMaxAttempts  = 100
)

// ErrPollTimeout is returned by Wait when the job is still running after the
// last allowed poll
var ErrPollTimeout = errors.New("job did not finish before polling gave up")

// Options configures the API client
type Options struct {
	// BaseURL is the root of the API, for example http://localhost:8080
	BaseURL string
	// OwnerID is sent in the X-Owner-ID header of every request
	OwnerID string
	// Timeout bounds a single request
	Timeout time.Duration
	// PollInterval is the pause between two status polls
	PollInterval time.Duration
	// MaxAttempts bounds the number of status polls in Wait
	MaxAttempts int
}

// Client talks to the jobs API
type Client struct {
	baseURL      string
	owner        string
	timeout      time.Duration
	pollInterval time.Duration
	maxAttempts  int
}

// NewClient creates a client
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		owner:        opts.OwnerID,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
	}, nil
}

func (c *Client) agent(ctx context.Context, method, endpoint string, body any) *fiber.Agent {
	var a *fiber.Agent
	switch method {
	case fiber.MethodPost:
		a = fiber.Post(c.baseURL + endpoint)
	default:
		a = fiber.Get(c.baseURL + endpoint)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.timeout {
		a.Timeout(time.Until(deadline))
	} else {
		a.Timeout(c.timeout)
	}

	a.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if c.owner != "" {
		a.Set("X-Owner-ID", c.owner)
	}
	if body != nil {
		a.JSON(body)
	}
	return a
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, resp, errs := c.agent(ctx, method, endpoint, body).Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("error sending request: %w", errs[0])
	}

	if status < 200 || status >= 300 {
		apiErr := &APIError{StatusCode: status}
		_ = json.Unmarshal(resp, apiErr)
		return apiErr
	}

	if v != nil && len(resp) > 0 {
		if err := json.Unmarshal(resp, v); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}
	return nil
}

// Submit posts a job. It never waits for processing.
func (c *Client) Submit(ctx context.Context, kind string, input any) (*Submission, error) {
	var sub Submission
	if err := c.do(ctx, fiber.MethodPost, "/jobs", SubmitRequest{Kind: kind, Input: input}, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Get returns the current view of a job
func (c *Client) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, fiber.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait follows a submission to its terminal state. It sleeps for the
// estimated wait, then polls every PollInterval up to MaxAttempts times.
// A failed job returns the job together with its *JobError; running out of
// attempts returns ErrPollTimeout.
func (c *Client) Wait(ctx context.Context, sub *Submission) (*Job, error) {
	if sub.Status == StatusCompleted && sub.JobID == "" {
		return &Job{Status: StatusCompleted, Progress: 100, Result: sub.Result}, nil
	}

	initial := time.Duration(sub.EstimatedWaitSeconds * float64(time.Second))
	if err := sleep(ctx, initial); err != nil {
		return nil, err
	}

	var last *Job
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.pollInterval); err != nil {
				return last, err
			}
		}

		job, err := c.Get(ctx, sub.JobID)
		if err != nil {
			return last, err
		}
		last = job

		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed:
			if job.Error == nil {
				return job, &JobError{Kind: "ProcessingError", Message: "job failed"}
			}
			return job, job.Error
		}
	}
	return last, ErrPollTimeout
}

// Run submits a job and waits for it
func (c *Client) Run(ctx context.Context, kind string, input any) (*Job, error) {
	sub, err := c.Submit(ctx, kind, input)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, sub)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
