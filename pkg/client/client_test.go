package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "valid", opts: Options{BaseURL: "http://example.com"}},
		{name: "trailing slash", opts: Options{BaseURL: "http://example.com/"}},
		{name: "empty", opts: Options{}, wantErr: true},
		{name: "invalid", opts: Options{BaseURL: "://invalid-url"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://example.com", c.baseURL)
			assert.Equal(t, DefaultPollInterval, c.pollInterval)
			assert.Equal(t, DefaultMaxAttempts, c.maxAttempts)
		})
	}
}

// jobServer answers POST /jobs with sub and GET /jobs/j1 with the views in
// order, repeating the last one
func jobServer(t *testing.T, sub string, views ...string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "owner-1", r.Header.Get("X-Owner-ID"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var req SubmitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "format-slides", req.Kind)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(sub))
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/j1":
			n := int(atomic.AddInt32(&polls, 1)) - 1
			if n >= len(views) {
				n = len(views) - 1
			}
			_, _ = w.Write([]byte(views[n]))
		case r.URL.Path == "/jobs/other":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"kind":"ForbiddenError","message":"job belongs to another owner"},"code":"ERR_FORBIDDEN"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:      url,
		OwnerID:      "owner-1",
		Timeout:      2 * time.Second,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  attempts,
	})
	require.NoError(t, err)
	return c
}

func TestRunPollsUntilCompleted(t *testing.T) {
	srv, polls := jobServer(t,
		`{"job_id":"j1","status":"pending","estimated_wait_seconds":0.02,"chunk_count":2}`,
		`{"job_id":"j1","status":"pending","progress":0,"result":null,"error":null}`,
		`{"job_id":"j1","status":"processing","progress":50,"chunk_count":2,"chunks_completed":1}`,
		`{"job_id":"j1","status":"completed","progress":100,"result":{"slides":[1,2]}}`,
	)
	c := newTestClient(t, srv.URL, 10)

	job, err := c.Run(context.Background(), "format-slides", map[string]any{"slides": []any{}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"slides":[1,2]}`, string(job.Result))
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestWaitReturnsJobErrorOnFailure(t *testing.T) {
	srv, _ := jobServer(t,
		`{"job_id":"j1","status":"pending"}`,
		`{"job_id":"j1","status":"failed","progress":33,"error":{"kind":"ProcessingError","message":"bad output","chunk_index":1}}`,
	)
	c := newTestClient(t, srv.URL, 10)

	job, err := c.Run(context.Background(), "format-slides", map[string]any{})
	require.Error(t, err)
	var jerr *JobError
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, "ProcessingError", jerr.Kind)
	require.NotNil(t, jerr.ChunkIndex)
	assert.Equal(t, 1, *jerr.ChunkIndex)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestWaitGivesUpAfterMaxAttempts(t *testing.T) {
	srv, polls := jobServer(t,
		`{"job_id":"j1","status":"pending"}`,
		`{"job_id":"j1","status":"processing","progress":10}`,
	)
	c := newTestClient(t, srv.URL, 3)

	job, err := c.Run(context.Background(), "format-slides", map[string]any{})
	assert.ErrorIs(t, err, ErrPollTimeout)
	require.NotNil(t, job)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestWaitCachedSubmissionDoesNotPoll(t *testing.T) {
	srv, polls := jobServer(t,
		`{"status":"completed","cached":true,"result":{"slides":["x"]}}`,
		`{}`,
	)
	c := newTestClient(t, srv.URL, 3)

	sub, err := c.Submit(context.Background(), "format-slides", map[string]any{})
	require.NoError(t, err)
	assert.True(t, sub.Cached)
	assert.Empty(t, sub.JobID)

	job, err := c.Wait(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.JSONEq(t, `{"slides":["x"]}`, string(job.Result))
	assert.Zero(t, atomic.LoadInt32(polls))
}

func TestGetAPIError(t *testing.T) {
	srv, _ := jobServer(t, `{}`, `{}`)
	c := newTestClient(t, srv.URL, 1)

	_, err := c.Get(context.Background(), "other")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "ERR_FORBIDDEN", apiErr.Code)
	assert.Equal(t, "ForbiddenError", apiErr.Err.Kind)

	_, err = c.Get(context.Background(), "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestWaitHonoursContext(t *testing.T) {
	srv, _ := jobServer(t,
		`{"job_id":"j1","status":"pending","estimated_wait_seconds":5}`,
		`{"job_id":"j1","status":"processing"}`,
	)
	c := newTestClient(t, srv.URL, 3)

	sub, err := c.Submit(context.Background(), "format-slides", map[string]any{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx, sub)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnreachableServer(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 1)
	_, err := c.Get(context.Background(), "j1")
	assert.Error(t, err)
}
