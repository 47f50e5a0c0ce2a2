package client

import (
	"encoding/json"
	"fmt"
)

// Job status values reported by the API
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// SubmitRequest is the body of POST /jobs
type SubmitRequest struct {
	Kind  string `json:"kind"`
	Input any    `json:"input"`
}

// Submission is the answer to POST /jobs. Cached submissions carry the
// result directly and have no job id.
type Submission struct {
	JobID                string          `json:"job_id,omitempty"`
	Status               string          `json:"status"`
	Result               json.RawMessage `json:"result,omitempty"`
	Cached               bool            `json:"cached,omitempty"`
	EstimatedWaitSeconds float64         `json:"estimated_wait_seconds"`
	ChunkCount           int             `json:"chunk_count,omitempty"`
}

// JobError is the error payload of a failed job
type JobError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
}

func (e *JobError) Error() string {
	if e.ChunkIndex != nil {
		return fmt.Sprintf("%s: chunk %d: %s", e.Kind, *e.ChunkIndex, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job is the polling view returned by GET /jobs/:id
type Job struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message"`
	Result          json.RawMessage `json:"result"`
	Error           *JobError       `json:"error"`
	ElapsedSeconds  float64         `json:"elapsed_seconds"`
	ChunkCount      int             `json:"chunk_count,omitempty"`
	ChunksCompleted int             `json:"chunks_completed,omitempty"`
}

// Terminal reports whether the job reached completed or failed
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int      `json:"-"`
	Code       string   `json:"code"`
	Err        JobError `json:"error"`
}

func (e *APIError) Error() string {
	if e.Err.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Err.Error())
}
