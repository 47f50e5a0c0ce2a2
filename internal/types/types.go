package types

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job or one of its chunks
type Status string

// Job status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind selects the processing pipeline for a job
type Kind string

// Job kind constants
const (
	KindFormatSlides      Kind = "format-slides"
	KindGenerateSubtitles Kind = "generate-subtitles"
	KindRenderVideo       Kind = "render-video"
)

// Kinds lists every kind a worker can serve, in queue poll order
var Kinds = []Kind{KindFormatSlides, KindGenerateSubtitles, KindRenderVideo}

// Job is the durable record of one unit of requested work
type Job struct {
	ID              string
	OwnerID         string
	Kind            Kind
	Input           json.RawMessage
	Status          Status
	Progress        int
	Message         string
	Result          json.RawMessage
	Error           *JobError
	CreatedAt       time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
	ChunkCount      int
	ChunksCompleted int
}

// ChunkState is the stored state of one chunk of a job
type ChunkState struct {
	Index   int             `json:"chunk_index"`
	Status  Status          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JobError       `json:"error,omitempty"`
	Retries int             `json:"retries"`
}

// JobView is the normalized representation returned to polling clients
type JobView struct {
	JobID           string          `json:"job_id"`
	Kind            Kind            `json:"kind"`
	Status          Status          `json:"status"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message"`
	Result          json.RawMessage `json:"result"`
	Error           *JobError       `json:"error"`
	ElapsedSeconds  float64         `json:"elapsed_seconds"`
	ChunkCount      int             `json:"chunk_count,omitempty"`
	ChunksCompleted int             `json:"chunks_completed,omitempty"`
}

// View builds the polling view of the job as observed at now
func (j *Job) View(now time.Time) JobView {
	end := now
	if j.Status.IsTerminal() && !j.UpdatedAt.IsZero() {
		end = j.UpdatedAt
	}
	elapsed := end.Sub(j.CreatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	v := JobView{
		JobID:          j.ID,
		Kind:           j.Kind,
		Status:         j.Status,
		Progress:       j.Progress,
		Message:        j.Message,
		ElapsedSeconds: elapsed,
	}
	if j.Status == StatusCompleted && len(j.Result) > 0 {
		v.Result = j.Result
	}
	if j.Status == StatusFailed {
		v.Error = j.Error
	}
	if j.ChunkCount > 1 {
		v.ChunkCount = j.ChunkCount
		v.ChunksCompleted = j.ChunksCompleted
	}
	return v
}
