package queue

import (
	"encoding/json"
	"time"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Task is the envelope a worker executes: one chunk of one job, hydrated
// from the status store after the ref was popped
type Task struct {
	JobID      string
	OwnerID    string
	Kind       types.Kind
	ChunkIndex int
	ChunkCount int
	// ChunksDone is the number of sibling chunks completed when the task was
	// claimed
	ChunksDone int
	Input      json.RawMessage
	Units      int
	Deadline   time.Duration
	// Settle marks a chunk of an already failed job that only runs so its
	// result is kept
	Settle bool
}

// Single reports whether the job was not split
func (t *Task) Single() bool {
	return t.ChunkCount <= 1
}

// NewTask builds the envelope of chunk index of job
func NewTask(job *types.Job, index int, input json.RawMessage) *Task {
	return &Task{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Kind:       job.Kind,
		ChunkIndex: index,
		ChunkCount: job.ChunkCount,
		ChunksDone: job.ChunksCompleted,
		Input:      input,
	}
}
