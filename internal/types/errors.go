package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-stable classification of a job failure
type ErrorKind string

// Error kind constants
const (
	KindValidation    ErrorKind = "ValidationError"
	KindNotFound      ErrorKind = "NotFoundError"
	KindProcessing    ErrorKind = "ProcessingError"
	KindTimeout       ErrorKind = "TimeoutError"
	KindWorkerCrashed ErrorKind = "WorkerCrashed"
)

// JobError is the error payload stored on a job and shown to callers
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	ChunkIndex *int      `json:"chunk_index,omitempty"`
}

func (e *JobError) Error() string {
	if e.ChunkIndex != nil {
		return fmt.Sprintf("%s: chunk %d: %s", e.Kind, *e.ChunkIndex, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a job error of the given kind
func NewError(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ForChunk returns a copy of the error attributed to a chunk
func (e *JobError) ForChunk(index int) *JobError {
	c := *e
	c.ChunkIndex = &index
	return &c
}

// KindOf extracts the error kind, defaulting to ProcessingError
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindProcessing
}

// AsJobError converts any error into a job error, keeping an existing kind
func AsJobError(err error) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: KindProcessing, Message: err.Error()}
}
