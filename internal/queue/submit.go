package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// SourceChecker verifies that an upstream reference exists
type SourceChecker interface {
	Check(ctx context.Context, ref string) error
}

// Submission is the answer to a job submission
type Submission struct {
	JobID                string          `json:"job_id,omitempty"`
	Status               types.Status    `json:"status"`
	Result               json.RawMessage `json:"result,omitempty"`
	Cached               bool            `json:"cached,omitempty"`
	EstimatedWaitSeconds float64         `json:"estimated_wait_seconds"`
	ChunkCount           int             `json:"chunk_count,omitempty"`
}

// SubmitterConfig tunes wait estimates
type SubmitterConfig struct {
	Workers          int
	EstimatePerChunk time.Duration
}

// Submitter validates, deduplicates and enqueues jobs. It never waits for
// a worker.
type Submitter struct {
	store    *storage.StatusStore
	queue    *Queue
	registry *kinds.Registry
	cache    *storage.ResultCache
	sources  SourceChecker
	cfg      SubmitterConfig
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewSubmitter creates a submitter. cache and sources may be nil.
func NewSubmitter(
	store *storage.StatusStore,
	queue *Queue,
	registry *kinds.Registry,
	cache *storage.ResultCache,
	sources SourceChecker,
	cfg SubmitterConfig,
	log logrus.FieldLogger,
) *Submitter {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Submitter{
		store:    store,
		queue:    queue,
		registry: registry,
		cache:    cache,
		sources:  sources,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Submit creates a pending job for input, or answers from the result cache
// when the same input of the same kind completed before
func (s *Submitter) Submit(ctx context.Context, owner string, kind types.Kind, input json.RawMessage) (*Submission, error) {
	spec, ok := s.registry.Get(kind)
	if !ok {
		return nil, types.NewError(types.KindValidation, "unknown job kind %q", kind)
	}
	plan, err := spec.Plan(input)
	if err != nil {
		return nil, err
	}

	if s.sources != nil {
		for _, ref := range plan.Sources {
			if err := s.sources.Check(ctx, ref); err != nil {
				if errors.Is(err, storage.ErrSourceNotFound) {
					return nil, types.NewError(types.KindNotFound, "source %q does not exist", ref)
				}
				return nil, fmt.Errorf("check source %s: %w", ref, err)
			}
		}
	}

	if s.cache != nil {
		hash, err := storage.Key(kind, input)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "malformed input: %v", err)
		}
		result, hit, err := s.cache.Get(ctx, kind, hash)
		if err != nil {
			s.log.WithError(err).Warn("Result cache lookup failed, submitting job")
		} else if hit {
			s.log.WithFields(logrus.Fields{"kind": kind, "owner_id": owner}).Info("Cache hit, returning stored result")
			return &Submission{Status: types.StatusCompleted, Result: result, Cached: true}, nil
		}
	}

	depth, err := s.queue.Len(ctx, kind)
	if err != nil {
		return nil, err
	}

	job := &types.Job{
		ID:         uuid.New().String(),
		OwnerID:    owner,
		Kind:       kind,
		Input:      input,
		Status:     types.StatusPending,
		CreatedAt:  s.now(),
		ChunkCount: len(plan.Chunks),
	}
	refs := make([]Ref, len(plan.Chunks))
	for i := range refs {
		refs[i] = Ref{JobID: job.ID, ChunkIndex: i}
	}

	_, err = s.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.store.StageCreate(ctx, pipe, job, plan.Chunks)
		return s.queue.StagePush(ctx, pipe, kind, refs...)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"kind":        kind,
		"owner_id":    owner,
		"chunk_count": job.ChunkCount,
	}).Info("Job enqueued")

	return &Submission{
		JobID:                job.ID,
		Status:               types.StatusPending,
		EstimatedWaitSeconds: s.estimate(depth, job.ChunkCount),
		ChunkCount:           job.ChunkCount,
	}, nil
}

// estimate assumes every queued chunk costs estimate_per_chunk and that all
// workers drain the queue in parallel
func (s *Submitter) estimate(depth int64, chunks int) float64 {
	total := time.Duration(depth+int64(chunks)) * s.cfg.EstimatePerChunk
	return (total / time.Duration(s.cfg.Workers)).Seconds()
}
