package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/queue"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// JobStore is the part of the status store the reclaimer needs
type JobStore interface {
	Scan(ctx context.Context, status types.Status) ([]*types.Job, error)
	Chunks(ctx context.Context, id string) ([]types.ChunkState, error)
	Reclaim(ctx context.Context, id string, staleBefore time.Time, jerr *types.JobError) (bool, error)
	Requeue(ctx context.Context, id string, staleBefore time.Time, maxRequeues int, jerr *types.JobError) (storage.RequeueOutcome, error)
}

// RefQueue is the part of the queue the reclaimer needs to find and restore
// lost refs
type RefQueue interface {
	Queued(ctx context.Context, kind types.Kind) (map[queue.Ref]bool, error)
	Push(ctx context.Context, kind types.Kind, refs ...queue.Ref) error
}

// Pass counts what one reclaim pass did
type Pass struct {
	Reclaimed int
	Requeued  int
	Abandoned int
}

// Reclaimer fails jobs whose worker stopped updating them and restores the
// refs of chunks that left the queue without ever being claimed
type Reclaimer struct {
	store       JobStore
	queue       RefQueue
	staleAfter  time.Duration
	maxRequeues int
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewReclaimer creates a reclaimer. A chunk is stale once its last claim or
// heartbeat is older than staleAfter. queue may be nil to skip the search
// for lost refs.
func NewReclaimer(store JobStore, refs RefQueue, staleAfter time.Duration, maxRequeues int, log logrus.FieldLogger) *Reclaimer {
	return &Reclaimer{
		store:       store,
		queue:       refs,
		staleAfter:  staleAfter,
		maxRequeues: maxRequeues,
		log:         log,
		now:         time.Now,
	}
}

// Run makes one pass: processing jobs with a stale chunk in flight are
// failed, then unfinished jobs whose pending chunks have no ref left are
// requeued or, after maxRequeues attempts, failed.
func (r *Reclaimer) Run(ctx context.Context) (Pass, error) {
	var pass Pass

	processing, err := r.store.Scan(ctx, types.StatusProcessing)
	if err != nil {
		return pass, err
	}

	staleBefore := r.now().Add(-r.staleAfter)
	crashed := types.NewError(types.KindWorkerCrashed,
		"no progress from worker for more than %s", r.staleAfter)

	var survivors []*types.Job
	for _, job := range processing {
		ok, err := r.store.Reclaim(ctx, job.ID, staleBefore, crashed)
		if err != nil {
			r.log.WithError(err).WithField("job_id", job.ID).Error("Failed to reclaim job")
			continue
		}
		if !ok {
			survivors = append(survivors, job)
			continue
		}
		pass.Reclaimed++
		r.log.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"kind":       job.Kind,
			"started_at": job.StartedAt,
			"updated_at": job.UpdatedAt,
		}).Warn("Reclaimed job abandoned by a crashed worker")
	}

	if r.queue != nil {
		pending, err := r.store.Scan(ctx, types.StatusPending)
		if err != nil {
			return pass, err
		}
		r.restoreLostRefs(ctx, append(pending, survivors...), staleBefore, &pass)
	}

	if pass != (Pass{}) {
		r.log.WithFields(logrus.Fields{
			"reclaimed": pass.Reclaimed,
			"requeued":  pass.Requeued,
			"abandoned": pass.Abandoned,
		}).Info("Reclaim pass complete")
	}
	return pass, nil
}

// restoreLostRefs looks for pending chunks of quiet jobs that are missing
// from their kind's queue
func (r *Reclaimer) restoreLostRefs(ctx context.Context, jobs []*types.Job, staleBefore time.Time, pass *Pass) {
	queued := make(map[types.Kind]map[queue.Ref]bool)
	lost := types.NewError(types.KindWorkerCrashed,
		"chunk refs were lost more than %d times", r.maxRequeues)

	for _, job := range jobs {
		last := job.UpdatedAt
		if last.IsZero() {
			last = job.CreatedAt
		}
		if !last.Before(staleBefore) {
			continue
		}
		log := r.log.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})

		refs, ok := queued[job.Kind]
		if !ok {
			var err error
			if refs, err = r.queue.Queued(ctx, job.Kind); err != nil {
				log.WithError(err).Error("Failed to list queued refs")
				continue
			}
			queued[job.Kind] = refs
		}

		chunks, err := r.store.Chunks(ctx, job.ID)
		if err != nil {
			log.WithError(err).Error("Failed to read chunks")
			continue
		}
		var missing []queue.Ref
		for _, c := range chunks {
			ref := queue.Ref{JobID: job.ID, ChunkIndex: c.Index}
			if c.Status == types.StatusPending && !refs[ref] {
				missing = append(missing, ref)
			}
		}
		if len(missing) == 0 {
			continue
		}

		outcome, err := r.store.Requeue(ctx, job.ID, staleBefore, r.maxRequeues, lost)
		if err != nil {
			log.WithError(err).Error("Failed to requeue job")
			continue
		}
		switch outcome {
		case storage.RequeueRequeued:
			if err := r.queue.Push(ctx, job.Kind, missing...); err != nil {
				log.WithError(err).Error("Failed to push lost refs")
				continue
			}
			pass.Requeued++
			log.WithField("chunks", len(missing)).Warn("Requeued chunks whose refs were lost")
		case storage.RequeueAbandoned:
			pass.Abandoned++
			log.Warn("Failed job whose refs kept getting lost")
		}
	}
}
