package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codebuildervaibhav/content-jobs/internal/generate"
	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// WorkerConfig controls the worker loop
type WorkerConfig struct {
	Count             int
	PollTimeout       time.Duration
	PacingDelay       time.Duration
	BaseTimeout       time.Duration
	PerUnitTimeout    time.Duration
	MaxUnits          int
	MaxRetries        int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
}

// WorkerPool runs workers that pop chunk refs and execute them
type WorkerPool struct {
	store      *storage.StatusStore
	queue      *Queue
	registry   *kinds.Registry
	cache      *storage.ResultCache
	generators map[types.Kind]generate.Generator
	cfg        WorkerConfig
	log        logrus.FieldLogger
}

// NewWorkerPool creates a worker pool. cache may be nil.
func NewWorkerPool(
	store *storage.StatusStore,
	queue *Queue,
	registry *kinds.Registry,
	cache *storage.ResultCache,
	cfg WorkerConfig,
	log logrus.FieldLogger,
) *WorkerPool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	return &WorkerPool{
		store:      store,
		queue:      queue,
		registry:   registry,
		cache:      cache,
		generators: make(map[types.Kind]generate.Generator),
		cfg:        cfg,
		log:        log,
	}
}

// RegisterGenerator sets the generator used for kind
func (wp *WorkerPool) RegisterGenerator(kind types.Kind, g generate.Generator) {
	wp.generators[kind] = g
}

// Kinds returns the kinds this pool has a generator for, in poll order
func (wp *WorkerPool) Kinds() []types.Kind {
	var out []types.Kind
	for _, k := range wp.registry.Kinds() {
		if _, ok := wp.generators[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Run starts all workers and blocks until ctx is cancelled. A task in
// flight when ctx is cancelled runs to completion or to its deadline.
func (wp *WorkerPool) Run(ctx context.Context) error {
	served := wp.Kinds()
	if len(served) == 0 {
		return fmt.Errorf("no generators registered")
	}
	wp.log.WithFields(logrus.Fields{"workers": wp.cfg.Count, "kinds": served}).Info("Starting worker pool")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < wp.cfg.Count; i++ {
		id := i
		g.Go(func() error {
			wp.worker(ctx, id, served)
			return nil
		})
	}
	return g.Wait()
}

// worker pops refs until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int, served []types.Kind) {
	log := wp.log.WithField("worker", id)
	log.Debug("Worker started")

	for ctx.Err() == nil {
		kind, ref, ok, err := wp.queue.Pop(ctx, served, wp.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("Queue pop failed")
			sleepCtx(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		wp.Process(context.WithoutCancel(ctx), id, kind, ref)
	}
	log.Debug("Worker stopped")
}

// Drain processes queued refs until every queue is empty
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	served := wp.Kinds()
	n := 0
	for ctx.Err() == nil {
		kind, ref, ok, err := wp.queue.TryPop(ctx, served)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		wp.Process(ctx, 0, kind, ref)
		n++
	}
	return n, ctx.Err()
}

// Process executes one popped ref. Every failure after the claim is recorded
// in the status store before Process returns.
func (wp *WorkerPool) Process(ctx context.Context, workerID int, kind types.Kind, ref Ref) {
	log := wp.log.WithFields(logrus.Fields{
		"worker":      workerID,
		"job_id":      ref.JobID,
		"chunk_index": ref.ChunkIndex,
		"kind":        kind,
	})

	task, err := wp.hydrate(ctx, ref, log)
	if err != nil {
		log.WithError(err).Error("Failed to load task")
		return
	}
	if task == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("PANIC processing chunk: %v\n%s", r, string(debug.Stack()))
			wp.fail(ctx, task, types.NewError(types.KindProcessing, "worker panic: %v", r), log)
		}
	}()

	if err := wp.execute(ctx, task, log); err != nil {
		wp.fail(ctx, task, types.AsJobError(err), log)
	}
}

// hydrate loads the job and chunk behind ref and claims it. A nil task
// means the ref is dropped without side effects.
func (wp *WorkerPool) hydrate(ctx context.Context, ref Ref, log logrus.FieldLogger) (*Task, error) {
	job, err := wp.store.Get(ctx, ref.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("Job record missing, dropping ref")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ref.ChunkIndex < 0 || ref.ChunkIndex >= job.ChunkCount {
		log.Warn("Chunk index out of range, dropping ref")
		return nil, nil
	}
	if job.Status == types.StatusCompleted {
		log.Debug("Job already completed, discarding duplicate ref")
		return nil, nil
	}

	chunk, input, err := wp.store.Chunk(ctx, ref.JobID, ref.ChunkIndex)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("Chunk record missing, dropping ref")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chunk.Status != types.StatusPending {
		log.WithField("chunk_status", chunk.Status).Debug("Chunk already taken, discarding duplicate ref")
		return nil, nil
	}

	outcome, err := wp.store.Claim(ctx, ref.JobID, ref.ChunkIndex)
	if err != nil {
		return nil, err
	}
	task := NewTask(job, ref.ChunkIndex, input)
	switch outcome {
	case storage.ClaimClaimed:
	case storage.ClaimSettle:
		task.Settle = true
		log.Info("Job already failed, settling sibling chunk for diagnostics")
	default:
		log.WithField("outcome", outcome).Debug("Claim refused, discarding ref")
		return nil, nil
	}
	return task, nil
}

// execute runs a claimed task through pacing, generation, chunk completion
// and, for the last chunk, the merge
func (wp *WorkerPool) execute(ctx context.Context, task *Task, log logrus.FieldLogger) error {
	spec, ok := wp.registry.Get(task.Kind)
	if !ok {
		return types.NewError(types.KindProcessing, "no spec registered for kind %s", task.Kind)
	}
	gen, ok := wp.generators[task.Kind]
	if !ok {
		return types.NewError(types.KindProcessing, "no generator registered for kind %s", task.Kind)
	}
	units, err := spec.Units(task.Input)
	if err != nil {
		return types.NewError(types.KindProcessing, "%v", err)
	}
	task.Units = units
	task.Deadline = wp.deadline(units)

	// a settling chunk belongs to a failed job: nothing to keep alive and no
	// progress to report
	genCtx := ctx
	if !task.Settle {
		stopHeartbeat := wp.heartbeat(ctx, task, log)
		defer stopHeartbeat()
		genCtx = generate.WithProgress(ctx, wp.progress(ctx, task, log))
	}

	// pacing runs before the deadline starts
	if task.ChunkIndex > 0 && wp.cfg.PacingDelay > 0 {
		sleepCtx(ctx, wp.cfg.PacingDelay*time.Duration(task.ChunkIndex))
	}

	log.WithFields(logrus.Fields{"units": units, "deadline": task.Deadline}).Info("Processing chunk")
	start := time.Now()
	result, err := wp.run(genCtx, task, gen, log)
	if err != nil {
		return err
	}

	last, err := wp.store.CompleteChunk(ctx, task.JobID, task.ChunkIndex, result)
	if errors.Is(err, storage.ErrChunkNotInFlight) || errors.Is(err, storage.ErrNotFound) {
		log.WithError(err).Warn("Chunk result arrived after the job was resolved")
		return nil
	}
	if err != nil {
		return err
	}
	if task.Settle {
		log.WithField("duration", time.Since(start)).Info("Settled chunk stored")
		return nil
	}
	log.WithField("duration", time.Since(start)).Info("Chunk completed")
	if !last {
		return nil
	}
	return wp.finish(ctx, task, spec, log)
}

// progress maps the fraction a generator reports for its chunk onto the job,
// counting the chunks already done when the task was claimed
func (wp *WorkerPool) progress(ctx context.Context, task *Task, log logrus.FieldLogger) generate.ProgressFunc {
	count := task.ChunkCount
	if count < 1 {
		count = 1
	}
	return func(fraction float64, message string) {
		p := int(100 * (float64(task.ChunksDone) + fraction) / float64(count))
		if err := wp.store.ReportProgress(ctx, task.JobID, p, message); err != nil {
			log.WithError(err).Warn("Failed to report progress")
		}
	}
}

// run calls the generator under the chunk deadline, retrying processing
// errors with exponential backoff inside that same deadline
func (wp *WorkerPool) run(ctx context.Context, task *Task, gen generate.Generator, log logrus.FieldLogger) (json.RawMessage, error) {
	runCtx, cancel := context.WithTimeout(ctx, task.Deadline)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = wp.cfg.RetryBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(wp.cfg.MaxRetries))
	b = backoff.WithContext(b, runCtx)

	var result json.RawMessage
	op := func() error {
		out, err := callGenerator(runCtx, gen, task)
		if err != nil {
			if runCtx.Err() != nil {
				return backoff.Permanent(runCtx.Err())
			}
			if types.KindOf(err) != types.KindProcessing {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		n, ierr := wp.store.IncrRetries(ctx, task.JobID, task.ChunkIndex)
		if ierr != nil {
			log.WithError(ierr).Warn("Failed to count retry")
		}
		log.WithError(err).WithFields(logrus.Fields{"retry": n, "wait": wait}).Warn("Chunk attempt failed, retrying")
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return result, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, types.NewError(types.KindTimeout, "chunk exceeded its deadline of %s", task.Deadline)
	}
	return nil, err
}

// callGenerator returns when the generator does or when ctx is done,
// whichever comes first
func callGenerator(ctx context.Context, gen generate.Generator, task *Task) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: backoff.Permanent(types.NewError(types.KindProcessing, "generator panic: %v", r))}
			}
		}()
		out, err := gen.Generate(ctx, task.Kind, task.Input)
		done <- outcome{result: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && !json.Valid(o.result) {
			return nil, types.NewError(types.KindProcessing, "generator returned invalid JSON")
		}
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish merges all chunk results in index order and completes the job
func (wp *WorkerPool) finish(ctx context.Context, task *Task, spec kinds.Spec, log logrus.FieldLogger) error {
	merged, err := Merge(ctx, wp.store, spec, task.JobID, task.ChunkCount)
	if err != nil {
		return err
	}
	ok, err := wp.store.Complete(ctx, task.JobID, merged)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("Job left processing before it could complete")
		return nil
	}
	log.Info("Job completed")

	if wp.cache != nil {
		wp.storeResult(ctx, task, merged, log)
	}
	return nil
}

func (wp *WorkerPool) storeResult(ctx context.Context, task *Task, result json.RawMessage, log logrus.FieldLogger) {
	input, err := wp.store.Input(ctx, task.JobID)
	if err != nil {
		log.WithError(err).Warn("Failed to read job input for result cache")
		return
	}
	hash, err := storage.Key(task.Kind, input)
	if err != nil {
		log.WithError(err).Warn("Failed to hash job input for result cache")
		return
	}
	if err := wp.cache.Set(ctx, task.Kind, hash, result); err != nil {
		log.WithError(err).Warn("Failed to write result cache")
	}
}

// fail records jerr on the chunk and, unless it already failed, the job
func (wp *WorkerPool) fail(ctx context.Context, task *Task, jerr *types.JobError, log logrus.FieldLogger) {
	if !task.Single() && jerr.ChunkIndex == nil {
		jerr = jerr.ForChunk(task.ChunkIndex)
	}
	changed, err := wp.store.Fail(ctx, task.JobID, task.ChunkIndex, jerr)
	if err != nil {
		log.WithError(err).Error("Failed to record job failure")
		return
	}
	entry := log.WithFields(logrus.Fields{"error_kind": jerr.Kind, "error": jerr.Message})
	if changed {
		entry.Error("Job failed")
	} else {
		entry.Warn("Chunk failed after the job was resolved")
	}
}

// deadline is base_timeout + per_unit_timeout * units
func (wp *WorkerPool) deadline(units int) time.Duration {
	if units < 1 {
		units = 1
	}
	if wp.cfg.MaxUnits > 0 && units > wp.cfg.MaxUnits {
		units = wp.cfg.MaxUnits
	}
	return wp.cfg.BaseTimeout + wp.cfg.PerUnitTimeout*time.Duration(units)
}

// heartbeat keeps the chunk's updated_at fresh while a task runs
func (wp *WorkerPool) heartbeat(ctx context.Context, task *Task, log logrus.FieldLogger) func() {
	if wp.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(wp.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := wp.store.Heartbeat(hbCtx, task.JobID, task.ChunkIndex); err != nil && hbCtx.Err() == nil {
					log.WithError(err).Warn("Heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
