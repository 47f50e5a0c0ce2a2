package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// ErrNotFound is returned when a job record does not exist or has expired
var ErrNotFound = errors.New("job not found")

// Job hash fields
const (
	fieldID              = "job_id"
	fieldOwner           = "owner_id"
	fieldKind            = "kind"
	fieldInput           = "input"
	fieldStatus          = "status"
	fieldProgress        = "progress"
	fieldMessage         = "message"
	fieldResult          = "result"
	fieldError           = "error"
	fieldCreatedAt       = "created_at"
	fieldStartedAt       = "started_at"
	fieldUpdatedAt       = "updated_at"
	fieldChunkCount      = "chunk_count"
	fieldChunksCompleted = "chunks_completed"
)

var jobFields = []string{
	fieldID, fieldOwner, fieldKind, fieldStatus, fieldProgress, fieldMessage,
	fieldResult, fieldError, fieldCreatedAt, fieldStartedAt, fieldUpdatedAt,
	fieldChunkCount, fieldChunksCompleted,
}

func chunkField(i int, name string) string {
	return "chunk:" + strconv.Itoa(i) + ":" + name
}

// ClaimOutcome is the result of trying to take a chunk for execution
type ClaimOutcome string

// Claim outcomes
const (
	// ClaimClaimed means the caller now owns the chunk and the job is processing
	ClaimClaimed ClaimOutcome = "claimed"
	// ClaimSettle means the job already failed but this sibling chunk may run
	// to completion so its result is kept for diagnostics
	ClaimSettle ClaimOutcome = "settle"
	// ClaimDiscard means the reference is a duplicate of finished work
	ClaimDiscard ClaimOutcome = "discard"
	// ClaimMissing means the record expired or never existed
	ClaimMissing ClaimOutcome = "missing"
)

// RequeueOutcome is the verdict on a job whose refs left the queue without
// being claimed
type RequeueOutcome string

// Requeue outcomes
const (
	// RequeueSkipped means the job is finished, recently touched or has a
	// chunk in flight
	RequeueSkipped RequeueOutcome = "skip"
	// RequeueRequeued means the refs may be pushed again
	RequeueRequeued RequeueOutcome = "requeued"
	// RequeueAbandoned means the job lost its refs too often and was failed
	RequeueAbandoned RequeueOutcome = "abandoned"
)

// StoreConfig holds the retention windows of job records
type StoreConfig struct {
	Prefix      string
	ActiveTTL   time.Duration
	TerminalTTL time.Duration
}

// StatusStore keeps the durable state of every job in a redis hash
type StatusStore struct {
	rc          redis.UniversalClient
	prefix      string
	activeTTL   time.Duration
	terminalTTL time.Duration
	now         func() time.Time
}

// NewStatusStore creates a status store on top of a redis client
func NewStatusStore(rc redis.UniversalClient, cfg StoreConfig) *StatusStore {
	return &StatusStore{
		rc:          rc,
		prefix:      cfg.Prefix,
		activeTTL:   cfg.ActiveTTL,
		terminalTTL: cfg.TerminalTTL,
		now:         time.Now,
	}
}

// SetClock replaces the time source
func (s *StatusStore) SetClock(now func() time.Time) {
	s.now = now
}

// Client returns the underlying redis client
func (s *StatusStore) Client() redis.UniversalClient {
	return s.rc
}

func (s *StatusStore) key(id string) string {
	return s.prefix + "job:" + id
}

func (s *StatusStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// StageCreate queues the writes that create a pending job with its chunk
// inputs on pipe. The caller executes the pipeline, normally as a MULTI
// together with the queue push.
func (s *StatusStore) StageCreate(ctx context.Context, pipe redis.Pipeliner, job *types.Job, chunks []json.RawMessage) {
	ts := strconv.FormatInt(job.CreatedAt.UnixMilli(), 10)
	values := map[string]any{
		fieldID:              job.ID,
		fieldOwner:           job.OwnerID,
		fieldKind:            string(job.Kind),
		fieldInput:           string(job.Input),
		fieldStatus:          string(types.StatusPending),
		fieldProgress:        0,
		fieldMessage:         "queued",
		fieldCreatedAt:       ts,
		fieldUpdatedAt:       ts,
		fieldChunkCount:      len(chunks),
		fieldChunksCompleted: 0,
	}
	for i, in := range chunks {
		values[chunkField(i, "input")] = string(in)
		values[chunkField(i, "status")] = string(types.StatusPending)
		values[chunkField(i, "retries")] = 0
	}
	key := s.key(job.ID)
	pipe.HSet(ctx, key, values)
	pipe.Expire(ctx, key, s.activeTTL)
}

// Create writes a pending job outside of any transaction
func (s *StatusStore) Create(ctx context.Context, job *types.Job, chunks []json.RawMessage) error {
	_, err := s.rc.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.StageCreate(ctx, pipe, job, chunks)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// Get reads the job without its input payload
func (s *StatusStore) Get(ctx context.Context, id string) (*types.Job, error) {
	vals, err := s.rc.HMGet(ctx, s.key(id), jobFields...).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	fields := make(map[string]string, len(jobFields))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			fields[jobFields[i]] = str
		}
	}
	if fields[fieldStatus] == "" {
		return nil, ErrNotFound
	}
	return parseJob(fields)
}

// Input reads the full input payload of a job
func (s *StatusStore) Input(ctx context.Context, id string) (json.RawMessage, error) {
	v, err := s.rc.HGet(ctx, s.key(id), fieldInput).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get input %s: %w", id, err)
	}
	return json.RawMessage(v), nil
}

// Chunk reads the state and input of one chunk
func (s *StatusStore) Chunk(ctx context.Context, id string, index int) (*types.ChunkState, json.RawMessage, error) {
	names := []string{
		chunkField(index, "status"), chunkField(index, "result"),
		chunkField(index, "error"), chunkField(index, "retries"),
		chunkField(index, "input"),
	}
	vals, err := s.rc.HMGet(ctx, s.key(id), names...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("get chunk %s/%d: %w", id, index, err)
	}
	str := func(i int) string {
		v, _ := vals[i].(string)
		return v
	}
	if str(0) == "" {
		return nil, nil, ErrNotFound
	}
	cs, err := parseChunk(index, str(0), str(1), str(2), str(3))
	if err != nil {
		return nil, nil, err
	}
	return cs, json.RawMessage(str(4)), nil
}

// Chunks reads the state of every chunk of a job, in index order
func (s *StatusStore) Chunks(ctx context.Context, id string) ([]types.ChunkState, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, job.ChunkCount*4)
	for i := 0; i < job.ChunkCount; i++ {
		names = append(names, chunkField(i, "status"), chunkField(i, "result"),
			chunkField(i, "error"), chunkField(i, "retries"))
	}
	vals, err := s.rc.HMGet(ctx, s.key(id), names...).Result()
	if err != nil {
		return nil, fmt.Errorf("get chunks %s: %w", id, err)
	}
	str := func(i int) string {
		v, _ := vals[i].(string)
		return v
	}
	out := make([]types.ChunkState, 0, job.ChunkCount)
	for i := 0; i < job.ChunkCount; i++ {
		cs, err := parseChunk(i, str(i*4), str(i*4+1), str(i*4+2), str(i*4+3))
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, nil
}

// Claim atomically moves a pending chunk to processing
func (s *StatusStore) Claim(ctx context.Context, id string, index int) (ClaimOutcome, error) {
	res, err := claimScript.Run(ctx, s.rc, []string{s.key(id)},
		index, s.nowMillis(), s.activeTTL.Milliseconds(), s.terminalTTL.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("claim %s/%d: %w", id, index, err)
	}
	return ClaimOutcome(res), nil
}

// Heartbeat refreshes updated_at of a processing chunk and its job so the
// reclaimer knows the worker holding the chunk is alive
func (s *StatusStore) Heartbeat(ctx context.Context, id string, index int) (bool, error) {
	n, err := heartbeatScript.Run(ctx, s.rc, []string{s.key(id)},
		index, s.nowMillis(), s.activeTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("heartbeat %s/%d: %w", id, index, err)
	}
	return n == 1, nil
}

// ReportProgress raises the progress of a processing job. Lower values are
// ignored so progress never goes backwards.
func (s *StatusStore) ReportProgress(ctx context.Context, id string, progress int, message string) error {
	_, err := progressScript.Run(ctx, s.rc, []string{s.key(id)},
		progress, message, s.nowMillis(), s.activeTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("report progress %s: %w", id, err)
	}
	return nil
}

// ErrChunkNotInFlight is returned when a chunk result arrives for a chunk
// that is no longer processing
var ErrChunkNotInFlight = errors.New("chunk is not in flight")

// CompleteChunk stores a chunk result and increments chunks_completed.
// It reports true when the call completed the last chunk of a processing job.
func (s *StatusStore) CompleteChunk(ctx context.Context, id string, index int, result json.RawMessage) (bool, error) {
	n, err := completeChunkScript.Run(ctx, s.rc, []string{s.key(id)},
		index, string(result), s.nowMillis(),
		s.activeTTL.Milliseconds(), s.terminalTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("complete chunk %s/%d: %w", id, index, err)
	}
	switch n {
	case -1:
		return false, ErrNotFound
	case -2:
		return false, ErrChunkNotInFlight
	}
	return n == 1, nil
}

// Complete marks a processing job completed with its merged result
func (s *StatusStore) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	n, err := completeScript.Run(ctx, s.rc, []string{s.key(id)},
		string(result), s.nowMillis(), s.terminalTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("complete %s: %w", id, err)
	}
	return n == 1, nil
}

// Fail records a failure. When index is non-negative the chunk is marked
// failed too. The job keeps the first failure it received.
func (s *StatusStore) Fail(ctx context.Context, id string, index int, jerr *types.JobError) (bool, error) {
	payload, err := json.Marshal(jerr)
	if err != nil {
		return false, fmt.Errorf("encode error: %w", err)
	}
	chunk := ""
	if index >= 0 {
		chunk = strconv.Itoa(index)
	}
	n, err := failScript.Run(ctx, s.rc, []string{s.key(id)},
		chunk, string(payload), s.nowMillis(), s.terminalTTL.Milliseconds(), jerr.Error()).Int()
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", id, err)
	}
	if n == -1 {
		return false, ErrNotFound
	}
	return n == 1, nil
}

// IncrRetries counts one more attempt on a chunk
func (s *StatusStore) IncrRetries(ctx context.Context, id string, index int) (int, error) {
	n, err := s.rc.HIncrBy(ctx, s.key(id), chunkField(index, "retries"), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("incr retries %s/%d: %w", id, index, err)
	}
	return int(n), nil
}

// Reclaim fails a processing job when one of its in-flight chunks was last
// claimed or heartbeated before staleBefore. Stale chunks are failed with
// jerr; live siblings keep running. It reports whether the job was reclaimed.
func (s *StatusStore) Reclaim(ctx context.Context, id string, staleBefore time.Time, jerr *types.JobError) (bool, error) {
	payload, err := json.Marshal(jerr)
	if err != nil {
		return false, fmt.Errorf("encode error: %w", err)
	}
	n, err := reclaimScript.Run(ctx, s.rc, []string{s.key(id)},
		staleBefore.UnixMilli(), string(payload), s.nowMillis(),
		s.terminalTTL.Milliseconds(), jerr.Error()).Int()
	if err != nil {
		return false, fmt.Errorf("reclaim %s: %w", id, err)
	}
	return n == 1, nil
}

// Requeue decides what to do with an unfinished job whose queue refs went
// missing. The caller only pushes the refs again on RequeueRequeued.
func (s *StatusStore) Requeue(ctx context.Context, id string, staleBefore time.Time, maxRequeues int, jerr *types.JobError) (RequeueOutcome, error) {
	payload, err := json.Marshal(jerr)
	if err != nil {
		return "", fmt.Errorf("encode error: %w", err)
	}
	res, err := requeueScript.Run(ctx, s.rc, []string{s.key(id)},
		staleBefore.UnixMilli(), maxRequeues, string(payload), s.nowMillis(),
		s.activeTTL.Milliseconds(), s.terminalTTL.Milliseconds(), jerr.Error()).Text()
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", id, err)
	}
	return RequeueOutcome(res), nil
}

// Scan returns every stored job currently in the given status
func (s *StatusStore) Scan(ctx context.Context, status types.Status) ([]*types.Job, error) {
	var (
		cursor uint64
		jobs   []*types.Job
	)
	pattern := s.prefix + "job:*"
	for {
		keys, next, err := s.rc.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan jobs: %w", err)
		}
		for _, key := range keys {
			st, err := s.rc.HGet(ctx, key, fieldStatus).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("scan status %s: %w", key, err)
			}
			if types.Status(st) != status {
				continue
			}
			job, err := s.Get(ctx, key[len(s.prefix)+len("job:"):])
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
		cursor = next
		if cursor == 0 {
			return jobs, nil
		}
	}
}

// TTL returns the remaining retention of a job record
func (s *StatusStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	return s.rc.TTL(ctx, s.key(id)).Result()
}

func parseJob(f map[string]string) (*types.Job, error) {
	job := &types.Job{
		ID:      f[fieldID],
		OwnerID: f[fieldOwner],
		Kind:    types.Kind(f[fieldKind]),
		Status:  types.Status(f[fieldStatus]),
		Message: f[fieldMessage],
	}
	var err error
	if job.Progress, err = atoi(f[fieldProgress]); err != nil {
		return nil, fmt.Errorf("job %s progress: %w", job.ID, err)
	}
	if job.ChunkCount, err = atoi(f[fieldChunkCount]); err != nil {
		return nil, fmt.Errorf("job %s chunk_count: %w", job.ID, err)
	}
	if job.ChunksCompleted, err = atoi(f[fieldChunksCompleted]); err != nil {
		return nil, fmt.Errorf("job %s chunks_completed: %w", job.ID, err)
	}
	job.CreatedAt = millis(f[fieldCreatedAt])
	job.StartedAt = millis(f[fieldStartedAt])
	job.UpdatedAt = millis(f[fieldUpdatedAt])
	if r := f[fieldResult]; r != "" {
		job.Result = json.RawMessage(r)
	}
	if e := f[fieldError]; e != "" {
		job.Error = &types.JobError{}
		if err := json.Unmarshal([]byte(e), job.Error); err != nil {
			return nil, fmt.Errorf("job %s error payload: %w", job.ID, err)
		}
	}
	return job, nil
}

func parseChunk(index int, status, result, errJSON, retries string) (*types.ChunkState, error) {
	cs := &types.ChunkState{Index: index, Status: types.Status(status)}
	if result != "" {
		cs.Result = json.RawMessage(result)
	}
	if errJSON != "" {
		cs.Error = &types.JobError{}
		if err := json.Unmarshal([]byte(errJSON), cs.Error); err != nil {
			return nil, fmt.Errorf("chunk %d error payload: %w", index, err)
		}
	}
	n, err := atoi(retries)
	if err != nil {
		return nil, fmt.Errorf("chunk %d retries: %w", index, err)
	}
	cs.Retries = n
	return cs, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func millis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
