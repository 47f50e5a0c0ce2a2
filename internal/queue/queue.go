package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Ref is the thin reference a queue entry carries. Inputs live in the
// status store only.
type Ref struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// Queue is a set of FIFO redis lists, one per job kind
type Queue struct {
	rc     redis.UniversalClient
	prefix string
}

// NewQueue creates a queue using keys under prefix
func NewQueue(rc redis.UniversalClient, prefix string) *Queue {
	return &Queue{rc: rc, prefix: prefix}
}

func (q *Queue) key(kind types.Kind) string {
	return q.prefix + "queue:" + string(kind)
}

func (q *Queue) kindOf(key string) types.Kind {
	return types.Kind(strings.TrimPrefix(key, q.prefix+"queue:"))
}

func encodeRefs(refs []Ref) ([]any, error) {
	out := make([]any, len(refs))
	for i, r := range refs {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return out, nil
}

// StagePush queues RPUSH of refs on pipe
func (q *Queue) StagePush(ctx context.Context, pipe redis.Pipeliner, kind types.Kind, refs ...Ref) error {
	if len(refs) == 0 {
		return nil
	}
	values, err := encodeRefs(refs)
	if err != nil {
		return fmt.Errorf("encode refs: %w", err)
	}
	pipe.RPush(ctx, q.key(kind), values...)
	return nil
}

// Push appends refs to the queue of kind
func (q *Queue) Push(ctx context.Context, kind types.Kind, refs ...Ref) error {
	if len(refs) == 0 {
		return nil
	}
	values, err := encodeRefs(refs)
	if err != nil {
		return fmt.Errorf("encode refs: %w", err)
	}
	if err := q.rc.RPush(ctx, q.key(kind), values...).Err(); err != nil {
		return fmt.Errorf("push %s: %w", kind, err)
	}
	return nil
}

// Pop blocks up to timeout for the next ref of any of kinds. Lists are
// checked in the order given. ok is false when nothing arrived in time.
func (q *Queue) Pop(ctx context.Context, kinds []types.Kind, timeout time.Duration) (types.Kind, Ref, bool, error) {
	keys := make([]string, len(kinds))
	for i, k := range kinds {
		keys[i] = q.key(k)
	}
	res, err := q.rc.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", Ref{}, false, nil
	}
	if err != nil {
		return "", Ref{}, false, fmt.Errorf("pop: %w", err)
	}
	var ref Ref
	if err := json.Unmarshal([]byte(res[1]), &ref); err != nil {
		return "", Ref{}, false, fmt.Errorf("decode ref %q: %w", res[1], err)
	}
	return q.kindOf(res[0]), ref, true, nil
}

// TryPop takes the next ref of any of kinds without blocking
func (q *Queue) TryPop(ctx context.Context, kinds []types.Kind) (types.Kind, Ref, bool, error) {
	for _, k := range kinds {
		raw, err := q.rc.LPop(ctx, q.key(k)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", Ref{}, false, fmt.Errorf("pop %s: %w", k, err)
		}
		var ref Ref
		if err := json.Unmarshal([]byte(raw), &ref); err != nil {
			return "", Ref{}, false, fmt.Errorf("decode ref %q: %w", raw, err)
		}
		return k, ref, true, nil
	}
	return "", Ref{}, false, nil
}

// Len returns the number of refs waiting for kind
func (q *Queue) Len(ctx context.Context, kind types.Kind) (int64, error) {
	n, err := q.rc.LLen(ctx, q.key(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length %s: %w", kind, err)
	}
	return n, nil
}

// Depths returns the queue length of every kind
func (q *Queue) Depths(ctx context.Context, kinds []types.Kind) (map[types.Kind]int64, error) {
	out := make(map[types.Kind]int64, len(kinds))
	for _, k := range kinds {
		n, err := q.Len(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// Queued returns the set of refs currently waiting for kind. Entries that do
// not decode are skipped.
func (q *Queue) Queued(ctx context.Context, kind types.Kind) (map[Ref]bool, error) {
	raw, err := q.rc.LRange(ctx, q.key(kind), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	out := make(map[Ref]bool, len(raw))
	for _, r := range raw {
		var ref Ref
		if err := json.Unmarshal([]byte(r), &ref); err != nil {
			continue
		}
		out[ref] = true
	}
	return out, nil
}
