package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Merge combines the results of every chunk of a job in chunk index order.
// All chunks must be completed; the first chunk that failed is returned as
// the job error.
func Merge(ctx context.Context, store *storage.StatusStore, spec kinds.Spec, jobID string, count int) (json.RawMessage, error) {
	chunks, err := store.Chunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if len(chunks) != count {
		return nil, types.NewError(types.KindProcessing, "expected %d chunks, found %d", count, len(chunks))
	}

	results := make([]json.RawMessage, count)
	for _, c := range chunks {
		switch c.Status {
		case types.StatusCompleted:
			results[c.Index] = c.Result
		case types.StatusFailed:
			if c.Error != nil {
				return nil, c.Error.ForChunk(c.Index)
			}
			return nil, types.NewError(types.KindProcessing, "chunk failed").ForChunk(c.Index)
		default:
			return nil, types.NewError(types.KindProcessing, "chunk %d is %s, cannot merge", c.Index, c.Status)
		}
	}

	merged, err := spec.Merge(results)
	if err != nil {
		return nil, types.NewError(types.KindProcessing, "merge results: %v", err)
	}
	if !json.Valid(merged) {
		return nil, fmt.Errorf("merge of job %s produced invalid JSON", jobID)
	}
	return merged, nil
}
