package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/content-jobs/internal/logger"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

func slides(n int) json.RawMessage {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"html":"<p>%d</p>"}`, i)
	}
	return json.RawMessage(`{"slides":[` + strings.Join(parts, ",") + `]}`)
}

type fakeSources map[string]bool

func (f fakeSources) Check(_ context.Context, ref string) error {
	if ref == "broken" {
		return errors.New("catalog offline")
	}
	if !f[ref] {
		return fmt.Errorf("%w: %s", storage.ErrSourceNotFound, ref)
	}
	return nil
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "owner-1", types.KindFormatSlides, slides(12))
	require.NoError(t, err)
	assert.NotEmpty(t, sub.JobID)
	assert.Equal(t, types.StatusPending, sub.Status)
	assert.Equal(t, 3, sub.ChunkCount)
	assert.False(t, sub.Cached)
	// (0 queued + 3 chunks) * 10s / 2 workers
	assert.Equal(t, 15.0, sub.EstimatedWaitSeconds)

	job, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 3, job.ChunkCount)

	input, err := h.store.Input(ctx, sub.JobID)
	require.NoError(t, err)
	assert.JSONEq(t, string(slides(12)), string(input))

	_, chunkInput, err := h.store.Chunk(ctx, sub.JobID, 2)
	require.NoError(t, err)
	assert.Contains(t, string(chunkInput), `"offset":10`)

	n, _ := h.queue.Len(ctx, types.KindFormatSlides)
	assert.Equal(t, int64(3), n)

	// the next job waits behind the three queued chunks
	sub2, err := h.submitter.Submit(ctx, "owner-1", types.KindFormatSlides, slides(1))
	require.NoError(t, err)
	assert.Equal(t, 20.0, sub2.EstimatedWaitSeconds)
	assert.NotEqual(t, sub.JobID, sub2.JobID)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	ctx := context.Background()

	_, err := h.submitter.Submit(ctx, "o", "transcode-audio", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	_, err = h.submitter.Submit(ctx, "o", types.KindFormatSlides, json.RawMessage(`{"slides":"nope"}`))
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	keys := h.mr.Keys()
	assert.Empty(t, keys, "rejected submissions write nothing")
}

func TestSubmitChecksSources(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.submitter.sources = fakeSources{"src-1": true}
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindGenerateSubtitles,
		json.RawMessage(`{"source_id":"src-1","duration_seconds":90}`))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ChunkCount)

	_, err = h.submitter.Submit(ctx, "o", types.KindGenerateSubtitles,
		json.RawMessage(`{"source_id":"src-404","duration_seconds":90}`))
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	_, err = h.submitter.Submit(ctx, "o", types.KindGenerateSubtitles,
		json.RawMessage(`{"source_id":"broken","duration_seconds":90}`))
	require.Error(t, err)
	var jerr *types.JobError
	assert.False(t, errors.As(err, &jerr), "backend failures are not client errors")
}

func TestSubmitCacheHit(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	ctx := context.Background()

	input := json.RawMessage(`{"scenes":[{"script":"intro"}]}`)
	hash, err := storage.Key(types.KindRenderVideo, input)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, types.KindRenderVideo, hash, json.RawMessage(`{"clips":["cached"]}`)))

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{ "scenes": [ {"script": "intro"} ] }`))
	require.NoError(t, err)
	assert.Empty(t, sub.JobID)
	assert.True(t, sub.Cached)
	assert.Equal(t, types.StatusCompleted, sub.Status)
	assert.JSONEq(t, `{"clips":["cached"]}`, string(sub.Result))

	body, err := json.Marshal(sub)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"estimated_wait_seconds":0`)

	n, _ := h.queue.Len(ctx, types.KindRenderVideo)
	assert.Zero(t, n)
}

func TestSubmitWithoutCache(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	s := NewSubmitter(h.store, h.queue, h.registry, nil, nil, SubmitterConfig{EstimatePerChunk: time.Second}, logger.Discard())

	sub, err := s.Submit(context.Background(), "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"a"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, sub.EstimatedWaitSeconds)
}
