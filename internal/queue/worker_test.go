package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebuildervaibhav/content-jobs/internal/generate"
	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// echoSlides returns one entry per slide tagged with its absolute index
func echoSlides(calls *atomic.Int32) generate.Generator {
	return generate.Func(func(_ context.Context, _ types.Kind, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		var c kinds.SlidesChunk
		if err := json.Unmarshal(input, &c); err != nil {
			return nil, err
		}
		out := make([]map[string]int, len(c.Slides))
		for i := range c.Slides {
			out[i] = map[string]int{"index": c.Offset + i}
		}
		return json.Marshal(out)
	})
}

func popAll(t *testing.T, h *harness, kind types.Kind) []Ref {
	t.Helper()
	var refs []Ref
	for {
		_, ref, ok, err := h.queue.TryPop(context.Background(), []types.Kind{kind})
		require.NoError(t, err)
		if !ok {
			return refs
		}
		refs = append(refs, ref)
	}
}

func TestWorkerCompletesSingleChunkJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"clips":["intro.mp4"]}`), nil
		}))
	ctx := context.Background()

	input := json.RawMessage(`{"scenes":[{"script":"intro"}]}`)
	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, input)
	require.NoError(t, err)

	n, err := h.pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.JSONEq(t, `{"clips":["intro.mp4"]}`, string(job.Result))
	assert.False(t, job.StartedAt.IsZero())

	view := job.View(time.Now())
	assert.Zero(t, view.ChunkCount, "unsplit jobs hide chunk fields")

	// identical input is now answered from the cache
	cached, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, input)
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Empty(t, cached.JobID)
	assert.JSONEq(t, `{"clips":["intro.mp4"]}`, string(cached.Result))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerMergesOutOfOrderChunks(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindFormatSlides, echoSlides(&calls))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(12))
	require.NoError(t, err)
	refs := popAll(t, h, types.KindFormatSlides)
	require.Len(t, refs, 3)

	for _, i := range []int{2, 0} {
		h.pool.Process(ctx, 0, types.KindFormatSlides, refs[i])
	}
	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, 66, job.Progress)
	assert.Equal(t, 2, job.ChunksCompleted)

	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[1])
	job, _ = h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusCompleted, job.Status)

	var merged struct {
		Slides []struct {
			Index int `json:"index"`
		} `json:"slides"`
	}
	require.NoError(t, json.Unmarshal(job.Result, &merged))
	require.Len(t, merged.Slides, 12)
	for i, s := range merged.Slides {
		assert.Equal(t, i, s.Index)
	}

	view := job.View(time.Now())
	assert.Equal(t, 3, view.ChunkCount)
	assert.Equal(t, 3, view.ChunksCompleted)
}

func TestWorkerChunkFailureFailsParent(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.pool.RegisterGenerator(types.KindFormatSlides, generate.Func(
		func(_ context.Context, _ types.Kind, input json.RawMessage) (json.RawMessage, error) {
			var c kinds.SlidesChunk
			_ = json.Unmarshal(input, &c)
			if c.Offset == 5 {
				return nil, generate.Permanent(types.NewError(types.KindProcessing, "renderer rejected slide"))
			}
			return json.RawMessage(fmt.Sprintf(`[{"offset":%d}]`, c.Offset)), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(15))
	require.NoError(t, err)

	n, err := h.pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	job, err := h.store.Get(ctx, sub.JobID)
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, types.KindProcessing, job.Error.Kind)
	require.NotNil(t, job.Error.ChunkIndex)
	assert.Equal(t, 1, *job.Error.ChunkIndex)
	assert.Nil(t, job.Result)

	chunks, err := h.store.Chunks(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, chunks[0].Status)
	assert.Equal(t, types.StatusFailed, chunks[1].Status)
	assert.Equal(t, types.StatusCompleted, chunks[2].Status, "sibling settles for diagnostics")
	assert.JSONEq(t, `[{"offset":10}]`, string(chunks[2].Result))

	view := job.View(time.Now())
	assert.Nil(t, view.Result)
	assert.Equal(t, types.StatusFailed, view.Status)
}

func TestWorkerTimeoutIsNotRetried(t *testing.T) {
	h := newHarness(t, WorkerConfig{
		BaseTimeout:    100 * time.Millisecond,
		PerUnitTimeout: 0,
		MaxRetries:     3,
	})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(ctx context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			generate.ReportProgress(ctx, 0.4, "rendering scene 1")
			<-ctx.Done()
			generate.ReportProgress(ctx, 0.9, "too late")
			return nil, ctx.Err()
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"long"}]}`))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.KindTimeout, job.Error.Kind)
	assert.Nil(t, job.Error.ChunkIndex)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 40, job.Progress, "progress stays where the chunk left it")
}

func TestWorkerTimeoutFreezesProgressOfSplitJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{BaseTimeout: 50 * time.Millisecond})
	h.pool.RegisterGenerator(types.KindFormatSlides, generate.Func(
		func(ctx context.Context, _ types.Kind, input json.RawMessage) (json.RawMessage, error) {
			var c kinds.SlidesChunk
			_ = json.Unmarshal(input, &c)
			switch c.Offset {
			case 5:
				<-ctx.Done()
				return nil, ctx.Err()
			case 10:
				generate.ReportProgress(ctx, 1, "late sibling")
			}
			return json.RawMessage(fmt.Sprintf(`[{"offset":%d}]`, c.Offset)), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(15))
	require.NoError(t, err)
	refs := popAll(t, h, types.KindFormatSlides)
	require.Len(t, refs, 3)

	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[0])
	job, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, 33, job.Progress)

	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[1])
	failed, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, types.KindTimeout, failed.Error.Kind)
	require.NotNil(t, failed.Error.ChunkIndex)
	assert.Equal(t, 1, *failed.Error.ChunkIndex)
	assert.Equal(t, 33, failed.Progress)

	// the sibling settles without touching the failed job
	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[2])
	job, _ = h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, 33, job.Progress)
	assert.Equal(t, failed.Message, job.Message)
	assert.Equal(t, failed.Error, job.Error)
	assert.Nil(t, job.Result)

	chunks, err := h.store.Chunks(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, chunks[1].Status)
	assert.Equal(t, types.StatusCompleted, chunks[2].Status)
	assert.JSONEq(t, `[{"offset":10}]`, string(chunks[2].Result))
}

func TestWorkerReportsChunkProgress(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	seen := make(chan int, 1)
	h.pool.RegisterGenerator(types.KindFormatSlides, generate.Func(
		func(ctx context.Context, _ types.Kind, input json.RawMessage) (json.RawMessage, error) {
			generate.ReportProgress(ctx, 0.5, "halfway")
			return json.RawMessage(`[]`), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(10))
	require.NoError(t, err)
	refs := popAll(t, h, types.KindFormatSlides)
	require.Len(t, refs, 2)

	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[0])
	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, 50, job.Progress, "25 while running, 50 once the chunk completed")

	// half of the second chunk on top of the first
	h.pool.RegisterGenerator(types.KindFormatSlides, generate.Func(
		func(ctx context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			generate.ReportProgress(ctx, 0.5, "halfway")
			job, err := h.store.Get(context.Background(), sub.JobID)
			if err != nil {
				return nil, err
			}
			seen <- job.Progress
			return json.RawMessage(`[]`), nil
		}))
	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[1])
	assert.Equal(t, 75, <-seen)

	job, _ = h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
}

func TestWorkerPacingDelayRunsOutsideDeadline(t *testing.T) {
	const delay = 40 * time.Millisecond
	// chunk 2 waits 80ms, longer than its 60ms deadline
	h := newHarness(t, WorkerConfig{PacingDelay: delay, BaseTimeout: 60 * time.Millisecond})
	started := make(chan time.Time, 1)
	h.pool.RegisterGenerator(types.KindFormatSlides, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			started <- time.Now()
			return json.RawMessage(`[]`), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(15))
	require.NoError(t, err)
	refs := popAll(t, h, types.KindFormatSlides)
	require.Len(t, refs, 3)

	claimed := time.Now()
	h.pool.Process(ctx, 0, types.KindFormatSlides, refs[2])
	assert.GreaterOrEqual(t, (<-started).Sub(claimed), 2*delay)

	chunks, err := h.store.Chunks(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, chunks[2].Status)
	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, 33, job.Progress)
}

func TestWorkerTimeoutWithUncooperativeGenerator(t *testing.T) {
	h := newHarness(t, WorkerConfig{BaseTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{}`), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"x"}]}`))
	require.NoError(t, err)

	start := time.Now()
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.KindTimeout, job.Error.Kind)
}

func TestWorkerRetriesProcessingErrors(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxRetries: 3, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			if calls.Add(1) <= 2 {
				return nil, errors.New("upstream hiccup")
			}
			return json.RawMessage(`{"clips":["ok"]}`), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"x"}]}`))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, int32(3), calls.Load())

	chunks, _ := h.store.Chunks(ctx, sub.JobID)
	assert.Equal(t, 2, chunks[0].Retries)
}

func TestWorkerGivesUpAfterMaxRetries(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			return nil, errors.New("still broken")
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"x"}]}`))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.KindProcessing, job.Error.Kind)
	assert.Contains(t, job.Error.Message, "still broken")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWorkerDiscardsDuplicateRefs(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindFormatSlides, echoSlides(&calls))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(10))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	before, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusCompleted, before.Status)

	require.NoError(t, h.queue.Push(ctx, types.KindFormatSlides,
		Ref{JobID: sub.JobID, ChunkIndex: 1}, Ref{JobID: sub.JobID, ChunkIndex: 0}))
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	after, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Result, after.Result)
}

func TestWorkerDropsUnknownRefs(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindFormatSlides, echoSlides(&calls))
	ctx := context.Background()

	require.NoError(t, h.queue.Push(ctx, types.KindFormatSlides, Ref{JobID: "expired"}))
	sub, err := h.submitter.Submit(ctx, "o", types.KindFormatSlides, slides(1))
	require.NoError(t, err)
	require.NoError(t, h.queue.Push(ctx, types.KindFormatSlides, Ref{JobID: sub.JobID, ChunkIndex: 7}))

	n, err := h.pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerRecordsGeneratorPanic(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxRetries: 3})
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			panic("nil scene")
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"x"}]}`))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, sub.JobID)
	require.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error.Message, "generator panic: nil scene")
}

func TestWorkerRejectsInvalidGeneratorOutput(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	h.pool.RegisterGenerator(types.KindRenderVideo, generate.Func(
		func(_ context.Context, _ types.Kind, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{not json`), nil
		}))
	ctx := context.Background()

	sub, err := h.submitter.Submit(ctx, "o", types.KindRenderVideo, json.RawMessage(`{"scenes":[{"script":"x"}]}`))
	require.NoError(t, err)
	_, err = h.pool.Drain(ctx)
	require.NoError(t, err)

	job, _ := h.store.Get(ctx, sub.JobID)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, types.KindProcessing, job.Error.Kind)
}

func TestWorkerDeadline(t *testing.T) {
	wp := &WorkerPool{cfg: WorkerConfig{BaseTimeout: 30 * time.Second, PerUnitTimeout: 20 * time.Second, MaxUnits: 10}}
	assert.Equal(t, 50*time.Second, wp.deadline(1))
	assert.Equal(t, 50*time.Second, wp.deadline(0))
	assert.Equal(t, 130*time.Second, wp.deadline(5))
	assert.Equal(t, 230*time.Second, wp.deadline(50))
}

func TestWorkerRunLoop(t *testing.T) {
	h := newHarness(t, WorkerConfig{Count: 2, PollTimeout: time.Second})
	var calls atomic.Int32
	h.pool.RegisterGenerator(types.KindFormatSlides, echoSlides(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	sub, err := h.submitter.Submit(context.Background(), "o", types.KindFormatSlides, slides(9))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := h.store.Get(context.Background(), sub.JobID)
		return err == nil && job.Status == types.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}

func TestWorkerRunWithoutGenerators(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	assert.Error(t, h.pool.Run(context.Background()))
}
