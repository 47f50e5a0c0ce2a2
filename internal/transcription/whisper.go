package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/generate"
	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// SourceLocalizer makes a source reference available as a local file
type SourceLocalizer interface {
	Localize(ctx context.Context, ref, dir string) (string, func(), error)
}

// Segment is one timestamped piece of a transcript
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the transcript of one media window
type Result struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
}

// WhisperOptions configures the external tools
type WhisperOptions struct {
	Model    string
	Language string
	TempDir  string
	Python   string
	FFmpeg   string
}

// WhisperTranscriber generates subtitles for one media window by cutting it
// with ffmpeg and transcribing it with Python's OpenAI Whisper
type WhisperTranscriber struct {
	opts    WhisperOptions
	sources SourceLocalizer
	log     logrus.FieldLogger
	mu      sync.Mutex
}

// NewWhisperTranscriber creates a transcriber
func NewWhisperTranscriber(opts WhisperOptions, sources SourceLocalizer, log logrus.FieldLogger) *WhisperTranscriber {
	if opts.Model == "" {
		opts.Model = "small"
	}
	if opts.Python == "" {
		opts.Python = "python"
	}
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &WhisperTranscriber{opts: opts, sources: sources, log: log}
}

// Generate transcribes the window described by a generate-subtitles chunk
func (wt *WhisperTranscriber) Generate(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error) {
	if kind != types.KindGenerateSubtitles {
		return nil, generate.Permanent(types.NewError(types.KindProcessing, "transcriber cannot handle %s", kind))
	}
	var chunk kinds.SubtitlesChunk
	if err := json.Unmarshal(input, &chunk); err != nil {
		return nil, generate.Permanent(types.NewError(types.KindProcessing, "decode subtitles chunk: %v", err))
	}

	mediaPath, release, err := wt.sources.Localize(ctx, chunk.SourceID, wt.opts.TempDir)
	if err != nil {
		if errors.Is(err, storage.ErrSourceNotFound) {
			return nil, generate.Permanent(types.NewError(types.KindProcessing, "source %s is no longer available", chunk.SourceID))
		}
		return nil, err
	}
	defer release()
	generate.ReportProgress(ctx, 0.1, "source ready")

	clip, err := CutWindow(ctx, wt.opts.FFmpeg, mediaPath, wt.opts.TempDir, chunk.StartSeconds, chunk.EndSeconds-chunk.StartSeconds)
	if err != nil {
		return nil, err
	}
	defer os.Remove(clip)
	generate.ReportProgress(ctx, 0.2, "audio window extracted")

	language := chunk.Language
	if language == "" {
		language = wt.opts.Language
	}
	out, err := wt.transcribe(ctx, clip, language)
	if err != nil {
		return nil, err
	}
	generate.ReportProgress(ctx, 0.9, "transcribed")
	return json.Marshal(out.toResult(chunk.StartSeconds))
}

// transcribe runs whisper on a WAV file. Whisper is CPU bound and loads its
// model per call, so calls are serialized.
func (wt *WhisperTranscriber) transcribe(ctx context.Context, audioPath, language string) (*WhisperOutput, error) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	outDir, err := os.MkdirTemp(wt.opts.TempDir, "whisper_")
	if err != nil {
		return nil, fmt.Errorf("failed to create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	wt.log.WithFields(logrus.Fields{"model": wt.opts.Model, "audio": filepath.Base(audioPath)}).Debug("Transcribing with whisper")
	cmd := exec.CommandContext(ctx, wt.opts.Python, whisperArgs(absAudioPath, outDir, wt.opts.Model, language)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper transcription failed: %w\nOutput: %s", err, string(output))
	}

	baseName := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	var whisperOutput WhisperOutput
	if err := json.Unmarshal(jsonData, &whisperOutput); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}
	return &whisperOutput, nil
}

func whisperArgs(audioPath, outDir, model, language string) []string {
	args := []string{"-m", "whisper",
		audioPath,
		"--model", model,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	return args
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// toResult shifts segment times from window-relative to media-relative
func (w *WhisperOutput) toResult(offset float64) Result {
	segments := make([]Segment, 0, len(w.Segments))
	for _, seg := range w.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: seg.Start + offset,
			End:   seg.End + offset,
			Text:  text,
		})
	}
	return Result{
		Language: w.Language,
		Segments: segments,
		Text:     strings.TrimSpace(w.Text),
	}
}
