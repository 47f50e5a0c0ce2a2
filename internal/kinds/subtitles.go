package kinds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// SubtitlesInput is the input of a generate-subtitles job
type SubtitlesInput struct {
	SourceID        string  `json:"source_id" validate:"required"`
	Language        string  `json:"language,omitempty" validate:"omitempty,min=2,max=16"`
	DurationSeconds float64 `json:"duration_seconds" validate:"required,gt=0"`
}

// SubtitlesChunk is one time window of the source media
type SubtitlesChunk struct {
	SourceID     string  `json:"source_id"`
	Language     string  `json:"language,omitempty"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// Duration returns the window length
func (c SubtitlesChunk) Duration() time.Duration {
	return time.Duration((c.EndSeconds - c.StartSeconds) * float64(time.Second))
}

type subtitles struct {
	window time.Duration
	max    time.Duration
}

func (s *subtitles) Plan(input json.RawMessage) (*Plan, error) {
	var in SubtitlesInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if s.max > 0 && in.DurationSeconds > s.max.Seconds() {
		return nil, types.NewError(types.KindValidation, "media too long: %.0fs (max %.0fs)", in.DurationSeconds, s.max.Seconds())
	}

	window := s.window.Seconds()
	if window <= 0 {
		window = in.DurationSeconds
	}
	plan := &Plan{Sources: []string{in.SourceID}}
	for start := 0.0; start < in.DurationSeconds; start += window {
		plan.Chunks = append(plan.Chunks, mustMarshal(SubtitlesChunk{
			SourceID:     in.SourceID,
			Language:     in.Language,
			StartSeconds: start,
			EndSeconds:   math.Min(start+window, in.DurationSeconds),
		}))
	}
	return plan, nil
}

// Units counts every started minute of the window
func (s *subtitles) Units(chunk json.RawMessage) (int, error) {
	var c SubtitlesChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return 0, fmt.Errorf("decode subtitles chunk: %w", err)
	}
	return int(math.Ceil((c.EndSeconds - c.StartSeconds) / 60)), nil
}

// SubtitlesResult is the result of one window or of the whole job
type SubtitlesResult struct {
	Language string            `json:"language,omitempty"`
	Segments []json.RawMessage `json:"segments"`
	Text     string            `json:"text"`
}

func (s *subtitles) Merge(results []json.RawMessage) (json.RawMessage, error) {
	merged := SubtitlesResult{Segments: []json.RawMessage{}}
	texts := make([]string, 0, len(results))
	for i, r := range results {
		var part SubtitlesResult
		if err := json.Unmarshal(bytes.TrimSpace(r), &part); err != nil {
			return nil, fmt.Errorf("chunk %d result: %w", i, err)
		}
		if merged.Language == "" {
			merged.Language = part.Language
		}
		merged.Segments = append(merged.Segments, part.Segments...)
		if t := strings.TrimSpace(part.Text); t != "" {
			texts = append(texts, t)
		}
	}
	merged.Text = strings.Join(texts, " ")
	return json.Marshal(merged)
}
