package kinds

import (
	"encoding/json"
	"fmt"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Slide is one slide of a deck to format
type Slide struct {
	HTML   string `json:"html" validate:"required"`
	Notes  string `json:"notes,omitempty"`
	Layout string `json:"layout,omitempty" validate:"omitempty,oneof=title content two-column blank"`
}

// SlidesInput is the input of a format-slides job
type SlidesInput struct {
	DocumentID string  `json:"document_id,omitempty"`
	Theme      string  `json:"theme,omitempty"`
	Slides     []Slide `json:"slides" validate:"required,min=1,dive"`
}

// SlidesChunk is one contiguous run of slides
type SlidesChunk struct {
	DocumentID string  `json:"document_id,omitempty"`
	Theme      string  `json:"theme,omitempty"`
	Offset     int     `json:"offset"`
	Slides     []Slide `json:"slides"`
}

type slides struct {
	perChunk int
	max      int
}

func (s *slides) Plan(input json.RawMessage) (*Plan, error) {
	var in SlidesInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if s.max > 0 && len(in.Slides) > s.max {
		return nil, types.NewError(types.KindValidation, "too many slides: %d (max %d)", len(in.Slides), s.max)
	}

	per := s.perChunk
	if per <= 0 {
		per = len(in.Slides)
	}
	plan := &Plan{}
	for off := 0; off < len(in.Slides); off += per {
		end := min(off+per, len(in.Slides))
		plan.Chunks = append(plan.Chunks, mustMarshal(SlidesChunk{
			DocumentID: in.DocumentID,
			Theme:      in.Theme,
			Offset:     off,
			Slides:     in.Slides[off:end],
		}))
	}
	if in.DocumentID != "" {
		plan.Sources = []string{in.DocumentID}
	}
	return plan, nil
}

func (s *slides) Units(chunk json.RawMessage) (int, error) {
	var c SlidesChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return 0, fmt.Errorf("decode slides chunk: %w", err)
	}
	return len(c.Slides), nil
}

func (s *slides) Merge(results []json.RawMessage) (json.RawMessage, error) {
	all, err := collect(results, "slides")
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"slides": all})
}
