package kinds

import (
	"encoding/json"
	"fmt"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Scene is one scene of a video to render
type Scene struct {
	Script          string   `json:"script" validate:"required"`
	DurationSeconds float64  `json:"duration_seconds" validate:"gte=0,lte=600"`
	Assets          []string `json:"assets,omitempty"`
}

// VideoInput is the input of a render-video job
type VideoInput struct {
	SourceID   string  `json:"source_id,omitempty"`
	Resolution string  `json:"resolution,omitempty" validate:"omitempty,oneof=480p 720p 1080p"`
	Scenes     []Scene `json:"scenes" validate:"required,min=1,dive"`
}

// VideoChunk is one contiguous run of scenes
type VideoChunk struct {
	SourceID   string  `json:"source_id,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
	Offset     int     `json:"offset"`
	Scenes     []Scene `json:"scenes"`
}

type video struct {
	perChunk int
	max      int
}

func (v *video) Plan(input json.RawMessage) (*Plan, error) {
	var in VideoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if v.max > 0 && len(in.Scenes) > v.max {
		return nil, types.NewError(types.KindValidation, "too many scenes: %d (max %d)", len(in.Scenes), v.max)
	}

	per := v.perChunk
	if per <= 0 {
		per = len(in.Scenes)
	}
	plan := &Plan{}
	for off := 0; off < len(in.Scenes); off += per {
		end := min(off+per, len(in.Scenes))
		plan.Chunks = append(plan.Chunks, mustMarshal(VideoChunk{
			SourceID:   in.SourceID,
			Resolution: in.Resolution,
			Offset:     off,
			Scenes:     in.Scenes[off:end],
		}))
	}
	if in.SourceID != "" {
		plan.Sources = []string{in.SourceID}
	}
	return plan, nil
}

func (v *video) Units(chunk json.RawMessage) (int, error) {
	var c VideoChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return 0, fmt.Errorf("decode video chunk: %w", err)
	}
	return len(c.Scenes), nil
}

func (v *video) Merge(results []json.RawMessage) (json.RawMessage, error) {
	clips, err := collect(results, "clips")
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"clips": clips})
}
