// Package kinds holds the per-kind rules for validating, splitting and
// merging job inputs. Dispatch is by the job's kind tag.
package kinds

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Plan is a validated input split into ordered chunk inputs
type Plan struct {
	Chunks  []json.RawMessage
	Sources []string
}

// Spec describes how one kind is validated, split and merged
type Spec interface {
	// Plan validates input and splits it into chunks
	Plan(input json.RawMessage) (*Plan, error)
	// Units sizes a chunk for its execution deadline
	Units(chunk json.RawMessage) (int, error)
	// Merge combines chunk results given in chunk index order
	Merge(results []json.RawMessage) (json.RawMessage, error)
}

// Limits bounds input sizes and chunk sizes
type Limits struct {
	SlidesPerChunk int
	MaxSlides      int
	ScenesPerChunk int
	MaxScenes      int
	SubtitleWindow time.Duration
	MaxMedia       time.Duration
}

// Registry maps kinds to their specs
type Registry struct {
	specs map[types.Kind]Spec
}

// NewRegistry registers every built-in kind
func NewRegistry(l Limits) *Registry {
	r := &Registry{specs: make(map[types.Kind]Spec)}
	r.Register(types.KindFormatSlides, &slides{perChunk: l.SlidesPerChunk, max: l.MaxSlides})
	r.Register(types.KindGenerateSubtitles, &subtitles{window: l.SubtitleWindow, max: l.MaxMedia})
	r.Register(types.KindRenderVideo, &video{perChunk: l.ScenesPerChunk, max: l.MaxScenes})
	return r
}

// Register adds or replaces a spec
func (r *Registry) Register(kind types.Kind, s Spec) {
	r.specs[kind] = s
}

// Get returns the Spec registered for kind
func (r *Registry) Get(kind types.Kind) (Spec, bool) {
	s, ok := r.specs[kind]
	return s, ok
}

// Kinds lists the registered kinds
func (r *Registry) Kinds() []types.Kind {
	out := make([]types.Kind, 0, len(r.specs))
	for _, k := range types.Kinds {
		if _, ok := r.specs[k]; ok {
			out = append(out, k)
		}
	}
	for k := range r.specs {
		if !contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func contains(list []types.Kind, k types.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

// decode strictly decodes input into v and runs struct validation
func decode(input json.RawMessage, v any) error {
	if len(bytes.TrimSpace(input)) == 0 {
		return types.NewError(types.KindValidation, "input is required")
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.NewError(types.KindValidation, "malformed input: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewError(types.KindValidation, "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s required", field))
		case "min", "max", "gt", "gte", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s invalid", field))
		}
	}
	return types.NewError(types.KindValidation, "%s", strings.Join(msgs, "; "))
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// collect flattens chunk results into one list. A result may be an array,
// an object carrying an array under key, or a single value.
func collect(results []json.RawMessage, key string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for i, r := range results {
		trimmed := bytes.TrimSpace(r)
		switch {
		case len(trimmed) == 0:
			return nil, fmt.Errorf("chunk %d result is empty", i)
		case trimmed[0] == '[':
			var items []json.RawMessage
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, fmt.Errorf("chunk %d result: %w", i, err)
			}
			out = append(out, items...)
		case trimmed[0] == '{':
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(trimmed, &obj); err != nil {
				return nil, fmt.Errorf("chunk %d result: %w", i, err)
			}
			inner, ok := obj[key]
			if !ok {
				out = append(out, trimmed)
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(inner, &items); err != nil {
				return nil, fmt.Errorf("chunk %d result %s: %w", i, key, err)
			}
			out = append(out, items...)
		default:
			out = append(out, trimmed)
		}
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	return out, nil
}
