// Package generate holds the content generation collaborators workers call
// for each chunk.
package generate

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// Generator produces the result of one chunk input
type Generator interface {
	Generate(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error)
}

// Func adapts a function to Generator
type Func func(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, kind, input)
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}
