package generate

import "context"

// ProgressFunc receives how much of the current chunk is done, from 0 to 1
type ProgressFunc func(fraction float64, message string)

type progressKey struct{}

// WithProgress returns a context whose generators report to fn
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress tells the worker how far the current chunk got. Fractions
// are clamped to [0, 1]. Reports are dropped once ctx is done, and without a
// reporter on ctx it does nothing.
func ReportProgress(ctx context.Context, fraction float64, message string) {
	fn, ok := ctx.Value(progressKey{}).(ProgressFunc)
	if !ok || fn == nil || ctx.Err() != nil {
		return
	}
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	fn(fraction, message)
}
