package generate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// RenderedSlide is the formatted result of one slide
type RenderedSlide struct {
	Index    int    `json:"index"`
	HTML     string `json:"html"`
	Notes    string `json:"notes,omitempty"`
	Layout   string `json:"layout,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Overflow bool   `json:"overflow"`
	Snapshot string `json:"snapshot,omitempty"`
}

type slideMetrics struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

const measureJS = `new Promise(resolve => requestAnimationFrame(() => resolve({
	width: document.documentElement.scrollWidth,
	height: document.documentElement.scrollHeight
})))`

// SlideRenderer formats slides in headless Chrome, measuring each slide
// against the viewport and optionally capturing a PNG snapshot
type SlideRenderer struct {
	allocCtx  context.Context
	cancel    context.CancelFunc
	width     int
	height    int
	snapshots bool
}

// NewSlideRenderer starts a Chrome allocator bound to parent
func NewSlideRenderer(parent context.Context, width, height int, snapshots bool) *SlideRenderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(width, height),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(parent, opts...)
	return &SlideRenderer{
		allocCtx:  allocCtx,
		cancel:    cancel,
		width:     width,
		height:    height,
		snapshots: snapshots,
	}
}

// Close stops the browser
func (r *SlideRenderer) Close() {
	r.cancel()
}

// Generate renders every slide of a format-slides chunk
func (r *SlideRenderer) Generate(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error) {
	if kind != types.KindFormatSlides {
		return nil, Permanent(types.NewError(types.KindProcessing, "slide renderer cannot handle %s", kind))
	}
	var chunk kinds.SlidesChunk
	if err := json.Unmarshal(input, &chunk); err != nil {
		return nil, Permanent(types.NewError(types.KindProcessing, "decode slides chunk: %v", err))
	}

	tabCtx, cancel := chromedp.NewContext(r.allocCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	out := make([]RenderedSlide, 0, len(chunk.Slides))
	for i, s := range chunk.Slides {
		var (
			m   slideMetrics
			png []byte
		)
		actions := []chromedp.Action{
			chromedp.Navigate(slideURL(chunk.Theme, s)),
			chromedp.WaitReady("body"),
			chromedp.Evaluate(measureJS, &m, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}),
		}
		if r.snapshots {
			actions = append(actions, chromedp.CaptureScreenshot(&png))
		}
		if err := chromedp.Run(tabCtx, actions...); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, types.NewError(types.KindProcessing, "render slide %d: %v", chunk.Offset+i, err)
		}

		rs := RenderedSlide{
			Index:    chunk.Offset + i,
			HTML:     s.HTML,
			Notes:    s.Notes,
			Layout:   s.Layout,
			Width:    m.Width,
			Height:   m.Height,
			Overflow: m.Width > r.width || m.Height > r.height,
		}
		if len(png) > 0 {
			rs.Snapshot = base64.StdEncoding.EncodeToString(png)
		}
		out = append(out, rs)
		ReportProgress(ctx, float64(i+1)/float64(len(chunk.Slides)), fmt.Sprintf("rendered slide %d", rs.Index+1))
	}
	return json.Marshal(map[string]any{"slides": out})
}

// slideDocument wraps a slide body in a standalone page
func slideDocument(theme string, s kinds.Slide) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8">`)
	b.WriteString(`<style>html,body{margin:0;padding:0}</style>`)
	if theme != "" {
		fmt.Fprintf(&b, `<link rel="stylesheet" href="%s">`, html.EscapeString(theme))
	}
	layout := s.Layout
	if layout == "" {
		layout = "content"
	}
	fmt.Fprintf(&b, `</head><body class="layout-%s">%s</body></html>`, layout, s.HTML)
	return b.String()
}

func slideURL(theme string, s kinds.Slide) string {
	return "data:text/html;charset=utf-8," + url.PathEscape(slideDocument(theme, s))
}
