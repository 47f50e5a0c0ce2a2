package generate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// DefaultTimeout bounds a generation request when the context has no deadline
const DefaultTimeout = 10 * time.Minute

// HTTP posts chunk inputs to a remote generation service at
// <endpoint>/<kind> and returns its JSON response as the chunk result
type HTTP struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
}

// NewHTTP creates an HTTP generator
func NewHTTP(endpoint, apiKey string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		timeout:  timeout,
	}
}

// Generate sends one chunk to the service. Transport errors, 5xx and 429
// responses are retryable; other 4xx responses are permanent.
func (h *HTTP) Generate(ctx context.Context, kind types.Kind, input json.RawMessage) (json.RawMessage, error) {
	agent := fiber.Post(h.endpoint + "/" + string(kind))

	if deadline, ok := ctx.Deadline(); ok {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(h.timeout)
	}
	agent.Set("Content-Type", "application/json")
	agent.Set("Accept", "application/json")
	if h.apiKey != "" {
		agent.Set("Authorization", "Bearer "+h.apiKey)
	}
	agent.Body(input)

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.KindProcessing, "generator request failed: %v", errs[0])
	}

	switch {
	case status == fiber.StatusTooManyRequests || status >= 500:
		return nil, types.NewError(types.KindProcessing, "generator returned %d: %s", status, snippet(body))
	case status >= 400:
		return nil, Permanent(types.NewError(types.KindProcessing, "generator rejected input with %d: %s", status, snippet(body)))
	case !json.Valid(body):
		return nil, types.NewError(types.KindProcessing, "generator returned a non-JSON body: %s", snippet(body))
	}
	return json.RawMessage(body), nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
