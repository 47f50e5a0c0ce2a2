package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// StreamHandler pushes job views over a WebSocket until the job is terminal
type StreamHandler struct {
	store    *storage.StatusStore
	interval time.Duration
	log      logrus.FieldLogger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(store *storage.StatusStore, interval time.Duration, log logrus.FieldLogger) *StreamHandler {
	return &StreamHandler{
		store:    store,
		interval: interval,
		log:      log,
	}
}

// Upgrade checks the job and its owner before the WebSocket handshake
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, err := h.store.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewError(types.KindNotFound, "job %s not found", c.Params("id"))
	}
	if err != nil {
		return err
	}
	if job.OwnerID != c.Get(OwnerHeader) {
		return fiber.NewError(fiber.StatusForbidden, "job belongs to another owner")
	}
	return c.Next()
}

// Handle streams the job view whenever it changes
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	id := c.Params("id")
	log := h.log.WithField("job_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the client only ever closes; reading detects it
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last *types.JobView
	for {
		job, err := h.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				_ = c.WriteJSON(ErrorBody{
					Error: types.JobError{Kind: types.KindNotFound, Message: "job expired"},
					Code:  CodeNotFound,
				})
				return
			}
			log.WithError(err).Warn("Failed to read job for stream")
		} else {
			view := job.View(time.Now())
			if changed(last, &view) {
				if err := c.WriteJSON(view); err != nil {
					log.WithError(err).Debug("WebSocket write failed")
					return
				}
				last = &view
			}
			if view.Status.IsTerminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func changed(prev, next *types.JobView) bool {
	return prev == nil ||
		prev.Status != next.Status ||
		prev.Progress != next.Progress ||
		prev.Message != next.Message ||
		prev.ChunksCompleted != next.ChunksCompleted
}
