package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/queue"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// OwnerHeader carries the caller identity set by the upstream gateway
const OwnerHeader = "X-Owner-ID"

// SubmitRequest is the body of POST /jobs
type SubmitRequest struct {
	Kind  types.Kind      `json:"kind"`
	Input json.RawMessage `json:"input"`
}

// JobHandler serves job submission and status polling
type JobHandler struct {
	submitter *queue.Submitter
	store     *storage.StatusStore
	queue     *queue.Queue
	kinds     []types.Kind
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewJobHandler creates a job handler
func NewJobHandler(submitter *queue.Submitter, store *storage.StatusStore, q *queue.Queue, kinds []types.Kind, log logrus.FieldLogger) *JobHandler {
	return &JobHandler{
		submitter: submitter,
		store:     store,
		queue:     q,
		kinds:     kinds,
		log:       log,
		now:       time.Now,
	}
}

// Submit handles POST /jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return types.NewError(types.KindValidation, "invalid request body: %v", err)
	}
	if req.Kind == "" {
		return types.NewError(types.KindValidation, "kind is required")
	}
	if len(bytes.TrimSpace(req.Input)) == 0 || bytes.Equal(bytes.TrimSpace(req.Input), []byte("null")) {
		return types.NewError(types.KindValidation, "input is required")
	}

	sub, err := h.submitter.Submit(c.UserContext(), c.Get(OwnerHeader), req.Kind, req.Input)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// load fetches a job and enforces ownership
func (h *JobHandler) load(c *fiber.Ctx) (*types.Job, error) {
	id := c.Params("id")
	job, err := h.store.Get(c.UserContext(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewError(types.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != c.Get(OwnerHeader) {
		return nil, fiber.NewError(fiber.StatusForbidden, "job belongs to another owner")
	}
	return job, nil
}

// Get handles GET /jobs/:id
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(job.View(h.now()))
}

// Chunks handles GET /jobs/:id/chunks
func (h *JobHandler) Chunks(c *fiber.Ctx) error {
	job, err := h.load(c)
	if err != nil {
		return err
	}
	chunks, err := h.store.Chunks(c.UserContext(), job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewError(types.KindNotFound, "job %s not found", job.ID)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
		"chunks": chunks,
	})
}

// Stats handles GET /stats
func (h *JobHandler) Stats(c *fiber.Ctx) error {
	depths, err := h.queue.Depths(c.UserContext(), h.kinds)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"queues": depths})
}
