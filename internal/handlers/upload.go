package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/transcription"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

// UploadHandler stores uploaded source media that subtitle jobs can reference
type UploadHandler struct {
	catalog   *storage.SourceCatalog
	files     *storage.LocalStorage
	maxSizeMB int
	log       logrus.FieldLogger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(catalog *storage.SourceCatalog, files *storage.LocalStorage, maxSizeMB int, log logrus.FieldLogger) *UploadHandler {
	return &UploadHandler{
		catalog:   catalog,
		files:     files,
		maxSizeMB: maxSizeMB,
		log:       log,
	}
}

// Handle processes POST /sources
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return types.NewError(types.KindValidation, "no file uploaded")
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %dMB)", h.maxSizeMB))
	}
	if !transcription.ValidateAudioFormat(file.Filename) {
		return types.NewError(types.KindValidation, "unsupported media format")
	}

	f, err := file.Open()
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	id := uuid.New().String()
	path, n, err := h.files.Save(id, file.Filename, f)
	if err != nil {
		return err
	}

	src := &storage.Source{
		ID:        id,
		OwnerID:   c.Get(OwnerHeader),
		Filename:  file.Filename,
		Path:      path,
		SizeBytes: n,
		CreatedAt: time.Now(),
	}
	if err := h.catalog.Save(c.UserContext(), src); err != nil {
		_ = h.files.Remove(path)
		return err
	}

	h.log.WithFields(logrus.Fields{"source_id": id, "filename": file.Filename, "size_bytes": n}).Info("Source uploaded")
	return c.Status(fiber.StatusCreated).JSON(src)
}

// Get handles GET /sources/:id
func (h *UploadHandler) Get(c *fiber.Ctx) error {
	src, err := h.catalog.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, storage.ErrSourceNotFound) {
		return types.NewError(types.KindNotFound, "source %s not found", c.Params("id"))
	}
	if err != nil {
		return err
	}
	if src.OwnerID != c.Get(OwnerHeader) {
		return fiber.NewError(fiber.StatusForbidden, "source belongs to another owner")
	}
	return c.JSON(src)
}
