package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/logger"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// AppOptions collects the handlers and settings of the HTTP surface
type AppOptions struct {
	Jobs          *JobHandler
	Stream        *StreamHandler
	Uploads       *UploadHandler
	Logs          *logger.Buffer
	MaxFileSizeMB int
	AccessLog     bool
	Log           logrus.FieldLogger
}

// NewApp builds the fiber application with every route registered.
// Uploads and Logs are optional.
func NewApp(opts AppOptions) *fiber.App {
	bodyLimit := opts.MaxFileSizeMB * 1024 * 1024
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit,
		ErrorHandler:          ErrorHandler(opts.Log),
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + OwnerHeader,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": Version,
		})
	})

	app.Post("/jobs", opts.Jobs.Submit)
	app.Get("/jobs/:id", opts.Jobs.Get)
	app.Get("/jobs/:id/chunks", opts.Jobs.Chunks)
	app.Get("/stats", opts.Jobs.Stats)

	if opts.Stream != nil {
		app.Get("/ws/jobs/:id", opts.Stream.Upgrade, websocket.New(opts.Stream.Handle))
	}

	if opts.Uploads != nil {
		app.Post("/sources", opts.Uploads.Handle)
		app.Get("/sources/:id", opts.Uploads.Get)
	}

	if opts.Logs != nil {
		app.Get("/logs", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"logs": opts.Logs.Lines()})
		})
	}

	return app
}
