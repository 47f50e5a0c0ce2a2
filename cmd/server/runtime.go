package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/cleanup"
	"github.com/codebuildervaibhav/content-jobs/internal/config"
	"github.com/codebuildervaibhav/content-jobs/internal/generate"
	"github.com/codebuildervaibhav/content-jobs/internal/handlers"
	"github.com/codebuildervaibhav/content-jobs/internal/kinds"
	"github.com/codebuildervaibhav/content-jobs/internal/logger"
	"github.com/codebuildervaibhav/content-jobs/internal/queue"
	"github.com/codebuildervaibhav/content-jobs/internal/storage"
	"github.com/codebuildervaibhav/content-jobs/internal/transcription"
	"github.com/codebuildervaibhav/content-jobs/internal/types"
)

const (
	logBufferSize   = 1000
	shutdownTimeout = 10 * time.Second
	watchInterval   = time.Second
	slideWidth      = 1280
	slideHeight     = 720
)

// runtime holds the components shared by the api and worker commands
type runtime struct {
	cfg      *config.Config
	log      *logrus.Logger
	logs     *logger.Buffer
	rc       *redis.Client
	store    *storage.StatusStore
	queue    *queue.Queue
	registry *kinds.Registry
	cache    *storage.ResultCache
	catalog  *storage.SourceCatalog
	files    *storage.LocalStorage
	resolver *storage.Resolver
	closers  []func()
}

func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logger.Level, cfg.Logger.Format, os.Stdout)
	logs := logger.NewBuffer(logBufferSize)
	log.AddHook(logs)

	rt := &runtime{cfg: cfg, log: log, logs: logs}

	if err := cleanup.EnsureTempDirExists(cfg.Storage.TempDir); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	rt.rc, err = storage.NewRedisClient(storage.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = rt.rc.Close() })

	rt.store = storage.NewStatusStore(rt.rc, storage.StoreConfig{
		Prefix:      cfg.Redis.Prefix,
		ActiveTTL:   cfg.Store.ActiveTTL,
		TerminalTTL: cfg.Store.TerminalTTL,
	})
	rt.queue = queue.NewQueue(rt.rc, cfg.Redis.Prefix)
	rt.registry = kinds.NewRegistry(kinds.Limits{
		SlidesPerChunk: cfg.Chunking.SlidesPerChunk,
		MaxSlides:      cfg.Chunking.MaxSlides,
		ScenesPerChunk: cfg.Chunking.ScenesPerChunk,
		MaxScenes:      cfg.Chunking.MaxScenes,
		SubtitleWindow: cfg.Chunking.SubtitleWindow,
		MaxMedia:       cfg.Chunking.MaxMedia,
	})
	if cfg.Cache.Enabled {
		rt.cache = storage.NewResultCache(rt.rc, cfg.Redis.Prefix, cfg.Cache.TTL)
	}

	rt.catalog, err = storage.NewSourceCatalog(cfg.Storage.Database)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = rt.catalog.Close() })

	rt.files, err = storage.NewLocalStorage(filepath.Join(cfg.Storage.TempDir, "uploads"))
	if err != nil {
		rt.Close()
		return nil, err
	}

	// Drive is optional; a nil *DriveClient must not reach the resolver as a
	// non-nil interface
	var drive storage.Lookup
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err == nil {
		dc, err := storage.NewDriveClient(ctx, cfg.GoogleDrive.CredentialsFile)
		if err != nil {
			log.WithError(err).Warn("Google Drive not available, gdrive: sources will be rejected")
		} else {
			drive = dc
			log.Info("Google Drive sources enabled")
		}
	} else {
		log.Info("Google Drive credentials not found, gdrive: sources will be rejected")
	}
	rt.resolver = storage.NewResolver(rt.catalog, drive)

	return rt, nil
}

// Close releases connections in reverse order of creation
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *runtime) scheduler(reclaim, sources bool) *cleanup.Scheduler {
	var (
		reclaimer *cleanup.Reclaimer
		catalog   cleanup.SourceCatalog
	)
	if reclaim {
		reclaimer = rt.reclaimer()
	}
	if sources {
		catalog = rt.catalog
	}
	return cleanup.NewScheduler(reclaimer, catalog, rt.cfg.Storage.TempDir,
		rt.cfg.Reclaim.Interval, rt.cfg.Cleanup.MaxAge, rt.log)
}

func (rt *runtime) reclaimer() *cleanup.Reclaimer {
	return cleanup.NewReclaimer(rt.store, rt.queue, rt.cfg.Reclaim.StaleAfter, rt.cfg.Reclaim.MaxRequeues, rt.log)
}

func (rt *runtime) app() *fiber.App {
	submitter := queue.NewSubmitter(rt.store, rt.queue, rt.registry, rt.cache, rt.resolver,
		queue.SubmitterConfig{
			Workers:          rt.cfg.Workers.Count,
			EstimatePerChunk: rt.cfg.Workers.EstimatePerChunk,
		}, rt.log)

	return handlers.NewApp(handlers.AppOptions{
		Jobs:          handlers.NewJobHandler(submitter, rt.store, rt.queue, rt.registry.Kinds(), rt.log),
		Stream:        handlers.NewStreamHandler(rt.store, watchInterval, rt.log),
		Uploads:       handlers.NewUploadHandler(rt.catalog, rt.files, rt.cfg.Limits.MaxFileSizeMB, rt.log),
		Logs:          rt.logs,
		MaxFileSizeMB: rt.cfg.Limits.MaxFileSizeMB,
		AccessLog:     rt.log.IsLevelEnabled(logrus.DebugLevel),
		Log:           rt.log,
	})
}

// serve runs the API until ctx is cancelled
func (rt *runtime) serve(ctx context.Context) error {
	app := rt.app()
	addr := fmt.Sprintf("%s:%d", rt.cfg.Server.Host, rt.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		rt.log.WithField("addr", addr).Info("Server starting")
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	rt.log.Info("Shutting down gracefully...")
	return app.ShutdownWithTimeout(shutdownTimeout)
}

// pool builds the worker pool with every generator the config enables.
// The returned func releases generator resources.
func (rt *runtime) pool(ctx context.Context) (*queue.WorkerPool, func()) {
	cfg := rt.cfg
	wp := queue.NewWorkerPool(rt.store, rt.queue, rt.registry, rt.cache, queue.WorkerConfig{
		Count:             cfg.Workers.Count,
		PollTimeout:       cfg.Workers.PollTimeout,
		PacingDelay:       cfg.Workers.PacingDelay,
		BaseTimeout:       cfg.Workers.BaseTimeout,
		PerUnitTimeout:    cfg.Workers.PerUnitTimeout,
		MaxUnits:          cfg.Workers.MaxUnits,
		MaxRetries:        cfg.Workers.MaxRetries,
		RetryBackoff:      cfg.Workers.RetryBackoff,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
	}, rt.log)

	release := func() {}

	if cfg.Generator.Endpoint != "" {
		remote := generate.NewHTTP(cfg.Generator.Endpoint, cfg.Generator.APIKey, cfg.Generator.Timeout)
		for _, k := range rt.registry.Kinds() {
			wp.RegisterGenerator(k, remote)
		}
	}

	if cfg.Generator.Chrome {
		renderer := generate.NewSlideRenderer(ctx, slideWidth, slideHeight, false)
		wp.RegisterGenerator(types.KindFormatSlides, renderer)
		release = renderer.Close
	}

	if cfg.Whisper.Enabled {
		wp.RegisterGenerator(types.KindGenerateSubtitles, transcription.NewWhisperTranscriber(
			transcription.WhisperOptions{
				Model:    cfg.Whisper.Model,
				Language: cfg.Whisper.Language,
				TempDir:  filepath.Join(cfg.Storage.TempDir, "work"),
				Python:   cfg.Whisper.Python,
				FFmpeg:   cfg.Whisper.FFmpeg,
			}, rt.resolver, rt.log))
	}

	return wp, release
}

// work reclaims jobs abandoned by a dead worker and restores lost refs, then runs the pool until
// ctx is cancelled. With drain it exits once the queues are empty.
func (rt *runtime) work(ctx context.Context, drain, sweepSources bool) error {
	pass, err := rt.reclaimer().Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reclaim failed: %w", err)
	}
	rt.log.WithFields(logrus.Fields{
		"reclaimed": pass.Reclaimed,
		"requeued":  pass.Requeued,
		"abandoned": pass.Abandoned,
	}).Info("Startup reclaim complete")

	wp, release := rt.pool(ctx)
	defer release()

	if drain {
		processed, err := wp.Drain(ctx)
		rt.log.WithField("processed", processed).Info("Queues drained")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	sched := rt.scheduler(true, sweepSources)
	sched.Start(ctx)
	defer sched.Stop()

	return wp.Run(ctx)
}
