package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/content-jobs/internal/storage"
)

// SourceCatalog is the part of the source catalog the sweep needs
type SourceCatalog interface {
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]storage.Source, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler periodically reclaims stale jobs and removes expired source
// files and leftovers from the temp directory
type Scheduler struct {
	reclaimer *Reclaimer
	catalog   SourceCatalog
	tempDir   string
	interval  time.Duration
	maxAge    time.Duration
	log       logrus.FieldLogger
	stopChan  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewScheduler creates a scheduler. reclaimer and catalog may be nil to skip
// that part of the pass.
func NewScheduler(reclaimer *Reclaimer, catalog SourceCatalog, tempDir string, interval, maxAge time.Duration, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		reclaimer: reclaimer,
		catalog:   catalog,
		tempDir:   tempDir,
		interval:  interval,
		maxAge:    maxAge,
		log:       log,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs one pass immediately, then repeats it every interval until Stop
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Running initial cleanup pass")
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()

	s.log.WithFields(logrus.Fields{"interval": s.interval, "max_age": s.maxAge}).Info("Cleanup scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.log.Info("Cleanup scheduler stopped")
}

// RunOnce performs a single reclaim and sweep pass
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.reclaimer != nil {
		if _, err := s.reclaimer.Run(ctx); err != nil {
			s.log.WithError(err).Error("Reclaim pass failed")
		}
	}
	if s.catalog != nil {
		s.sweepSources(ctx)
	}
	if s.tempDir != "" {
		s.cleanOldFiles()
	}
}

// sweepSources deletes uploaded sources older than maxAge with their files
func (s *Scheduler) sweepSources(ctx context.Context) {
	expired, err := s.catalog.ListOlderThan(ctx, time.Now().Add(-s.maxAge))
	if err != nil {
		s.log.WithError(err).Error("Failed to list expired sources")
		return
	}
	for _, src := range expired {
		if err := os.Remove(src.Path); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("source_id", src.ID).Warn("Failed to delete source file")
			continue
		}
		if err := s.catalog.Delete(ctx, src.ID); err != nil {
			s.log.WithError(err).WithField("source_id", src.ID).Warn("Failed to delete source record")
			continue
		}
		s.log.WithFields(logrus.Fields{"source_id": src.ID, "filename": src.Filename}).Info("Deleted expired source")
	}
}

// cleanOldFiles removes files older than maxAge from the temp directory
func (s *Scheduler) cleanOldFiles() {
	now := time.Now()

	var deletedCount int
	var deletedSize int64

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age > s.maxAge {
			size := info.Size()
			if err := os.Remove(path); err != nil {
				s.log.WithError(err).WithField("path", path).Warn("Failed to delete old file")
			} else {
				deletedCount++
				deletedSize += size
			}
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Error during temp file cleanup")
	}

	if deletedCount > 0 {
		s.log.WithFields(logrus.Fields{
			"files":    deletedCount,
			"freed_mb": float64(deletedSize) / (1024 * 1024),
		}).Info("Temp file cleanup complete")
	}
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string) error {
	return os.MkdirAll(tempDir, 0755)
}
