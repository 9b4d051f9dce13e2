package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/pkg/logger"
)

const progressSaveInterval = time.Second

var (
	// ErrDownloadRunning is returned for operations that need an idle download
	ErrDownloadRunning = errors.New("download is running")
	// ErrDownloadNotFound is returned when no record has the requested id
	ErrDownloadNotFound = errors.New("download not found")
	// ErrInvalidState is returned when the record's status forbids the operation
	ErrInvalidState = errors.New("invalid download state")
)

// Notifier receives download lifecycle notifications
type Notifier interface {
	NotifyDownloadStarted(download *domain.Download)
	NotifyDownloadCompleted(download *domain.Download)
	NotifyDownloadFailed(download *domain.Download, err error)
	NotifyDownloadPaused(download *domain.Download)
}

// DownloadManager runs queued downloads through the pipeline. At most
// ConcurrentLimit runs execute at once; each run owns a cancel flag that
// CancelDownload sets.
type DownloadManager struct {
	repo        domain.DownloadRepository
	pipeline    *Pipeline
	notifier    Notifier
	config      *domain.DownloadConfig
	logger      *zap.Logger
	multiLogger *logger.MultiLogger
	semaphore   chan struct{}
	hub         *eventHub
	mu          sync.Mutex
	active      map[string]*domain.CancelFlag
}

// NewDownloadManager creates a new download manager. notifier and
// multiLogger may be nil.
func NewDownloadManager(
	repo domain.DownloadRepository,
	pipeline *Pipeline,
	notifier Notifier,
	config *domain.DownloadConfig,
	logger *zap.Logger,
) *DownloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := config.ConcurrentLimit
	if limit < 1 {
		limit = 1
	}
	return &DownloadManager{
		repo:      repo,
		pipeline:  pipeline,
		notifier:  notifier,
		config:    config,
		logger:    logger,
		semaphore: make(chan struct{}, limit),
		hub:       newEventHub(config.EventBuffer),
		active:    make(map[string]*domain.CancelFlag),
	}
}

// SetMultiLogger routes stage transitions to the pipeline log category
func (dm *DownloadManager) SetMultiLogger(ml *logger.MultiLogger) {
	dm.multiLogger = ml
}

// ProcessDownload runs the pipeline for a claimed (processing) download
// and records the outcome. It returns the run's error: nil on success,
// domain.ErrCancelled when paused.
func (dm *DownloadManager) ProcessDownload(ctx context.Context, download *domain.Download) error {
	select {
	case dm.semaphore <- struct{}{}:
		defer func() { <-dm.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	// the record may have been cancelled or deleted while waiting
	current, err := dm.repo.FindByID(download.ID)
	if err != nil || current == nil {
		return fmt.Errorf("download %s no longer exists", download.ID)
	}
	if current.Status != domain.StatusProcessing {
		dm.logger.Info("Skipping download",
			zap.String("id", download.ID),
			zap.String("status", string(current.Status)))
		return nil
	}
	download = current

	cancel := &domain.CancelFlag{}
	dm.mu.Lock()
	dm.active[download.ID] = cancel
	dm.mu.Unlock()
	defer func() {
		dm.mu.Lock()
		delete(dm.active, download.ID)
		dm.mu.Unlock()
		dm.hub.finish(download.ID)
	}()

	dm.logger.Info("Processing download",
		zap.String("id", download.ID),
		zap.String("input", download.Input))
	dm.notify(func(n Notifier) { n.NotifyDownloadStarted(download) })

	events := make(chan domain.ProgressEvent, dm.eventBuffer())
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		dm.consume(download, events)
	}()

	result := dm.pipeline.Run(ctx, download.Input, nil, channelSink{ctx: ctx, ch: events}, cancel)
	close(events)
	<-consumed

	download.ContentID = result.ContentID
	download.Title = result.Title
	download.VideoPath = result.VideoPath
	download.AudioPath = result.AudioPath
	download.Duration = result.Duration

	switch {
	case result.Succeeded():
		download.MarkCompleted(result.OutputPath)
		dm.logger.Info("Download completed",
			zap.String("id", download.ID),
			zap.String("file", result.OutputPath))
		dm.notify(func(n Notifier) { n.NotifyDownloadCompleted(download) })
	case ctx.Err() != nil:
		// shutting down: leave the record processing so the next start requeues it
		dm.logger.Warn("Download interrupted by shutdown", zap.String("id", download.ID))
		return ctx.Err()
	case result.Stage == domain.StageCancelled:
		download.MarkCancelled()
		dm.logger.Info("Download paused", zap.String("id", download.ID))
		dm.notify(func(n Notifier) { n.NotifyDownloadPaused(download) })
	default:
		download.MarkFailed(result.Err)
		dm.logger.Error("Download failed",
			zap.String("id", download.ID),
			zap.String("stage", string(result.FailedAt)),
			zap.Error(result.Err))
		dm.notify(func(n Notifier) { n.NotifyDownloadFailed(download, result.Err) })
	}

	if err := dm.repo.Update(download); err != nil {
		dm.logger.Error("Failed to update download status", zap.Error(err))
	}
	return result.Err
}

// consume persists stage and progress of a run and forwards every event
// to subscribers. Progress writes are throttled.
func (dm *DownloadManager) consume(download *domain.Download, events <-chan domain.ProgressEvent) {
	var lastSave time.Time
	var lastSaved float64

	for event := range events {
		dm.hub.publish(download.ID, event)

		if event.Kind != domain.EventPercent {
			continue
		}
		stageChanged := event.Stage != download.Stage
		if stageChanged {
			download.MarkStage(event.Stage)
			if dm.multiLogger != nil {
				dm.multiLogger.LogStage(download.ID, string(event.Stage), zap.String("input", download.Input))
			}
		}
		download.Progress = event.Percent

		if stageChanged || event.Percent-lastSaved >= 1 || time.Since(lastSave) >= progressSaveInterval {
			if err := dm.repo.Update(download); err != nil {
				dm.logger.Warn("Failed to save progress", zap.String("id", download.ID), zap.Error(err))
			}
			lastSave = time.Now()
			lastSaved = event.Percent
		}
	}
}

func (dm *DownloadManager) eventBuffer() int {
	if dm.config.EventBuffer < 1 {
		return 1
	}
	return dm.config.EventBuffer
}

func (dm *DownloadManager) notify(fn func(Notifier)) {
	if dm.notifier != nil {
		fn(dm.notifier)
	}
}

// IsActive reports whether a pipeline run for id is in flight
func (dm *DownloadManager) IsActive(id string) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	_, ok := dm.active[id]
	return ok
}

// Subscribe streams the progress events of download id. The returned
// channel closes when the run ends; ok is false when no run is active.
func (dm *DownloadManager) Subscribe(id string) (sub *Subscription, ok bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if _, running := dm.active[id]; !running {
		return nil, false
	}
	return dm.hub.subscribe(id), true
}

// CancelDownload pauses a running download at its next chunk, or marks a
// queued one cancelled.
func (dm *DownloadManager) CancelDownload(id string) error {
	dm.mu.Lock()
	flag, running := dm.active[id]
	dm.mu.Unlock()
	if running {
		flag.Set()
		dm.logger.Info("Cancellation requested", zap.String("id", id))
		return nil
	}

	download, err := dm.repo.FindByID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadNotFound, err)
	}
	if download.IsTerminal() {
		return fmt.Errorf("%w: download already in terminal state: %s", ErrInvalidState, download.Status)
	}

	download.MarkCancelled()
	if err := dm.repo.Update(download); err != nil {
		return fmt.Errorf("failed to update download: %w", err)
	}

	dm.logger.Info("Download cancelled", zap.String("id", id))
	return nil
}

// RetryDownload requeues a failed or cancelled download
func (dm *DownloadManager) RetryDownload(id string) error {
	download, err := dm.repo.FindByID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadNotFound, err)
	}

	if !download.CanRetry() {
		return fmt.Errorf("%w: download cannot be retried in state: %s", ErrInvalidState, download.Status)
	}

	download.Requeue()
	if err := dm.repo.Update(download); err != nil {
		return fmt.Errorf("failed to update download: %w", err)
	}

	dm.logger.Info("Download queued for retry",
		zap.String("id", id),
		zap.Int("retry_count", download.RetryCount))
	return nil
}

// DeleteDownload removes a download record that is not running. Files on
// disk are kept.
func (dm *DownloadManager) DeleteDownload(id string) error {
	if dm.IsActive(id) {
		return ErrDownloadRunning
	}
	if _, err := dm.repo.FindByID(id); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadNotFound, err)
	}
	if err := dm.repo.Delete(id); err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}
	dm.logger.Info("Download deleted", zap.String("id", id))
	return nil
}

// ResetOrphanedProcessing requeues records left processing by a previous
// process that exited mid-run.
func (dm *DownloadManager) ResetOrphanedProcessing() (int, error) {
	orphans, err := dm.repo.FindByStatus(domain.StatusProcessing)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, download := range orphans {
		if dm.IsActive(download.ID) {
			continue
		}
		download.Requeue()
		if err := dm.repo.Update(download); err != nil {
			return reset, fmt.Errorf("failed to requeue %s: %w", download.ID, err)
		}
		reset++
	}
	if reset > 0 {
		dm.logger.Info("Requeued orphaned downloads", zap.Int("count", reset))
	}
	return reset, nil
}

func (dm *DownloadManager) activeCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.active)
}
