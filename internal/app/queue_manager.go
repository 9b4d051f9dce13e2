package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/pkg/logger"
)

// activeStatuses are the statuses for which a repeated input is a duplicate
var activeStatuses = []domain.DownloadStatus{domain.StatusQueued, domain.StatusProcessing}

// QueueManager manages the download queue
type QueueManager struct {
	repo        domain.DownloadRepository
	downloadMgr *DownloadManager
	config      *domain.QueueConfig
	multiLogger *logger.MultiLogger
	mu          sync.RWMutex
	running     bool
	stopChan    chan struct{}
	exitChan    chan struct{}
	exitOnce    sync.Once
	workerWg    sync.WaitGroup
}

// NewQueueManager creates a new queue manager. multiLogger may be nil.
func NewQueueManager(
	repo domain.DownloadRepository,
	downloadMgr *DownloadManager,
	config *domain.QueueConfig,
	multiLogger *logger.MultiLogger,
) *QueueManager {
	return &QueueManager{
		repo:        repo,
		downloadMgr: downloadMgr,
		config:      config,
		multiLogger: multiLogger,
		stopChan:    make(chan struct{}),
		exitChan:    make(chan struct{}),
	}
}

// Start starts the queue processor
func (qm *QueueManager) Start(ctx context.Context) error {
	qm.mu.Lock()
	if qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager already running")
	}
	qm.running = true
	qm.mu.Unlock()

	qm.logQueueEvent("queue_started")

	qm.workerWg.Add(1)
	go qm.processQueue(ctx)

	return nil
}

// Stop stops the queue processor and waits for in-flight runs
func (qm *QueueManager) Stop() error {
	qm.mu.Lock()
	if !qm.running {
		qm.mu.Unlock()
		return fmt.Errorf("queue manager not running")
	}
	qm.running = false
	qm.mu.Unlock()

	qm.logQueueEvent("queue_stopped")
	close(qm.stopChan)
	qm.workerWg.Wait()

	return nil
}

// IsRunning returns whether the queue manager is running
func (qm *QueueManager) IsRunning() bool {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.running
}

// WaitForExit is closed when the processor exits on its own because the
// queue stayed empty for EmptyWaitTime.
func (qm *QueueManager) WaitForExit() <-chan struct{} {
	return qm.exitChan
}

// AddDownload queues input. When the same input is already queued or
// processing, that download is returned with created set to false.
func (qm *QueueManager) AddDownload(input string) (download *domain.Download, created bool, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, false, errors.New("input is required")
	}

	existing, err := qm.repo.FindByInput(input, activeStatuses)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing downloads: %w", err)
	}
	if existing != nil {
		qm.logQueueEvent("download_duplicate",
			zap.String("id", existing.ID),
			zap.String("input", input))
		return existing, false, nil
	}

	download = domain.NewDownload(input)
	if err := qm.repo.Create(download); err != nil {
		return nil, false, fmt.Errorf("failed to create download: %w", err)
	}

	qm.logQueueEvent("download_added",
		zap.String("id", download.ID),
		zap.String("input", input))
	return download, true, nil
}

// GetDownload retrieves a download by ID
func (qm *QueueManager) GetDownload(id string) (*domain.Download, error) {
	return qm.repo.FindByID(id)
}

// ListDownloads lists all downloads with optional filters
func (qm *QueueManager) ListDownloads(filters map[string]interface{}) ([]*domain.Download, error) {
	return qm.repo.FindAll(filters)
}

// GetStats returns queue statistics
func (qm *QueueManager) GetStats() (*domain.DownloadStats, error) {
	return qm.repo.GetStats()
}

// processQueue claims queued downloads on every tick and hands each to
// the download manager, whose semaphore bounds concurrency.
func (qm *QueueManager) processQueue(ctx context.Context) {
	defer qm.workerWg.Done()

	ticker := time.NewTicker(qm.config.CheckInterval)
	defer ticker.Stop()

	var emptySince time.Time

	for {
		select {
		case <-ctx.Done():
			qm.logQueueEvent("queue_processor_stopped", zap.String("reason", "context_cancelled"))
			return
		case <-qm.stopChan:
			qm.logQueueEvent("queue_processor_stopped", zap.String("reason", "stop_signal"))
			return
		case <-ticker.C:
		}

		pending, err := qm.repo.FindPending()
		if err != nil {
			qm.logAppError("Failed to fetch pending downloads", zap.Error(err))
			continue
		}

		if len(pending) == 0 {
			if qm.downloadMgr.activeCount() > 0 {
				emptySince = time.Time{}
				continue
			}
			if emptySince.IsZero() {
				emptySince = time.Now()
				qm.logQueueEvent("queue_empty")
			} else if qm.config.AutoExitOnEmpty && time.Since(emptySince) > qm.config.EmptyWaitTime {
				qm.logQueueEvent("queue_auto_exit", zap.String("reason", "empty_timeout"))
				qm.exitOnce.Do(func() { close(qm.exitChan) })
				return
			}
			continue
		}
		emptySince = time.Time{}

		for _, download := range pending {
			// claim before spawning so the next tick does not pick it again
			download.MarkProcessing()
			if err := qm.repo.Update(download); err != nil {
				qm.logAppError("Failed to claim download", zap.String("id", download.ID), zap.Error(err))
				continue
			}
			qm.logQueueEvent("download_started",
				zap.String("id", download.ID),
				zap.String("input", download.Input))

			qm.workerWg.Add(1)
			go func(download *domain.Download) {
				defer qm.workerWg.Done()
				qm.run(ctx, download)
			}(download)
		}
	}
}

func (qm *QueueManager) run(ctx context.Context, download *domain.Download) {
	err := qm.downloadMgr.ProcessDownload(ctx, download)
	switch {
	case err == nil:
		qm.logQueueEvent("download_completed", zap.String("id", download.ID))
	case errors.Is(err, domain.ErrCancelled):
		qm.logQueueEvent("download_paused", zap.String("id", download.ID))
	case errors.Is(err, context.Canceled):
		qm.logQueueEvent("download_interrupted", zap.String("id", download.ID))
	default:
		qm.logQueueEvent("download_failed", zap.String("id", download.ID), zap.Error(err))
		qm.logAppError("Failed to process download", zap.String("id", download.ID), zap.Error(err))
	}
}

func (qm *QueueManager) logQueueEvent(event string, fields ...zap.Field) {
	if qm.multiLogger != nil {
		qm.multiLogger.LogQueueEvent(event, fields...)
	}
}

func (qm *QueueManager) logAppError(msg string, fields ...zap.Field) {
	if qm.multiLogger != nil {
		qm.multiLogger.LogAppError(msg, fields...)
	}
}
