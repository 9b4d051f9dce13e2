package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

const defaultChunkSize = 8192

// localError marks failures on the local side of a transfer; they are not
// retried.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// HTTPStreamDownloader transfers a stream with bounded retries. Every retry
// requests the stream from offset zero and truncates the destination.
type HTTPStreamDownloader struct {
	client    *http.Client
	timeout   time.Duration
	chunkSize int
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewHTTPStreamDownloader creates a downloader. config supplies the
// per-attempt timeout and the chunk size.
func NewHTTPStreamDownloader(client *http.Client, config *domain.DownloadConfig, logger *zap.Logger) *HTTPStreamDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &HTTPStreamDownloader{
		client:    client,
		timeout:   config.RequestTimeout,
		chunkSize: chunkSize,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Download fetches task.SourceURL into task.DestPath. It returns
// OutcomeCancelled, leaving the partial file in place, when cancel is set
// before a chunk is written or ctx ends. After task.MaxRetries failed
// attempts it returns an error wrapping domain.ErrDownload.
func (d *HTTPStreamDownloader) Download(ctx context.Context, task *domain.DownloadTask, cancel *domain.CancelFlag, sink domain.ProgressSink) (domain.DownloadOutcome, error) {
	if sink == nil {
		sink = domain.DiscardSink
	}
	if err := os.MkdirAll(filepath.Dir(task.DestPath), 0755); err != nil {
		return domain.OutcomeCompleted, fmt.Errorf("%w: create directory: %v", domain.ErrDownload, err)
	}

	maxRetries := task.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var attemptErrs *multierror.Error
	for task.Attempts() < maxRetries {
		attempt := task.NextAttempt()
		d.logger.Info("Downloading stream",
			zap.String("dest", task.DestPath),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		outcome, written, err := d.attempt(ctx, task, cancel, sink)
		if err == nil {
			if outcome == domain.OutcomeCancelled {
				d.logger.Info("Download paused",
					zap.String("dest", task.DestPath),
					zap.String("written", humanize.Bytes(uint64(written))))
			} else {
				d.logger.Info("Download completed",
					zap.String("file", filepath.Base(task.DestPath)),
					zap.String("size", humanize.Bytes(uint64(written))))
			}
			return outcome, nil
		}
		if ctx.Err() != nil {
			return domain.OutcomeCancelled, nil
		}

		var local *localError
		if errors.As(err, &local) {
			return domain.OutcomeCompleted, fmt.Errorf("%w: %v", domain.ErrDownload, local.err)
		}

		attemptErrs = multierror.Append(attemptErrs, fmt.Errorf("attempt %d: %w", attempt, err))
		d.logger.Warn("Download attempt failed",
			zap.String("dest", task.DestPath),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if task.Attempts() >= maxRetries {
			break
		}
		if err := d.sleep(ctx, task.RetryDelay); err != nil {
			return domain.OutcomeCancelled, nil
		}
	}

	return domain.OutcomeCompleted, fmt.Errorf("%w: %s after %d attempts: %v",
		domain.ErrDownload, filepath.Base(task.DestPath), task.Attempts(), attemptErrs.ErrorOrNil())
}

// attempt performs one request. The watchdog aborts the attempt when no
// response or body data arrives within the configured timeout.
func (d *HTTPStreamDownloader) attempt(ctx context.Context, task *domain.DownloadTask, cancel *domain.CancelFlag, sink domain.ProgressSink) (domain.DownloadOutcome, int64, error) {
	attemptCtx, abort := context.WithCancel(ctx)
	defer abort()

	var stalled atomic.Bool
	var watchdog *time.Timer
	if d.timeout > 0 {
		watchdog = time.AfterFunc(d.timeout, func() {
			stalled.Store(true)
			abort()
		})
		defer watchdog.Stop()
	}
	transportErr := func(err error) error {
		if stalled.Load() {
			return fmt.Errorf("no data within %s: %w", d.timeout, err)
		}
		return err
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, task.SourceURL, nil)
	if err != nil {
		return domain.OutcomeCompleted, 0, &localError{err}
	}
	for key, values := range task.Headers {
		req.Header[key] = append([]string(nil), values...)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.OutcomeCompleted, 0, transportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.OutcomeCompleted, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	file, err := os.Create(task.DestPath)
	if err != nil {
		return domain.OutcomeCompleted, 0, &localError{err}
	}
	defer file.Close()

	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(d.timeout)
			}
			if cancel.IsSet() || ctx.Err() != nil {
				return domain.OutcomeCancelled, written, nil
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return domain.OutcomeCompleted, written, &localError{err}
			}
			written += int64(n)
			if resp.ContentLength > 0 {
				sink.Emit(domain.PercentEvent("", float64(written)/float64(resp.ContentLength)*100))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return domain.OutcomeCompleted, written, transportErr(readErr)
		}
	}

	if err := file.Sync(); err != nil {
		return domain.OutcomeCompleted, written, &localError{err}
	}
	return domain.OutcomeCompleted, written, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
