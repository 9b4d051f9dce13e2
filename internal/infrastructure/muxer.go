package infrastructure

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

const (
	progressTimeKey  = "out_time_ms="
	maxDiagnosticLen = 8 << 10
)

// FFmpegMuxer stream-copies a video and an audio file into one container
type FFmpegMuxer struct {
	binary      string
	execCommand commandFunc
	processLog  *ProcessLog
	logger      *zap.Logger
}

// NewFFmpegMuxer creates a muxer. processLog may be nil.
func NewFFmpegMuxer(config *domain.MediaConfig, processLog *ProcessLog, logger *zap.Logger) *FFmpegMuxer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegMuxer{
		binary:      config.FFmpegBinary,
		execCommand: exec.CommandContext,
		processLog:  processLog,
		logger:      logger,
	}
}

// muxArgs builds the ffmpeg arguments: copy both streams, take the first
// video stream of input 0 and the first audio stream of input 1, stop at
// the shorter input and print progress to stdout.
func muxArgs(job domain.MuxJob) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", job.VideoPath,
		"-i", job.AudioPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-shortest",
		"-progress", "pipe:1",
		job.OutputPath,
	}
}

// Mux runs ffmpeg for job. Progress lines become Percent events; success
// ends with Percent(100) and Done. Every failure, including a fault while
// supervising the child, is emitted as an Error event and returned wrapped
// in domain.ErrMux.
func (m *FFmpegMuxer) Mux(ctx context.Context, job domain.MuxJob, sink domain.ProgressSink) (err error) {
	if sink == nil {
		sink = domain.DiscardSink
	}
	fail := func(cause error) error {
		sink.Emit(domain.ErrorEvent(domain.StageMuxing, cause.Error()))
		m.logger.Error("Mux failed",
			zap.String("output", job.OutputPath),
			zap.Error(cause))
		return cause
	}
	defer func() {
		if r := recover(); r != nil {
			err = fail(fmt.Errorf("%w: supervisor fault: %v", domain.ErrMux, r))
		}
	}()

	if job.ExpectedDuration <= 0 || math.IsNaN(job.ExpectedDuration) || math.IsInf(job.ExpectedDuration, 0) {
		return fail(fmt.Errorf("%w: expected duration unavailable", domain.ErrMux))
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return fail(fmt.Errorf("%w: create output directory: %v", domain.ErrMux, err))
	}

	args := muxArgs(job)
	entry := m.processLog.Begin("mux "+filepath.Base(job.OutputPath), m.binary, args)
	m.logger.Info("Starting mux",
		zap.String("command", ShellEscapeCommand(m.binary, args...)),
		zap.Float64("duration", job.ExpectedDuration))

	cmd := m.execCommand(ctx, m.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		entry.End(false, err.Error())
		return fail(fmt.Errorf("%w: %v", domain.ErrMux, err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		entry.End(false, err.Error())
		return fail(fmt.Errorf("%w: %v", domain.ErrMux, err))
	}
	if err := cmd.Start(); err != nil {
		entry.End(false, err.Error())
		return fail(fmt.Errorf("%w: start %s: %v", domain.ErrMux, m.binary, err))
	}

	diagnostic := &tailBuffer{max: maxDiagnosticLen}
	var pumps errgroup.Group
	pumps.Go(func() error {
		return pumpProgress(stdout, job.ExpectedDuration, sink)
	})
	pumps.Go(func() error {
		_, err := io.Copy(io.MultiWriter(diagnostic, entry), stderr)
		return err
	})
	pumpErr := pumps.Wait()
	waitErr := cmd.Wait()
	if logErr := entry.Err(); logErr != nil {
		m.logger.Warn("Process log disabled", zap.String("output", job.OutputPath), zap.Error(logErr))
	}

	if waitErr != nil {
		msg := strings.TrimSpace(diagnostic.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		entry.End(false, waitErr.Error())
		return fail(fmt.Errorf("%w: %s", domain.ErrMux, msg))
	}
	if pumpErr != nil {
		entry.End(false, pumpErr.Error())
		return fail(fmt.Errorf("%w: reading progress: %v", domain.ErrMux, pumpErr))
	}

	entry.End(true, job.OutputPath)
	sink.Emit(domain.PercentEvent(domain.StageMuxing, 100))
	sink.Emit(domain.DoneEvent())
	m.logger.Info("Mux completed", zap.String("output", job.OutputPath))
	return nil
}

// pumpProgress turns ffmpeg -progress lines into Percent events
func pumpProgress(r io.Reader, expectedDuration float64, sink domain.ProgressSink) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, progressTimeKey) {
			continue
		}
		outTime, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimeKey), 10, 64)
		if err != nil {
			// out_time_ms=N/A before the first packet
			continue
		}
		sink.Emit(domain.PercentEvent(domain.StageMuxing, MuxPercent(outTime, expectedDuration)))
	}
	if err := scanner.Err(); err != nil {
		// keep the child from blocking on a full pipe
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// MuxPercent converts ffmpeg's out_time_ms (which counts microseconds)
// into a percentage of expectedDuration seconds.
func MuxPercent(outTimeMs int64, expectedDuration float64) float64 {
	return float64(outTimeMs) / (expectedDuration * 1_000_000) * 100
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
