package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// commandFunc builds the *exec.Cmd for an external tool
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// FFprobeProber reads container durations with ffprobe
type FFprobeProber struct {
	binary      string
	execCommand commandFunc
	processLog  *ProcessLog
	logger      *zap.Logger
}

// NewFFprobeProber creates a prober. processLog may be nil.
func NewFFprobeProber(config *domain.MediaConfig, processLog *ProcessLog, logger *zap.Logger) *FFprobeProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFprobeProber{
		binary:      config.FFprobeBinary,
		execCommand: exec.CommandContext,
		processLog:  processLog,
		logger:      logger,
	}
}

// ProbeDuration returns the container duration of path in seconds
func (p *FFprobeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}

	entry := p.processLog.Begin("probe "+filepath.Base(path), p.binary, args)
	var stdout, stderr bytes.Buffer
	cmd := p.execCommand(ctx, p.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, entry)

	runErr := cmd.Run()
	if logErr := entry.Err(); logErr != nil {
		p.logger.Warn("Process log disabled", zap.String("file", path), zap.Error(logErr))
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		entry.End(false, msg)
		return 0, fmt.Errorf("%w: %s: %s", domain.ErrProbe, filepath.Base(path), msg)
	}

	duration, err := parseProbeDuration(stdout.Bytes())
	if err != nil {
		entry.End(false, err.Error())
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrProbe, filepath.Base(path), err)
	}
	entry.End(true, fmt.Sprintf("duration=%.3f", duration))

	p.logger.Debug("Probed media duration",
		zap.String("file", path),
		zap.Float64("duration", duration))
	return duration, nil
}

// parseProbeDuration reads format.duration from ffprobe JSON output. ffprobe
// prints the value as a string; a bare number is accepted too.
func parseProbeDuration(data []byte) (float64, error) {
	var out struct {
		Format *struct {
			Duration json.RawMessage `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("invalid ffprobe output: %w", err)
	}
	if out.Format == nil || len(out.Format.Duration) == 0 {
		return 0, fmt.Errorf("ffprobe output has no format.duration")
	}

	raw := string(out.Format.Duration)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %s: %w", out.Format.Duration, err)
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, fmt.Errorf("invalid duration %s", out.Format.Duration)
	}
	return duration, nil
}
