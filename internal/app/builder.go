package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/internal/infrastructure"
)

// BuildPipeline wires the production collaborators described by config:
// the cookie session (which also fetches pages), the short-link resolver,
// the HTTP stream downloader and the ffprobe/ffmpeg tools. Tool invocations
// are recorded in per-day process logs under the logs directory.
func BuildPipeline(config *domain.Config, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	session, err := infrastructure.NewCookieSession(&config.Session, config.Download.RequestTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logsDir := config.Download.LogsDir()
	resolver := infrastructure.NewResolver(session.Client(), config.Session.ShortLinkHosts, session.Headers(), logger)
	downloader := infrastructure.NewHTTPStreamDownloader(session.Client(), &config.Download, logger)
	prober := infrastructure.NewFFprobeProber(&config.Media, infrastructure.NewProcessLog(logsDir, "probe"), logger)
	muxer := infrastructure.NewFFmpegMuxer(&config.Media, infrastructure.NewProcessLog(logsDir, "mux"), logger)

	return NewPipeline(
		resolver,
		session,
		infrastructure.NewPageExtractor(),
		downloader,
		prober,
		muxer,
		&config.Download,
		logger,
	), nil
}
