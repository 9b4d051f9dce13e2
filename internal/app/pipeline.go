package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

const (
	videoExt  = ".mp4"
	audioExt  = ".mp3"
	outputExt = ".mp4"
)

// RunResult describes how a pipeline run ended. Stage is StageDone,
// StageCancelled or StageFailed; Err is nil only for StageDone.
type RunResult struct {
	ContentID  domain.ContentID
	Title      string
	VideoPath  string
	AudioPath  string
	OutputPath string
	Duration   float64
	Stage      domain.Stage
	FailedAt   domain.Stage
	Err        error
}

// Succeeded reports whether the run produced the muxed file
func (r *RunResult) Succeeded() bool {
	return r.Stage == domain.StageDone
}

// Pipeline drives one download from raw input to the muxed file:
// resolve, fetch, extract, download video, download audio, probe, mux.
type Pipeline struct {
	resolver   domain.IdentifierResolver
	fetcher    domain.PageFetcher
	extractor  domain.MetadataExtractor
	downloader domain.StreamDownloader
	prober     domain.DurationProber
	muxer      domain.Muxer
	config     *domain.DownloadConfig
	logger     *zap.Logger
}

// NewPipeline creates a pipeline
func NewPipeline(
	resolver domain.IdentifierResolver,
	fetcher domain.PageFetcher,
	extractor domain.MetadataExtractor,
	downloader domain.StreamDownloader,
	prober domain.DurationProber,
	muxer domain.Muxer,
	config *domain.DownloadConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		resolver:   resolver,
		fetcher:    fetcher,
		extractor:  extractor,
		downloader: downloader,
		prober:     prober,
		muxer:      muxer,
		config:     config,
		logger:     logger,
	}
}

// Run executes the pipeline for rawInput. Stream requests carry headers,
// or the session headers when headers is nil. cancel is reset first and
// is honored only while streams download. Every failure, including a
// panic in a stage, ends the run with a single Error event.
func (p *Pipeline) Run(ctx context.Context, rawInput string, headers http.Header, sink domain.ProgressSink, cancel *domain.CancelFlag) (result *RunResult) {
	if cancel == nil {
		cancel = &domain.CancelFlag{}
	}
	cancel.Reset()

	events := newRunSink(sink)
	result = &RunResult{}
	stage := domain.StageResolving

	defer func() {
		if r := recover(); r != nil {
			p.fail(events, result, stage, rawInput, fmt.Errorf("internal error: %v", r))
		}
	}()

	enter := func(next domain.Stage) {
		stage = next
		events.enter(next)
		p.logger.Debug("Pipeline stage", zap.String("input", rawInput), zap.String("stage", string(next)))
	}

	enter(domain.StageResolving)
	id, err := p.resolver.Resolve(ctx, rawInput)
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}
	result.ContentID = id

	enter(domain.StageFetching)
	page, err := p.fetcher.FetchPage(ctx, id)
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}

	enter(domain.StageExtracting)
	info, err := p.extractor.Extract(page)
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}
	video, err := info.BestVideo()
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}
	audio, err := info.BestAudio()
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}
	name := info.Filename
	if name == "" {
		name = "unnamed"
	}
	result.Title = info.Title
	result.VideoPath = filepath.Join(p.config.WorkPath(), domain.ArtifactName(name, videoExt))
	result.AudioPath = filepath.Join(p.config.WorkPath(), domain.ArtifactName(name, audioExt))
	result.OutputPath = filepath.Join(p.config.OutputPath(), domain.ArtifactName(name, outputExt))
	p.logger.Info("Selected streams",
		zap.String("content_id", string(id)),
		zap.String("title", info.Title),
		zap.Int("video_quality", video.Quality),
		zap.String("video_codecs", video.Codecs),
		zap.Int("audio_bandwidth", audio.Bandwidth))

	if headers == nil {
		headers = p.fetcher.Headers()
	}

	streams := []struct {
		stage domain.Stage
		url   string
		dest  string
	}{
		{domain.StageDownloadingVideo, video.URL, result.VideoPath},
		{domain.StageDownloadingAudio, audio.URL, result.AudioPath},
	}
	for _, s := range streams {
		enter(s.stage)
		task := &domain.DownloadTask{
			SourceURL:  s.url,
			DestPath:   s.dest,
			Headers:    headers,
			MaxRetries: p.config.MaxRetries,
			RetryDelay: p.config.RetryDelay,
		}
		outcome, err := p.downloader.Download(ctx, task, cancel, events)
		if err != nil {
			return p.fail(events, result, stage, rawInput, err)
		}
		if outcome == domain.OutcomeCancelled {
			return p.pause(events, result, stage, rawInput)
		}
	}

	enter(domain.StageProbing)
	duration, err := p.prober.ProbeDuration(ctx, result.VideoPath)
	if err != nil {
		return p.fail(events, result, stage, rawInput, err)
	}
	result.Duration = duration

	enter(domain.StageMuxing)
	job := domain.MuxJob{
		VideoPath:        result.VideoPath,
		AudioPath:        result.AudioPath,
		OutputPath:       result.OutputPath,
		ExpectedDuration: duration,
	}
	if err := p.muxer.Mux(ctx, job, events); err != nil {
		if !errors.Is(err, domain.ErrMux) {
			err = fmt.Errorf("%w: %v", domain.ErrMux, err)
		}
		return p.fail(events, result, stage, rawInput, err)
	}
	if !events.finished() {
		events.Emit(domain.PercentEvent(domain.StageMuxing, 100))
		events.Emit(domain.DoneEvent())
	}

	if !p.config.KeepIntermediate {
		p.removeIntermediate(result)
	}

	result.Stage = domain.StageDone
	p.logger.Info("Pipeline completed",
		zap.String("content_id", string(id)),
		zap.String("output", result.OutputPath),
		zap.Float64("duration", duration))
	return result
}

func (p *Pipeline) fail(events *runSink, result *RunResult, stage domain.Stage, input string, err error) *RunResult {
	result.Stage = domain.StageFailed
	result.FailedAt = stage
	result.Err = err
	events.Emit(domain.ErrorEvent(stage, err.Error()))
	p.logger.Error("Pipeline failed",
		zap.String("input", input),
		zap.String("stage", string(stage)),
		zap.Error(err))
	return result
}

func (p *Pipeline) pause(events *runSink, result *RunResult, stage domain.Stage, input string) *RunResult {
	result.Stage = domain.StageCancelled
	result.FailedAt = stage
	result.Err = domain.ErrCancelled
	events.Emit(domain.ErrorEvent(stage, domain.ErrCancelled.Error()))
	p.logger.Info("Pipeline paused",
		zap.String("input", input),
		zap.String("stage", string(stage)))
	return result
}

func (p *Pipeline) removeIntermediate(result *RunResult) {
	for _, path := range []string{result.VideoPath, result.AudioPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("Failed to remove intermediate file",
				zap.String("file", path),
				zap.Error(err))
		}
	}
}
