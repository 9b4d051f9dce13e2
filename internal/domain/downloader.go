package domain

import (
	"context"
	"net/http"
)

// IdentifierResolver turns user input into a canonical content id
type IdentifierResolver interface {
	Resolve(ctx context.Context, input string) (ContentID, error)
}

// PageFetcher is an authenticated session able to load video pages. Its
// client and headers are reused for stream downloads.
type PageFetcher interface {
	FetchPage(ctx context.Context, id ContentID) (string, error)
	Headers() http.Header
	Client() *http.Client
}

// MetadataExtractor parses a video page
type MetadataExtractor interface {
	Extract(page string) (*MediaInfo, error)
}

// StreamDownloader transfers one stream to disk, honoring cancel between chunks
type StreamDownloader interface {
	Download(ctx context.Context, task *DownloadTask, cancel *CancelFlag, sink ProgressSink) (DownloadOutcome, error)
}

// DurationProber reports the duration in seconds of a local media file
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Muxer combines video and audio into one container, reporting progress to sink
type Muxer interface {
	Mux(ctx context.Context, job MuxJob, sink ProgressSink) error
}
