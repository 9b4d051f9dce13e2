package domain

import "errors"

// Pipeline error taxonomy. Stages wrap these with fmt.Errorf("%w: ...") so
// callers can classify failures with errors.Is.
var (
	ErrResolution = errors.New("identifier resolution failed")
	ErrNotFound   = errors.New("no video id found in input")
	ErrFetch      = errors.New("page fetch failed")
	ErrExtraction = errors.New("stream extraction failed")
	ErrDownload   = errors.New("download failed")
	ErrProbe      = errors.New("media probe failed")
	ErrMux        = errors.New("mux failed")

	// ErrCancelled is a terminal outcome rather than a failure.
	ErrCancelled = errors.New("download paused")
)
