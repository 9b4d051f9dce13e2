package domain

import (
	"fmt"
	"net/http"
	"regexp"
	"time"
	"unicode/utf8"
)

// MaxFilenameBytes is the file name limit of common filesystems
const MaxFilenameBytes = 255

// ContentID is a canonical Bilibili video id such as BV1xx411c7mD
type ContentID string

var contentIDPattern = regexp.MustCompile(`BV[0-9A-Za-z]+`)

// FindContentID returns the first content id embedded in s
func FindContentID(s string) (ContentID, bool) {
	m := contentIDPattern.FindString(s)
	if m == "" {
		return "", false
	}
	return ContentID(m), true
}

// Valid reports whether id is exactly one canonical token
func (id ContentID) Valid() bool {
	m := contentIDPattern.FindString(string(id))
	return m != "" && m == string(id)
}

// StreamDescriptor is one candidate DASH substream
type StreamDescriptor struct {
	URL        string   `json:"url"`
	BackupURLs []string `json:"backup_urls,omitempty"`
	Quality    int      `json:"quality"` // frame height for video
	Bandwidth  int      `json:"bandwidth,omitempty"`
	Codecs     string   `json:"codecs,omitempty"`
	MimeType   string   `json:"mime_type,omitempty"`
}

// MediaInfo is what the extractor yields from a video page
type MediaInfo struct {
	Title    string
	Filename string // Title made safe for the filesystem
	Duration float64
	Video    []StreamDescriptor
	Audio    []StreamDescriptor
}

// ArtifactName joins base and ext, shortening base on a rune boundary so
// the result fits in MaxFilenameBytes.
func ArtifactName(base, ext string) string {
	limit := MaxFilenameBytes - len(ext)
	if limit < 0 {
		limit = 0
	}
	for len(base) > limit {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + ext
}

// BestVideo returns the video stream with the highest quality. Ties keep
// the first stream listed.
func (m *MediaInfo) BestVideo() (StreamDescriptor, error) {
	if len(m.Video) == 0 {
		return StreamDescriptor{}, fmt.Errorf("%w: no video streams", ErrExtraction)
	}
	best := m.Video[0]
	for _, s := range m.Video[1:] {
		if s.Quality > best.Quality {
			best = s
		}
	}
	return best, nil
}

// BestAudio returns the first audio stream; the platform lists its
// preferred stream first.
func (m *MediaInfo) BestAudio() (StreamDescriptor, error) {
	if len(m.Audio) == 0 {
		return StreamDescriptor{}, fmt.Errorf("%w: no audio streams", ErrExtraction)
	}
	return m.Audio[0], nil
}

// DownloadTask is a single stream transfer. Retries reuse the task and only
// advance its attempt counter.
type DownloadTask struct {
	SourceURL  string
	DestPath   string
	Headers    http.Header
	MaxRetries int
	RetryDelay time.Duration

	attempts int
}

// NextAttempt records the start of an attempt and returns its 1-based number
func (t *DownloadTask) NextAttempt() int {
	t.attempts++
	return t.attempts
}

// Attempts returns how many attempts have been started
func (t *DownloadTask) Attempts() int {
	return t.attempts
}

// DownloadOutcome is the non-error result of a stream download
type DownloadOutcome int

const (
	OutcomeCompleted DownloadOutcome = iota
	OutcomeCancelled
)

func (o DownloadOutcome) String() string {
	if o == OutcomeCancelled {
		return "cancelled"
	}
	return "completed"
}

// MuxJob combines a downloaded video and audio stream into OutputPath
type MuxJob struct {
	VideoPath        string
	AudioPath        string
	OutputPath       string
	ExpectedDuration float64 // seconds
}
