package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindContentID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected ContentID
		found    bool
	}{
		{"bare id", "BVabc123", "BVabc123", true},
		{"full url", "https://www.bilibili.com/video/BV1xx411c7mD/?spm_id_from=333", "BV1xx411c7mD", true},
		{"first match wins", "see BV1aaa and BV2bbb", "BV1aaa", true},
		{"embedded in text", "【标题】BV1GJ411x7h7 快来看", "BV1GJ411x7h7", true},
		{"no id", "https://www.bilibili.com/", "", false},
		{"prefix only", "BV", "", false},
		{"lowercase prefix", "bv1xx411c7mD", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := FindContentID(tt.input)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestContentID_Valid(t *testing.T) {
	assert.True(t, ContentID("BV1xx411c7mD").Valid())
	assert.False(t, ContentID("xBV1xx").Valid())
	assert.False(t, ContentID("").Valid())
}

func TestMediaInfo_BestVideo(t *testing.T) {
	info := &MediaInfo{Video: []StreamDescriptor{
		{URL: "v360", Quality: 360},
		{URL: "v720", Quality: 720},
		{URL: "v1080", Quality: 1080},
		{URL: "v480", Quality: 480},
	}}

	best, err := info.BestVideo()
	require.NoError(t, err)
	assert.Equal(t, 1080, best.Quality)
	assert.Equal(t, "v1080", best.URL)
}

func TestMediaInfo_BestVideoTieKeepsFirst(t *testing.T) {
	info := &MediaInfo{Video: []StreamDescriptor{
		{URL: "avc", Quality: 1080},
		{URL: "hevc", Quality: 1080},
		{URL: "low", Quality: 480},
	}}

	best, err := info.BestVideo()
	require.NoError(t, err)
	assert.Equal(t, "avc", best.URL)
}

func TestMediaInfo_BestAudioIsFirst(t *testing.T) {
	info := &MediaInfo{Audio: []StreamDescriptor{
		{URL: "a1", Bandwidth: 64000},
		{URL: "a2", Bandwidth: 320000},
	}}

	best, err := info.BestAudio()
	require.NoError(t, err)
	assert.Equal(t, "a1", best.URL)
}

func TestMediaInfo_EmptyStreams(t *testing.T) {
	info := &MediaInfo{}

	_, err := info.BestVideo()
	assert.True(t, errors.Is(err, ErrExtraction))

	_, err = info.BestAudio()
	assert.True(t, errors.Is(err, ErrExtraction))
}

func TestDownloadTask_Attempts(t *testing.T) {
	task := &DownloadTask{SourceURL: "https://example.com/v.m4s", MaxRetries: 5}

	assert.Equal(t, 0, task.Attempts())
	assert.Equal(t, 1, task.NextAttempt())
	assert.Equal(t, 2, task.NextAttempt())
	assert.Equal(t, 2, task.Attempts())
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		name string
		base string
		ext  string
	}{
		{"short", "My Video", ".mp4"},
		{"ascii at limit", strings.Repeat("a", 255), ".mp4"},
		{"multibyte at limit", strings.Repeat("长", 85), ".mp3"},
		{"empty ext", strings.Repeat("a", 300), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ArtifactName(tt.base, tt.ext)
			assert.LessOrEqual(t, len(got), MaxFilenameBytes)
			assert.True(t, strings.HasSuffix(got, tt.ext))
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.base, strings.TrimSuffix(got, tt.ext)))
		})
	}

	assert.Equal(t, "My Video.mp4", ArtifactName("My Video", ".mp4"))
	assert.Len(t, ArtifactName(strings.Repeat("a", 255), ".mp4"), 255)
}
