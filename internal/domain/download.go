package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DownloadStatus represents the current status of a download
type DownloadStatus string

const (
	StatusQueued     DownloadStatus = "queued"
	StatusProcessing DownloadStatus = "processing"
	StatusCompleted  DownloadStatus = "completed"
	StatusFailed     DownloadStatus = "failed"
	StatusCancelled  DownloadStatus = "cancelled"
)

// Download is a persisted pipeline run requested through the queue
type Download struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	Input        string         `json:"input" gorm:"not null;index"`
	ContentID    ContentID      `json:"content_id,omitempty" gorm:"index"`
	Title        string         `json:"title,omitempty"`
	Status       DownloadStatus `json:"status" gorm:"not null;index"`
	Stage        Stage          `json:"stage,omitempty"`
	Progress     float64        `json:"progress"`
	Priority     int            `json:"priority" gorm:"default:0;index"`
	RetryCount   int            `json:"retry_count" gorm:"default:0"`
	ErrorMessage string         `json:"error_message,omitempty"`
	VideoPath    string         `json:"video_path,omitempty"`
	AudioPath    string         `json:"audio_path,omitempty"`
	FilePath     string         `json:"file_path,omitempty"`
	Duration     float64        `json:"duration,omitempty"`
	CreatedAt    time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewDownload creates a queued download for the given user input
func NewDownload(input string) *Download {
	now := time.Now()
	return &Download{
		ID:        uuid.New().String(),
		Input:     strings.TrimSpace(input),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessing marks the download as processing
func (d *Download) MarkProcessing() {
	d.Status = StatusProcessing
	d.Stage = StageResolving
	d.Progress = 0
	d.ErrorMessage = ""
	now := time.Now()
	d.StartedAt = &now
	d.UpdatedAt = now
}

// MarkStage records a stage transition. Progress restarts with each stage.
func (d *Download) MarkStage(stage Stage) {
	if d.Stage != stage {
		d.Progress = 0
	}
	d.Stage = stage
	d.UpdatedAt = time.Now()
}

// MarkCompleted marks the download as completed
func (d *Download) MarkCompleted(filePath string) {
	d.Status = StatusCompleted
	d.Stage = StageDone
	d.Progress = 100
	d.FilePath = filePath
	now := time.Now()
	d.CompletedAt = &now
	d.UpdatedAt = now
}

// MarkFailed marks the download as failed
func (d *Download) MarkFailed(err error) {
	d.Status = StatusFailed
	d.Stage = StageFailed
	d.ErrorMessage = err.Error()
	d.UpdatedAt = time.Now()
}

// MarkCancelled marks the download as paused by the user
func (d *Download) MarkCancelled() {
	d.Status = StatusCancelled
	d.Stage = StageCancelled
	d.ErrorMessage = ErrCancelled.Error()
	d.UpdatedAt = time.Now()
}

// Requeue resets a finished download so the queue picks it up again
func (d *Download) Requeue() {
	d.Status = StatusQueued
	d.Stage = ""
	d.Progress = 0
	d.RetryCount++
	d.ErrorMessage = ""
	d.StartedAt = nil
	d.CompletedAt = nil
	d.UpdatedAt = time.Now()
}

// CanRetry checks if the download can be requeued
func (d *Download) CanRetry() bool {
	return d.Status == StatusFailed || d.Status == StatusCancelled
}

// IsTerminal checks if the download is in a terminal state
func (d *Download) IsTerminal() bool {
	return d.Status == StatusCompleted || d.Status == StatusFailed || d.Status == StatusCancelled
}

// IsPending checks if the download is pending
func (d *Download) IsPending() bool {
	return d.Status == StatusQueued
}

// IsProcessing checks if the download is currently processing
func (d *Download) IsProcessing() bool {
	return d.Status == StatusProcessing
}
