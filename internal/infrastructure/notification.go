package infrastructure

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

const (
	notifyTimeout   = 5 * time.Second
	notifyLabelLen  = 40
	notifySoundName = "Glass"
)

// NotificationService sends desktop notifications about queued downloads
type NotificationService struct {
	config      *domain.NotificationConfig
	execCommand commandFunc
	logger      *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		config:      config,
		execCommand: exec.CommandContext,
		logger:      logger,
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	var name string
	var args []string
	switch n.config.Method {
	case "osascript":
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(message), appleScriptString(title))
		if n.config.Sound {
			script += " sound name " + appleScriptString(notifySoundName)
		}
		name, args = "osascript", []string{"-e", script}
	case "notify-send":
		name, args = "notify-send", []string{"--app-name=bili-extract", title, message}
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.execCommand(ctx, name, args...).Run(); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", name),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// NotifyDownloadQueued sends notification when download is queued
func (n *NotificationService) NotifyDownloadQueued(download *domain.Download) {
	n.Send("Download Queued", "Added to queue: "+notifyLabel(download))
}

// NotifyDownloadStarted sends notification when download starts
func (n *NotificationService) NotifyDownloadStarted(download *domain.Download) {
	n.Send("Download Started", "Processing: "+notifyLabel(download))
}

// NotifyDownloadCompleted sends notification when download completes
func (n *NotificationService) NotifyDownloadCompleted(download *domain.Download) {
	n.Send("Download Completed", "Saved: "+notifyLabel(download))
}

// NotifyDownloadFailed sends notification when download fails
func (n *NotificationService) NotifyDownloadFailed(download *domain.Download, err error) {
	n.Send("Download Failed", fmt.Sprintf("%s: %v", notifyLabel(download), err))
}

// NotifyDownloadPaused sends notification when a download is cancelled
func (n *NotificationService) NotifyDownloadPaused(download *domain.Download) {
	n.Send("Download Paused", "Paused: "+notifyLabel(download))
}

// NotifyQueueEmpty sends notification when queue is empty
func (n *NotificationService) NotifyQueueEmpty() {
	n.Send("Queue Empty", "All downloads completed")
}

// notifyLabel prefers the video title and falls back to the raw input
func notifyLabel(download *domain.Download) string {
	label := download.Title
	if label == "" {
		label = download.Input
	}
	return truncateString(label, notifyLabelLen)
}

// truncateString truncates s to maxLen runes
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
