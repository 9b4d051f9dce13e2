package handlers

import (
	"net/http"
	"os/exec"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/bili-extract-go/internal/app"
	"github.com/yourusername/bili-extract-go/internal/domain"
)

// Version is reported by the health endpoint
var Version = "1.0.0"

// HealthHandler reports whether the queue runs and the media tools resolve
type HealthHandler struct {
	queueMgr *app.QueueManager
	media    *domain.MediaConfig
}

// NewHealthHandler creates a health handler. With a nil media config the
// tool checks are skipped.
func NewHealthHandler(queueMgr *app.QueueManager, media *domain.MediaConfig) *HealthHandler {
	return &HealthHandler{
		queueMgr: queueMgr,
		media:    media,
	}
}

// ToolStatus is where a media tool binary was found, if anywhere
type ToolStatus struct {
	Binary string `json:"binary"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Queue   struct {
		Running bool `json:"running"`
	} `json:"queue"`
	Tools map[string]ToolStatus `json:"tools,omitempty"`
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
		Tools:   h.tools(),
	}
	response.Queue.Running = h.queueMgr.IsRunning()

	c.JSON(http.StatusOK, response)
}

// Ready handles GET /ready. The server is ready once the queue runs and
// both ffprobe and ffmpeg can be executed.
func (h *HealthHandler) Ready(c *gin.Context) {
	if !h.queueMgr.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "queue manager not running",
		})
		return
	}

	tools := h.tools()
	for name, tool := range tools {
		if tool.Error != "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": name + " not found: " + tool.Error,
				"tools":  tools,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready", "tools": tools})
}

func (h *HealthHandler) tools() map[string]ToolStatus {
	if h.media == nil {
		return nil
	}
	return map[string]ToolStatus{
		"ffmpeg":  lookupTool(h.media.FFmpegBinary),
		"ffprobe": lookupTool(h.media.FFprobeBinary),
	}
}

func lookupTool(binary string) ToolStatus {
	status := ToolStatus{Binary: binary}
	path, err := exec.LookPath(binary)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Path = path
	return status
}
