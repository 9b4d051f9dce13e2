package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/app"
	"github.com/yourusername/bili-extract-go/internal/domain"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressMessage is one frame of the progress socket. The first frame has
// Type "state" and carries the stored record; the rest are "event" frames.
type ProgressMessage struct {
	Type     string                `json:"type"`
	Download *domain.Download      `json:"download,omitempty"`
	Event    *domain.ProgressEvent `json:"event,omitempty"`
}

// ProgressWebSocketHandler streams download progress over WebSocket
type ProgressWebSocketHandler struct {
	queueMgr    *app.QueueManager
	downloadMgr *app.DownloadManager
	logger      *zap.Logger
}

// NewProgressWebSocketHandler creates a new WebSocket handler
func NewProgressWebSocketHandler(queueMgr *app.QueueManager, downloadMgr *app.DownloadManager, log *zap.Logger) *ProgressWebSocketHandler {
	return &ProgressWebSocketHandler{
		queueMgr:    queueMgr,
		downloadMgr: downloadMgr,
		logger:      log,
	}
}

// HandleWebSocket handles GET /api/v1/downloads/:id/ws
func (h *ProgressWebSocketHandler) HandleWebSocket(c *gin.Context) {
	id := c.Param("id")
	download, err := h.queueMgr.GetDownload(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("WebSocket client connected",
		zap.String("id", id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	sub, active := h.downloadMgr.Subscribe(id)
	if active {
		defer sub.Close()
	}

	if err := h.write(conn, ProgressMessage{Type: "state", Download: download}); err != nil {
		return
	}
	if !active {
		h.close(conn)
		return
	}

	// the client only sends control frames; a read error means it went away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				h.close(conn)
				return
			}
			if err := h.write(conn, ProgressMessage{Type: "event", Event: &event}); err != nil {
				h.logger.Debug("Failed to send progress event", zap.Error(err))
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (h *ProgressWebSocketHandler) write(conn *websocket.Conn, msg ProgressMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (h *ProgressWebSocketHandler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
