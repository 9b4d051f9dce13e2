package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/api/handlers"
	"github.com/yourusername/bili-extract-go/internal/app"
	"github.com/yourusername/bili-extract-go/internal/domain"
	"github.com/yourusername/bili-extract-go/internal/infrastructure"
)

type testServer struct {
	router  *gin.Engine
	repo    *infrastructure.SQLiteDownloadRepository
	queue   *app.QueueManager
	media   *domain.MediaConfig
	logsDir string
}

func newTestServer(t *testing.T) *testServer {
	dir := t.TempDir()
	repo, err := infrastructure.NewSQLiteDownloadRepository(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	config := &domain.DownloadConfig{ConcurrentLimit: 1, EventBuffer: 8}
	downloadMgr := app.NewDownloadManager(repo, nil, nil, config, nil)
	queueMgr := app.NewQueueManager(repo, downloadMgr, &domain.QueueConfig{CheckInterval: time.Hour}, nil)

	logsDir := filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0755))

	// the test binary stands in for both tools
	media := &domain.MediaConfig{FFmpegBinary: os.Args[0], FFprobeBinary: os.Args[0]}

	return &testServer{
		router:  SetupRouter(queueMgr, downloadMgr, zap.NewNop(), nil, logsDir, media),
		repo:    repo,
		queue:   queueMgr,
		media:   media,
		logsDir: logsDir,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) add(t *testing.T, input string) *domain.Download {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/downloads", handlers.AddDownloadRequest{Input: input})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[domain.Download](t, rec)
	return &d
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Queue.Running)

	require.Contains(t, health.Tools, "ffmpeg")
	assert.NotEmpty(t, health.Tools["ffmpeg"].Path)
	assert.Empty(t, health.Tools["ffprobe"].Error)

	rec = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue manager not running")
}

func TestReadyChecksMediaTools(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.queue.Start(context.Background()))
	t.Cleanup(func() { s.queue.Stop() })

	rec := s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s.media.FFprobeBinary = "bili-extract-missing-ffprobe"
	rec = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ffprobe not found")

	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[handlers.HealthResponse](t, rec)
	assert.NotEmpty(t, health.Tools["ffprobe"].Error)
}

func TestAddDownload(t *testing.T) {
	s := newTestServer(t)

	first := s.add(t, "https://www.bilibili.com/video/BV1xx411c7mD")
	assert.Equal(t, domain.StatusQueued, first.Status)
	assert.NotEmpty(t, first.ID)

	// same input while queued returns the existing record
	rec := s.do(t, http.MethodPost, "/api/v1/downloads", handlers.AddDownloadRequest{Input: "https://www.bilibili.com/video/BV1xx411c7mD"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[domain.Download](t, rec).ID)

	rec = s.do(t, http.MethodPost, "/api/v1/downloads", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListDownloads(t *testing.T) {
	s := newTestServer(t)
	a := s.add(t, "BVaaa")
	s.add(t, "BVbbb")

	rec := s.do(t, http.MethodGet, "/api/v1/downloads/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BVaaa", decode[domain.Download](t, rec).Input)

	rec = s.do(t, http.MethodGet, "/api/v1/downloads/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/downloads/"+a.ID+"/cancel", nil).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/downloads?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queued := decode[[]domain.Download](t, rec)
	require.Len(t, queued, 1)
	assert.Equal(t, "BVbbb", queued[0].Input)

	rec = s.do(t, http.MethodGet, "/api/v1/downloads?status=completed", nil)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = s.do(t, http.MethodGet, "/api/v1/downloads/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.DownloadStats](t, rec)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Cancelled)
}

func TestCancelRetryDelete(t *testing.T) {
	s := newTestServer(t)
	d := s.add(t, "BVabc123")
	base := "/api/v1/downloads/" + d.ID

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base+"/retry", nil).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/cancel", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base+"/cancel", nil).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/retry", nil).Code)
	stored, err := s.repo.FindByID(d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, base+"/cancel", nil).Code)
}

func TestStreamEvents_IdleDownload(t *testing.T) {
	s := newTestServer(t)
	d := s.add(t, "BVabc123")

	rec := s.do(t, http.MethodGet, "/api/v1/downloads/"+d.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "event:state")
	assert.Contains(t, rec.Body.String(), d.ID)

	rec = s.do(t, http.MethodGet, "/api/v1/downloads/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressWebSocket_IdleDownload(t *testing.T) {
	s := newTestServer(t)
	d := s.add(t, "BVabc123")

	server := httptest.NewServer(s.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/downloads/" + d.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg handlers.ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state", msg.Type)
	require.NotNil(t, msg.Download)
	assert.Equal(t, d.ID, msg.Download.ID)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestLogEndpoints(t *testing.T) {
	s := newTestServer(t)
	today := time.Now().Format("20060102")
	lines := `{"level":"info","ts":"2024-01-01T10:00:00Z","msg":"queue_started"}
{"level":"info","ts":"2024-01-01T10:00:01Z","msg":"download_added","id":"abc"}
`
	require.NoError(t, os.WriteFile(filepath.Join(s.logsDir, "queue-"+today+".log"), []byte(lines), 0644))

	rec := s.do(t, http.MethodGet, "/api/v1/logs/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline")

	rec = s.do(t, http.MethodGet, "/api/v1/logs/queue?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, float64(1), body["count"])
	assert.Contains(t, rec.Body.String(), "download_added")

	rec = s.do(t, http.MethodGet, "/api/v1/logs/queue/search?q=started", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_started")
	assert.NotContains(t, rec.Body.String(), "download_added")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/queue?date=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/logs/queue/search", nil).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/logs/queue/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "queue-"+today+".log")
}
