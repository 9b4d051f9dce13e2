package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// mockRepo implements domain.DownloadRepository in memory. It stores
// copies so callers never share a record with the repository.
type mockRepo struct {
	mu        sync.Mutex
	downloads map[string]domain.Download
	order     []string
	updates   int
	updateErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{downloads: make(map[string]domain.Download)}
}

func (m *mockRepo) Create(download *domain.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[download.ID] = *download
	m.order = append(m.order, download.ID)
	return nil
}

func (m *mockRepo) Update(download *domain.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.downloads[download.ID]; !ok {
		return errors.New("record not found")
	}
	m.downloads[download.ID] = *download
	m.updates++
	return nil
}

func (m *mockRepo) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.downloads, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockRepo) FindByID(id string) (*domain.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return &d, nil
}

func (m *mockRepo) FindByInput(input string, statuses []domain.DownloadStatus) (*domain.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		d := m.downloads[m.order[i]]
		if d.Input != input {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				return &d, nil
			}
		}
	}
	return nil, nil
}

func (m *mockRepo) FindByStatus(status domain.DownloadStatus) ([]*domain.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Download
	for _, id := range m.order {
		d := m.downloads[id]
		if d.Status == status {
			out = append(out, &d)
		}
	}
	return out, nil
}

func (m *mockRepo) FindPending() ([]*domain.Download, error) {
	pending, err := m.FindByStatus(domain.StatusQueued)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Priority > pending[j].Priority })
	return pending, err
}

func (m *mockRepo) FindAll(filters map[string]interface{}) ([]*domain.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Download
	for _, id := range m.order {
		d := m.downloads[id]
		if status, ok := filters["status"]; ok && string(d.Status) != status {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

func (m *mockRepo) Count() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.downloads)), nil
}

func (m *mockRepo) CountByStatus(status domain.DownloadStatus) (int64, error) {
	found, _ := m.FindByStatus(status)
	return int64(len(found)), nil
}

func (m *mockRepo) GetStats() (*domain.DownloadStats, error) {
	stats := &domain.DownloadStats{}
	stats.Queued, _ = m.CountByStatus(domain.StatusQueued)
	stats.Processing, _ = m.CountByStatus(domain.StatusProcessing)
	stats.Completed, _ = m.CountByStatus(domain.StatusCompleted)
	stats.Failed, _ = m.CountByStatus(domain.StatusFailed)
	stats.Cancelled, _ = m.CountByStatus(domain.StatusCancelled)
	stats.Total, _ = m.Count()
	return stats, nil
}

func (m *mockRepo) get(t *testing.T, id string) *domain.Download {
	t.Helper()
	d, err := m.FindByID(id)
	require.NoError(t, err)
	return d
}

type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *mockNotifier) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *mockNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *mockNotifier) NotifyDownloadStarted(*domain.Download)       { n.record("started") }
func (n *mockNotifier) NotifyDownloadCompleted(*domain.Download)     { n.record("completed") }
func (n *mockNotifier) NotifyDownloadFailed(*domain.Download, error) { n.record("failed") }
func (n *mockNotifier) NotifyDownloadPaused(*domain.Download)        { n.record("paused") }

type managerFixture struct {
	*pipelineFixture
	repo     *mockRepo
	notifier *mockNotifier
	manager  *DownloadManager
}

func newManagerFixture(t *testing.T) *managerFixture {
	f := &managerFixture{
		pipelineFixture: newPipelineFixture(t),
		repo:            newMockRepo(),
		notifier:        &mockNotifier{},
	}
	f.config.ConcurrentLimit = 1
	f.config.EventBuffer = 16
	f.manager = NewDownloadManager(f.repo, f.pipeline(), f.notifier, f.config, nil)
	return f
}

// claimed stores a download the way the queue hands it over
func (f *managerFixture) claimed(t *testing.T, input string) *domain.Download {
	t.Helper()
	download := domain.NewDownload(input)
	download.MarkProcessing()
	require.NoError(t, f.repo.Create(download))
	return download
}

// blockUntilCancelled makes the video download wait for the cancel flag
func (f *managerFixture) blockUntilCancelled(started chan<- struct{}) {
	var once sync.Once
	f.downloader.fn = func(task *domain.DownloadTask, cancel *domain.CancelFlag, sink domain.ProgressSink) (domain.DownloadOutcome, error) {
		sink.Emit(domain.PercentEvent("", 10))
		once.Do(func() { close(started) })
		for !cancel.IsSet() {
			time.Sleep(5 * time.Millisecond)
		}
		return domain.OutcomeCancelled, nil
	}
}

func TestProcessDownload_Completed(t *testing.T) {
	f := newManagerFixture(t)
	download := f.claimed(t, "BVabc123")

	err := f.manager.ProcessDownload(context.Background(), download)
	require.NoError(t, err)

	stored := f.repo.get(t, download.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, domain.StageDone, stored.Stage)
	assert.Equal(t, 100.0, stored.Progress)
	assert.Equal(t, "My Video", stored.Title)
	assert.Equal(t, domain.ContentID("BVabc123"), stored.ContentID)
	assert.Equal(t, 120.0, stored.Duration)
	assert.NotEmpty(t, stored.FilePath)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, []string{"started", "completed"}, f.notifier.Events())
	assert.False(t, f.manager.IsActive(download.ID))
}

func TestProcessDownload_Failed(t *testing.T) {
	f := newManagerFixture(t)
	f.resolver.err = domain.ErrNotFound
	download := f.claimed(t, "not a video")

	err := f.manager.ProcessDownload(context.Background(), download)
	require.ErrorIs(t, err, domain.ErrNotFound)

	stored := f.repo.get(t, download.ID)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, domain.StageFailed, stored.Stage)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.Equal(t, []string{"started", "failed"}, f.notifier.Events())
}

func TestProcessDownload_SkipsRecordNoLongerProcessing(t *testing.T) {
	f := newManagerFixture(t)
	download := f.claimed(t, "BVabc123")

	stored := f.repo.get(t, download.ID)
	stored.MarkCancelled()
	require.NoError(t, f.repo.Update(stored))

	require.NoError(t, f.manager.ProcessDownload(context.Background(), download))
	assert.Empty(t, f.downloader.tasks)
	assert.Empty(t, f.notifier.Events())
	assert.Equal(t, domain.StatusCancelled, f.repo.get(t, download.ID).Status)
}

func TestProcessDownload_ShutdownLeavesRecordProcessing(t *testing.T) {
	f := newManagerFixture(t)
	download := f.claimed(t, "BVabc123")

	ctx, cancel := context.WithCancel(context.Background())
	f.downloader.fn = func(task *domain.DownloadTask, flag *domain.CancelFlag, sink domain.ProgressSink) (domain.DownloadOutcome, error) {
		cancel()
		return domain.OutcomeCancelled, nil
	}

	err := f.manager.ProcessDownload(ctx, download)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusProcessing, f.repo.get(t, download.ID).Status)
	assert.Equal(t, []string{"started"}, f.notifier.Events())
}

func TestCancelDownload_Active(t *testing.T) {
	f := newManagerFixture(t)
	started := make(chan struct{})
	f.blockUntilCancelled(started)
	download := f.claimed(t, "BVabc123")

	done := make(chan error, 1)
	go func() { done <- f.manager.ProcessDownload(context.Background(), download) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	require.True(t, f.manager.IsActive(download.ID))
	require.NoError(t, f.manager.CancelDownload(download.ID))

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancel")
	}

	stored := f.repo.get(t, download.ID)
	assert.Equal(t, domain.StatusCancelled, stored.Status)
	assert.Equal(t, domain.StageCancelled, stored.Stage)
	assert.Equal(t, []string{"started", "paused"}, f.notifier.Events())
}

func TestCancelDownload_Queued(t *testing.T) {
	f := newManagerFixture(t)
	download := domain.NewDownload("BVabc123")
	require.NoError(t, f.repo.Create(download))

	require.NoError(t, f.manager.CancelDownload(download.ID))
	assert.Equal(t, domain.StatusCancelled, f.repo.get(t, download.ID).Status)
}

func TestCancelDownload_Terminal(t *testing.T) {
	f := newManagerFixture(t)
	download := domain.NewDownload("BVabc123")
	download.MarkCompleted("/out/video.mp4")
	require.NoError(t, f.repo.Create(download))

	err := f.manager.CancelDownload(download.ID)
	assert.ErrorContains(t, err, "terminal state")
}

func TestSubscribe_ReceivesEventsUntilRunEnds(t *testing.T) {
	f := newManagerFixture(t)
	started := make(chan struct{})
	f.blockUntilCancelled(started)
	download := f.claimed(t, "BVabc123")

	_, ok := f.manager.Subscribe(download.ID)
	assert.False(t, ok, "no run is active yet")

	done := make(chan error, 1)
	go func() { done <- f.manager.ProcessDownload(context.Background(), download) }()
	<-started

	sub, ok := f.manager.Subscribe(download.ID)
	require.True(t, ok)
	require.NoError(t, f.manager.CancelDownload(download.ID))

	var received []domain.ProgressEvent
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case event, more := <-sub.Events():
			if !more {
				open = false
				break
			}
			received = append(received, event)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
	<-done

	require.NotEmpty(t, received)
	last := received[len(received)-1]
	assert.Equal(t, domain.EventError, last.Kind)
	assert.Equal(t, domain.ErrCancelled.Error(), last.Message)
}

func TestRetryDownload_Failed(t *testing.T) {
	f := newManagerFixture(t)
	download := domain.NewDownload("BVabc123")
	download.MarkFailed(errors.New("boom"))
	require.NoError(t, f.repo.Create(download))

	require.NoError(t, f.manager.RetryDownload(download.ID))

	stored := f.repo.get(t, download.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, stored.ErrorMessage)
	assert.Nil(t, stored.StartedAt)
}

func TestRetryDownload_Cancelled(t *testing.T) {
	f := newManagerFixture(t)
	download := domain.NewDownload("BVabc123")
	download.MarkCancelled()
	require.NoError(t, f.repo.Create(download))

	require.NoError(t, f.manager.RetryDownload(download.ID))
	assert.Equal(t, domain.StatusQueued, f.repo.get(t, download.ID).Status)
}

func TestRetryDownload_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status domain.DownloadStatus
	}{
		{"queued", domain.StatusQueued},
		{"processing", domain.StatusProcessing},
		{"completed", domain.StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			download := domain.NewDownload("BVabc123")
			download.Status = tt.status
			require.NoError(t, f.repo.Create(download))

			err := f.manager.RetryDownload(download.ID)
			assert.ErrorContains(t, err, "cannot be retried")
		})
	}
}

func TestRetryDownload_NotFound(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.RetryDownload("nonexistent")
	assert.ErrorContains(t, err, "not found")
}

func TestDeleteDownload(t *testing.T) {
	f := newManagerFixture(t)
	download := domain.NewDownload("BVabc123")
	require.NoError(t, f.repo.Create(download))

	require.NoError(t, f.manager.DeleteDownload(download.ID))
	_, err := f.repo.FindByID(download.ID)
	assert.Error(t, err)

	assert.ErrorContains(t, f.manager.DeleteDownload(download.ID), "not found")
}

func TestDeleteDownload_Running(t *testing.T) {
	f := newManagerFixture(t)
	started := make(chan struct{})
	f.blockUntilCancelled(started)
	download := f.claimed(t, "BVabc123")

	done := make(chan error, 1)
	go func() { done <- f.manager.ProcessDownload(context.Background(), download) }()
	<-started

	assert.ErrorIs(t, f.manager.DeleteDownload(download.ID), ErrDownloadRunning)

	require.NoError(t, f.manager.CancelDownload(download.ID))
	<-done
}

func TestResetOrphanedProcessing(t *testing.T) {
	f := newManagerFixture(t)
	orphan := f.claimed(t, "BVorphan")
	queued := domain.NewDownload("BVqueued")
	require.NoError(t, f.repo.Create(queued))

	count, err := f.manager.ResetOrphanedProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored := f.repo.get(t, orphan.ID)
	assert.Equal(t, domain.StatusQueued, stored.Status)
	assert.Empty(t, stored.Stage)
	assert.Equal(t, 1, stored.RetryCount)

	count, err = f.manager.ResetOrphanedProcessing()
	require.NoError(t, err)
	assert.Zero(t, count)
}
