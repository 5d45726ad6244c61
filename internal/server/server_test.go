package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/cache"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/logging"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/poller"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/storage"
)

// MockController is a mock implementation of Controller
type MockController struct {
	mock.Mock
}

func (m *MockController) Start(target string) (poller.StartOutcome, error) {
	args := m.Called(target)
	return args.Get(0).(poller.StartOutcome), args.Error(1)
}

func (m *MockController) Stop() {
	m.Called()
}

func (m *MockController) Restart(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockController) SetTarget(target string) (bool, error) {
	args := m.Called(target)
	return args.Bool(0), args.Error(1)
}

func (m *MockController) PollNow(ctx context.Context, force bool) (models.CycleResult, error) {
	args := m.Called(ctx, force)
	return args.Get(0).(models.CycleResult), args.Error(1)
}

func (m *MockController) Sweep(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockController) Status() poller.Status {
	args := m.Called()
	return args.Get(0).(poller.Status)
}

func (m *MockController) Target() string {
	args := m.Called()
	return args.String(0)
}

// failingStore reports every operation as a backend failure
type failingStore struct {
	storage.CacheStore
}

func (failingStore) Stats(ctx context.Context, target string) (*models.CacheStats, error) {
	return nil, errors.New("connection reset")
}

func (failingStore) Clear(ctx context.Context, target string) error {
	return errors.New("connection reset")
}

func newTestServer(ctrl *MockController, admin CacheAdmin) *Server {
	if admin == nil {
		admin = cache.New(storage.NewMemoryStorage(), logging.Discard())
	}
	return NewServer(config.ServerConfig{Port: 0}, ctrl, admin, logging.Discard())
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Routes().ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	return w, resp
}

func TestHandleHealth(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status").Return(poller.Status{State: poller.StateRunning})
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "running", resp["polling"])
}

func TestHandleStatus(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status").Return(poller.Status{
		State:           poller.StateRunning,
		Target:          "alice",
		Running:         true,
		ActivityLevel:   models.ActivityMedium,
		CurrentInterval: 10 * time.Minute,
		LastCycle:       &models.CycleResult{Target: "alice", ErrorClass: models.ErrorFetch, ErrorMessage: "timeout"},
	})
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodGet, "/status", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "alice", resp["target"])
	assert.Equal(t, "medium", resp["activity_level"])
	assert.Equal(t, "10m0s", resp["current_interval_text"])
	last := resp["last_cycle"].(map[string]interface{})
	assert.Equal(t, "fetch", last["error_class"])
	assert.Equal(t, "timeout", last["error_message"])
}

func TestHandlePollingConfig(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Status").Return(poller.Status{Target: "alice", Running: true, TimerPending: true, CurrentInterval: 45 * time.Minute, ActivityLevel: models.ActivityLow})
	s := newTestServer(ctrl, nil)

	_, resp := do(t, s, http.MethodGet, "/polling/config", "")

	assert.Equal(t, "alice", resp["target"])
	assert.Equal(t, true, resp["running"])
	assert.Equal(t, true, resp["timer_pending"])
	assert.Equal(t, "45m0s", resp["current_interval"])
}

func TestHandleStart(t *testing.T) {
	t.Run("explicit target", func(t *testing.T) {
		ctrl := new(MockController)
		ctrl.On("Start", "alice").Return(poller.OutcomeStarted, nil)
		s := newTestServer(ctrl, nil)

		w, resp := do(t, s, http.MethodPost, "/polling/start", `{"target":"alice"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "started", resp["outcome"])
		ctrl.AssertExpectations(t)
	})

	t.Run("current target", func(t *testing.T) {
		ctrl := new(MockController)
		ctrl.On("Target").Return("alice")
		ctrl.On("Start", "alice").Return(poller.OutcomeAlreadyRunning, nil)
		s := newTestServer(ctrl, nil)

		w, resp := do(t, s, http.MethodPost, "/polling/start", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "already_running", resp["outcome"])
	})

	t.Run("no target", func(t *testing.T) {
		ctrl := new(MockController)
		ctrl.On("Target").Return("")
		ctrl.On("Start", "").Return(poller.StartOutcome(""), poller.ErrNoTarget)
		s := newTestServer(ctrl, nil)

		w, resp := do(t, s, http.MethodPost, "/polling/start", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, false, resp["success"])
	})

	t.Run("bad body", func(t *testing.T) {
		s := newTestServer(new(MockController), nil)
		w, _ := do(t, s, http.MethodPost, "/polling/start", `{"target":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleStopAndRestart(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Stop").Return()
	ctrl.On("Restart", mock.Anything).Return(nil)
	ctrl.On("Target").Return("alice")
	s := newTestServer(ctrl, nil)

	w, _ := do(t, s, http.MethodPost, "/polling/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := do(t, s, http.MethodPost, "/polling/restart", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", resp["target"])
	ctrl.AssertExpectations(t)
}

func TestHandleRestartWithoutTarget(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Restart", mock.Anything).Return(poller.ErrNoTarget)
	s := newTestServer(ctrl, nil)

	w, _ := do(t, s, http.MethodPost, "/polling/restart", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSetTarget(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("SetTarget", "bob").Return(true, nil)
	ctrl.On("SetTarget", "").Return(false, poller.ErrNoTarget)
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodPost, "/target", `{"target":"bob"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["switched"])

	w, _ = do(t, s, http.MethodPost, "/target", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePollNow(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("PollNow", mock.Anything, true).Return(models.CycleResult{Target: "alice", Forced: true, Sent: 2}, nil)
	ctrl.On("PollNow", mock.Anything, false).Return(models.CycleResult{Target: "alice"}, nil)
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodGet, "/poll-now?force=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["force"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, float64(2), result["sent"])

	w, resp = do(t, s, http.MethodPost, "/poll-now", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["force"])

	w, _ = do(t, s, http.MethodGet, "/poll-now?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePollNowWithoutTarget(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("PollNow", mock.Anything, false).Return(models.CycleResult{}, poller.ErrNoTarget)
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodGet, "/poll-now", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp["error"], "no target")
}

func TestHandleCache(t *testing.T) {
	ctx := context.Background()
	dedup := cache.New(storage.NewMemoryStorage(), logging.Discard())
	require.NoError(t, dedup.ReplaceSnapshot(ctx, "alice", []models.Item{{ID: "a"}, {ID: "b", Pending: true}}))
	require.NoError(t, dedup.MarkProcessed(ctx, "alice", models.Item{ID: "a"}))

	ctrl := new(MockController)
	ctrl.On("Target").Return("alice")
	s := newTestServer(ctrl, dedup)

	w, resp := do(t, s, http.MethodGet, "/cache/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	stats := resp["stats"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["snapshot_size"])
	assert.Equal(t, float64(1), stats["pending_count"])
	assert.Equal(t, float64(1), stats["processed_count"])

	w, _ = do(t, s, http.MethodDelete, "/cache", "")
	assert.Equal(t, http.StatusOK, w.Code)

	items, err := dedup.Snapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHandleCacheExplicitTarget(t *testing.T) {
	ctrl := new(MockController)
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodGet, "/cache/stats?target=bob", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", resp["stats"].(map[string]interface{})["target"])
	ctrl.AssertNotCalled(t, "Target")
}

func TestHandleCacheUnavailable(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Target").Return("alice")
	s := newTestServer(ctrl, cache.New(failingStore{}, logging.Discard()))

	w, resp := do(t, s, http.MethodGet, "/cache/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, resp["success"])

	w, _ = do(t, s, http.MethodDelete, "/cache", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCacheWithoutTarget(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Target").Return("")
	s := newTestServer(ctrl, nil)

	w, _ := do(t, s, http.MethodGet, "/cache/stats", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSweep(t *testing.T) {
	ctrl := new(MockController)
	ctrl.On("Sweep", mock.Anything).Return(int64(3), nil)
	s := newTestServer(ctrl, nil)

	w, resp := do(t, s, http.MethodPost, "/cache/sweep", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp["removed"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(new(MockController), nil)

	w, resp := do(t, s, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, resp["success"])

	w, _ = do(t, s, http.MethodDelete, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
