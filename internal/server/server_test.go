package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/flight"
	"github.com/xkilldash9x/airport/internal/service"
)

// MockRunController is a mock implementation of RunController.
type MockRunController struct {
	mock.Mock

	mu        sync.Mutex
	listeners []func(service.Event)
}

func (m *MockRunController) Start(goal string, maxSteps int) (service.RunInfo, error) {
	args := m.Called(goal, maxSteps)
	return args.Get(0).(service.RunInfo), args.Error(1)
}

func (m *MockRunController) Status(runID string) (service.Status, error) {
	args := m.Called(runID)
	return args.Get(0).(service.Status), args.Error(1)
}

func (m *MockRunController) Resume(runID, reply string) error {
	return m.Called(runID, reply).Error(0)
}

func (m *MockRunController) Stop(runID string) error {
	return m.Called(runID).Error(0)
}

func (m *MockRunController) RemoteClick(x, y float64) error {
	return m.Called(x, y).Error(0)
}

func (m *MockRunController) Subscribe(fn func(service.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	return func() {}
}

func (m *MockRunController) emit(ev service.Event) {
	m.mu.Lock()
	fns := append([]func(service.Event){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type serverFixture struct {
	runs     *MockRunController
	recorder *flight.Recorder
	results  string
	server   *Server
	http     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	results := t.TempDir()
	rec, err := flight.NewRecorder(filepath.Join(results, "flights"), logger)
	require.NoError(t, err)

	runs := new(MockRunController)
	srv := New(config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		config.ResultsConfig{Root: results}, runs, rec, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return &serverFixture{runs: runs, recorder: rec, results: results, server: srv, http: ts}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) (*http.Response, CommandResponse) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out CommandResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func dataMap(t *testing.T, resp CommandResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestHandlers_Healthz(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestHandlers_Start(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newServerFixture(t)
		f.runs.On("Start", "find earbuds", 0).
			Return(service.RunInfo{RunID: "r1", FlightID: "flight_1", Goal: "find earbuds", MaxSteps: 15}, nil).Once()

		resp, out := f.do(t, http.MethodPost, "/api/react", `{"goal":"find earbuds"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "accepted", out.Status)
		data := dataMap(t, out)
		assert.Equal(t, "ReAct Agent started", data["message"])
		assert.Equal(t, "r1", data["run_id"])
		assert.Equal(t, "flight_1", data["flight_id"])
		f.runs.AssertExpectations(t)
	})

	t.Run("conflict while a run is active", func(t *testing.T) {
		f := newServerFixture(t)
		f.runs.On("Start", "again", 5).Return(service.RunInfo{}, agent.ErrRunActive).Once()

		resp, out := f.do(t, http.MethodPost, "/api/react", `{"goal":"again","max_steps":5}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "error", out.Status)
		assert.Contains(t, out.Error, "already active")
	})

	t.Run("validation", func(t *testing.T) {
		f := newServerFixture(t)
		for _, body := range []string{`{"goal":"  "}`, `{"goal":"x","max_steps":-1}`, `not json`} {
			resp, out := f.do(t, http.MethodPost, "/api/react", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			assert.NotEmpty(t, out.Error)
		}
		f.runs.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	})
}

func TestHandlers_Status(t *testing.T) {
	f := newServerFixture(t)
	f.runs.On("Status", "").Return(service.Status{
		RunID:        "r1",
		Running:      true,
		AwaitingUser: true,
		Question:     "Which size?",
		Steps:        []service.StepView{{Step: 1, Action: schemas.ActionAskUser}},
		Screenshot:   "/static/results/react_screenshots/step_1.png",
	}, nil).Once()
	f.runs.On("Status", "missing").Return(service.Status{}, agent.ErrRunNotFound).Once()

	resp, out := f.do(t, http.MethodGet, "/api/react/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataMap(t, out)
	assert.Equal(t, true, data["awaiting_user"])
	assert.Equal(t, "Which size?", data["question"])
	assert.Len(t, data["steps"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/react/status?run_id=missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlers_ResumeStopClick(t *testing.T) {
	f := newServerFixture(t)
	f.runs.On("Resume", "", "size 42").Return(nil).Once()
	f.runs.On("Resume", "", "again").Return(agent.ErrNotAwaitingUser).Once()
	f.runs.On("Stop", "").Return(nil).Once()
	f.runs.On("Stop", "r9").Return(nil).Once()
	f.runs.On("RemoteClick", 100.0, 200.0).Return(nil).Once()
	f.runs.On("RemoteClick", 1.0, 2.0).Return(agent.ErrNoActiveRun).Once()

	resp, out := f.do(t, http.MethodPost, "/api/react/resume", `{"response":"size 42"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Agent resumed", dataMap(t, out)["message"])

	resp, _ = f.do(t, http.MethodPost, "/api/react/resume", `{"response":"again"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = f.do(t, http.MethodPost, "/api/react/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Stop signal sent", dataMap(t, out)["message"])

	resp, _ = f.do(t, http.MethodPost, "/api/react/stop", `{"run_id":"r9"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = f.do(t, http.MethodPost, "/api/remote/click", `{"x":100,"y":200}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Click queued", dataMap(t, out)["message"])

	resp, out = f.do(t, http.MethodPost, "/api/remote/click", `{"x":1,"y":2}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No active browser session", out.Error)

	resp, _ = f.do(t, http.MethodPost, "/api/remote/click", `{"x":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.runs.AssertExpectations(t)
}

func TestHandlers_Flights(t *testing.T) {
	f := newServerFixture(t)

	resp, out := f.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "No logs yet.", dataMap(t, out)["logs"])

	id, err := f.recorder.StartFlight("find earbuds")
	require.NoError(t, err)
	require.NoError(t, f.recorder.Log(id, schemas.EventSystem, "ReAct Agent started with goal: find earbuds"))
	require.NoError(t, f.recorder.Log(id, schemas.EventAction, "click: Clicked at (1, 2)"))

	resp, out = f.do(t, http.MethodGet, "/api/flights", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, dataMap(t, out)["count"])

	resp, out = f.do(t, http.MethodGet, "/api/flights/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := dataMap(t, out)
	assert.Len(t, detail["logs"], 2)
	meta := detail["metadata"].(map[string]interface{})
	assert.Equal(t, string(schemas.FlightInProgress), meta["status"])

	resp, _ = f.do(t, http.MethodGet, "/api/flights/flight_missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out = f.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := dataMap(t, out)["logs"].(string)
	assert.Contains(t, logs, "SYSTEM: ReAct Agent started with goal: find earbuds")
	assert.Contains(t, logs, "ACTION: click: Clicked at (1, 2)")
}

func TestServer_StaticResults(t *testing.T) {
	f := newServerFixture(t)
	dir := filepath.Join(f.results, "react_screenshots")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "step_1.png"), []byte("png-bytes"), 0o644))

	resp, err := http.Get(f.http.URL + "/static/results/react_screenshots/step_1.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Equal([]byte("png-bytes"), body))
}

func TestServer_CORS(t *testing.T) {
	f := newServerFixture(t)

	req, _ := http.NewRequest(http.MethodOptions, f.http.URL+"/api/react", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodOptions, f.http.URL+"/api/react", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_ServeShutsDownOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	runs := new(MockRunController)
	srv := New(config.ServerConfig{ShutdownTimeout: time.Second, AllowedOrigins: []string{"*"}},
		config.ResultsConfig{}, runs, nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/flights")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
