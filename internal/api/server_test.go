package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crank/pkg/interfaces"
	"crank/pkg/types"
)

type mockStatus struct {
	census   types.Census
	progress types.Progress
	faults   int64
}

func (m *mockStatus) Census() types.Census     { return m.census }
func (m *mockStatus) Progress() types.Progress { return m.progress }
func (m *mockStatus) Report() types.Report {
	return types.Report{
		Endpoint:  "ws://target/ws",
		Requested: m.progress.Requested,
		RampState: m.progress.State,
		Census:    m.census,
		Faults:    m.faults,
	}
}

type mockRecorder struct {
	healthErr error
}

var _ interfaces.RunRecorder = (*mockRecorder)(nil)

func (m *mockRecorder) BeginRun(context.Context, string, int, int, int64) (string, error) {
	return "run", nil
}
func (m *mockRecorder) RecordBatch(context.Context, string, types.BatchResult) error { return nil }
func (m *mockRecorder) FinishRun(context.Context, string, types.Report) error        { return nil }
func (m *mockRecorder) HealthCheck(context.Context) error                            { return m.healthErr }
func (m *mockRecorder) Close() error                                                 { return nil }

func newTestServer(recorder interfaces.RunRecorder) (*Server, *mockStatus) {
	status := &mockStatus{
		census: types.Census{Active: 8, Closed: 1, Errored: 1, Inactive: 2, Total: 10},
		progress: types.Progress{
			State:      types.RampRamping,
			Requested:  20,
			Launched:   12,
			Registered: 10,
			Failed:     2,
			Batches:    3,
			Elapsed:    2 * time.Second,
		},
		faults: 1,
	}
	return NewServer(status, recorder, nil), status
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestServer_Census(t *testing.T) {
	s, status := newTestServer(nil)

	w := do(t, s, http.MethodGet, "/api/census")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got types.Census
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, status.census, got)
}

func TestServer_Progress(t *testing.T) {
	s, _ := newTestServer(nil)

	w := do(t, s, http.MethodGet, "/api/progress")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "ramping", got["state"])
	assert.EqualValues(t, 20, got["requested"])
	assert.EqualValues(t, 10, got["registered"])
	assert.EqualValues(t, 2, got["failed"])
	assert.EqualValues(t, 3, got["batches"])
}

func TestServer_Report(t *testing.T) {
	s, _ := newTestServer(nil)

	w := do(t, s, http.MethodGet, "/api/report")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "ws://target/ws", got["endpoint"])
	assert.Equal(t, "ramping", got["ramp_state"])
}

func TestServer_HealthWithoutRunLog(t *testing.T) {
	s, _ := newTestServer(nil)

	w := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var got HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "healthy", got.Status)
	assert.Equal(t, "disabled", got.RunLog)
	assert.Equal(t, 8, got.Census.Active)
	assert.Contains(t, got.System, "goroutines")
	assert.EqualValues(t, 1, got.System["faults"])
}

func TestServer_HealthRunLogStates(t *testing.T) {
	s, _ := newTestServer(&mockRecorder{})
	w := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	s, _ = newTestServer(&mockRecorder{healthErr: errors.New("disk I/O error")})
	w = do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var got HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "unhealthy", got.Status)
	assert.Equal(t, "error: disk I/O error", got.RunLog)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(nil)

	for _, path := range []string{"/health", "/api/census", "/api/progress", "/api/report"} {
		w := do(t, s, http.MethodPost, path)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, path)

		var got ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, http.StatusMethodNotAllowed, got.Code)
		assert.Equal(t, "Method not allowed", got.Message)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(nil)

	w := do(t, s, http.MethodOptions, "/api/census")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Zero(t, w.Body.Len())
}

func TestServer_UnknownRoute(t *testing.T) {
	s, _ := newTestServer(nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/sessions").Code)
}
