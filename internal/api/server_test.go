package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/infrastructure/monitor"
	"grid-maker-go/internal/engine"
	"grid-maker-go/risk"
)

type fakeController struct {
	status   engine.Status
	err      error
	rebase   *bool
	stopNote string
	stopped  bool
	cleared  bool
	clearErr error
}

func (f *fakeController) Status(context.Context) (engine.Status, error) { return f.status, f.err }

func (f *fakeController) ResetRisk(_ context.Context, rebase bool) (risk.State, error) {
	if f.err != nil {
		return risk.State{}, f.err
	}
	f.rebase = &rebase
	f.status.Risk.EmergencyStop = false
	return f.status.Risk, nil
}

func (f *fakeController) EmergencyStop(_ context.Context, note string) error {
	if f.err != nil {
		return f.err
	}
	f.stopped = true
	f.stopNote = note
	return nil
}

func (f *fakeController) ClearSnapshot(context.Context) error {
	f.cleared = true
	return f.clearErr
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name string
		ctrl *fakeController
		code int
	}{
		{"运行中", &fakeController{status: engine.Status{State: engine.StateRunning}}, http.StatusOK},
		{"暂停报价仍视为存活", &fakeController{status: engine.Status{State: engine.StateRunning, Halted: true, HaltReason: risk.ReasonStaleMarketData}}, http.StatusOK},
		{"紧急停止", &fakeController{status: engine.Status{State: engine.StateRunning, Risk: risk.State{EmergencyStop: true}}}, http.StatusServiceUnavailable},
		{"引擎未运行", &fakeController{err: engine.ErrNotRunning}, http.StatusServiceUnavailable},
		{"事件循环超时", &fakeController{err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewServer(tt.ctrl, nil, nil).Handler(), http.MethodGet, "/health", "")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{status: engine.Status{
		Symbol:     "ETHUSDC",
		State:      engine.StateRunning,
		GridCenter: 3000,
		Risk:       risk.NewState(1000),
	}}
	rec := do(t, NewServer(ctrl, nil, nil).Handler(), http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ETHUSDC", got["symbol"])
	assert.Equal(t, "RUNNING", got["state"])
	assert.Equal(t, 3000.0, got["grid_center"])

	rec = do(t, NewServer(ctrl, nil, nil).Handler(), http.MethodPost, "/api/v1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRiskReset(t *testing.T) {
	ctrl := &fakeController{status: engine.Status{Risk: risk.State{InitialCapital: 1000, EmergencyStop: true}}}
	h := NewServer(ctrl, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/risk/reset?rebase=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ctrl.rebase)
	assert.True(t, *ctrl.rebase)

	var st risk.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.False(t, st.EmergencyStop)

	rec = do(t, h, http.MethodPost, "/api/v1/risk/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *ctrl.rebase)

	rec = do(t, h, http.MethodPost, "/api/v1/risk/reset?rebase=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskStop(t *testing.T) {
	ctrl := &fakeController{}
	h := NewServer(ctrl, nil, nil).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/risk/stop", `{"note":"exchange maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.stopped)
	assert.Equal(t, "exchange maintenance", ctrl.stopNote)

	// 空请求体也可以
	ctrl.stopped = false
	rec = do(t, h, http.MethodPost, "/api/v1/risk/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.stopped)

	rec = do(t, h, http.MethodPost, "/api/v1/risk/stop", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ctrl.err = engine.ErrNotRunning
	rec = do(t, h, http.MethodPost, "/api/v1/risk/stop", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClearSnapshot(t *testing.T) {
	ctrl := &fakeController{}
	h := NewServer(ctrl, nil, nil).Handler()

	rec := do(t, h, http.MethodDelete, "/api/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.cleared)

	ctrl.clearErr = errors.New("disk full")
	rec = do(t, h, http.MethodDelete, "/api/v1/snapshot", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "disk full", body.Message)
}

func TestMetricsRoute(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	mon.RecordOrderPlaced()
	h := NewServer(&fakeController{}, mon.Handler(), nil).Handler()

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mm_grid_orders_placed_total 1")

	rec = do(t, NewServer(&fakeController{}, nil, nil).Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
