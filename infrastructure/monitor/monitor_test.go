package monitor

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorRecords(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderPlaced()
	m.RecordOrderPlaced()
	m.RecordFill(0.01, 3000, false)
	m.RecordFill(0.02, 3010, true)
	m.UpdateRiskState(true, false)
	m.RecordRiskHalt("stale_market_data")
	m.ObserveREST("place", 20*time.Millisecond, nil)
	m.ObserveREST("place", 30*time.Millisecond, errors.New("boom"))
	m.ObserveStream("user", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fills))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lateFills))
	assert.InDelta(t, 0.03, testutil.ToFloat64(m.tradedVolume), 1e-12)
	assert.InDelta(t, 30+60.2, testutil.ToFloat64(m.tradedNotional), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.emergencyStop))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskHalts.WithLabelValues("stale_market_data")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.restRequests.WithLabelValues("place")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restErrors.WithLabelValues("place")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsConnections.WithLabelValues("user")))
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.UpdateGrid(3000, -0.25)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "mm_grid_grid_center 3000"))
	assert.True(t, strings.Contains(body, "mm_grid_inventory_skew -0.25"))
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.RecordOrderPlaced()
		m.RecordFill(1, 1, false)
		m.UpdatePosition(1, 2, 3)
		m.ObserveREST("x", time.Second, nil)
	})
}
