package container

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/config"
	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/internal/engine"
	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/sim"
)

type feed chan market.Snapshot

func (f feed) SubscribeOrderBook(context.Context, string) (<-chan market.Snapshot, error) {
	return f, nil
}

func testAppConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Store.Driver = "none"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Operational.StatusInterval = 0
	cfg.Operational.ResyncInterval = 0
	return cfg
}

func snapshot(bid, ask float64) market.Snapshot {
	return market.Snapshot{
		Symbol: "ETHUSDC",
		Bids:   []market.Level{{Price: bid, Quantity: 5}},
		Asks:   []market.Level{{Price: ask, Quantity: 5}},
		Time:   time.Now(),
	}
}

func TestContainerRunWithSimExchange(t *testing.T) {
	books := make(feed, 8)
	ex := sim.NewExchange(sim.Config{Symbol: "ETHUSDC", InitialEquity: 1000}, books, nil)
	defer ex.Close()

	c := New(testAppConfig(), "", WithExchange(ex), WithLogger(logger.NewNop()))
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.Engine().State() == engine.StateRunning && c.APIAddr() != ""
	}, 2*time.Second, 10*time.Millisecond)
	books <- snapshot(2999.5, 3000.5)

	base := "http://" + c.APIAddr()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st struct {
			LiveOrders []json.RawMessage `json:"live_orders"`
		}
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return len(st.LiveOrders) == 6
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, c.HealthCheck())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not stop")
	}
	assert.Equal(t, engine.StateStopped, c.Engine().State())
	assert.Error(t, c.HealthCheck())

	_, err = http.Get(base + "/health")
	assert.Error(t, err, "api server should be closed")
}

func TestContainerBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
		want   string
	}{
		{"实盘缺少密钥", func(c *config.AppConfig) { c.Mode = config.ModeMainnet }, "api key"},
		{"未知存储驱动", func(c *config.AppConfig) { c.Store.Driver = "redis" }, "unknown store driver"},
		{"网格层数非法", func(c *config.AppConfig) { c.Grid.LevelsPerSide = 0 }, "create engine failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testAppConfig()
			tt.mutate(&cfg)
			err := New(cfg, "", WithLogger(logger.NewNop())).Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestContainerRunNotBuilt(t *testing.T) {
	err := New(testAppConfig(), "").Run(context.Background())
	assert.EqualError(t, err, "container not built")
}

func TestContainerHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(spacing string) {
		body := "symbol: ETHUSDC\nmode: dry-run\ngrid:\n  spacing_pct: " + spacing + "\n  levels_per_side: 3\n  order_quantity: 0.01\nstore:\n  driver: none\napi:\n  addr: \"\"\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("0.5")
	cfg, err := config.Parse(path)
	require.NoError(t, err)

	books := make(feed, 8)
	ex := sim.NewExchange(sim.Config{Symbol: "ETHUSDC", InitialEquity: 1000}, books, nil)
	defer ex.Close()
	mock := alert.NewMockChannel("mock")

	c := New(cfg, path, WithExchange(ex), WithLogger(logger.NewNop()), WithAlertChannels(mock))
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.HealthCheck() == nil }, 2*time.Second, 10*time.Millisecond)
	books <- snapshot(2999.5, 3000.5)

	liveOrders := func() []order.Order {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		st, err := c.Engine().Status(sctx)
		if err != nil {
			return nil
		}
		return st.LiveOrders
	}
	require.Eventually(t, func() bool { return len(liveOrders()) == 6 }, 2*time.Second, 20*time.Millisecond)

	write("1.0")
	require.Eventually(t, func() bool {
		for _, o := range liveOrders() {
			if o.Price == 2970 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not stop")
	}
}

type stubComponent struct {
	name     string
	startErr error
	started  bool
	stopped  bool
	calls    *[]string
}

func (s *stubComponent) Name() string { return s.name }

func (s *stubComponent) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	*s.calls = append(*s.calls, "start:"+s.name)
	return nil
}

func (s *stubComponent) Stop() error {
	s.stopped = true
	*s.calls = append(*s.calls, "stop:"+s.name)
	return nil
}

func (s *stubComponent) Health() error {
	if !s.started || s.stopped {
		return errors.New("down")
	}
	return nil
}

func TestLifecycleManager(t *testing.T) {
	var calls []string
	a := &stubComponent{name: "a", calls: &calls}
	b := &stubComponent{name: "b", calls: &calls}
	m := NewLifecycleManager()
	m.Register(a)
	m.Register(b)

	require.NoError(t, m.StartAll(context.Background()))
	assert.NoError(t, m.CheckHealth())
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, calls)

	err := m.CheckHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b unhealthy")
}

func TestLifecycleManagerRollback(t *testing.T) {
	var calls []string
	a := &stubComponent{name: "a", calls: &calls}
	b := &stubComponent{name: "b", calls: &calls, startErr: errors.New("boom")}
	m := NewLifecycleManager()
	m.Register(a)
	m.Register(b)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.True(t, a.stopped)
	assert.Equal(t, []string{"start:a", "stop:a"}, calls)
}

func TestRunnerComponent(t *testing.T) {
	t.Run("取消后正常退出", func(t *testing.T) {
		r := &runnerComponent{name: "loop", logger: logger.NewNop(), run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}}
		assert.Error(t, r.Health())
		require.NoError(t, r.Start(context.Background()))
		assert.NoError(t, r.Health())
		assert.NoError(t, r.Stop())
		assert.Error(t, r.Health())
	})

	t.Run("提前退出视为不健康", func(t *testing.T) {
		r := &runnerComponent{name: "loop", logger: logger.NewNop(), run: func(context.Context) error {
			return errors.New("watch failed")
		}}
		require.NoError(t, r.Start(context.Background()))
		require.Eventually(t, func() bool { return r.Health() != nil }, time.Second, 5*time.Millisecond)
		assert.Contains(t, r.Health().Error(), "watch failed")
		err := r.Stop()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "watch failed")
	})
}

func TestHTTPServerComponentPortInUse(t *testing.T) {
	first := &httpServerComponent{name: "a", addr: "127.0.0.1:0", handler: http.NotFoundHandler(), logger: logger.NewNop()}
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := &httpServerComponent{name: "b", addr: first.Addr(), handler: http.NotFoundHandler(), logger: logger.NewNop()}
	assert.Error(t, second.Start(context.Background()))
	assert.Error(t, second.Health())
}
