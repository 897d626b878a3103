package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/gateway"
	"grid-maker-go/strategy"
)

const sampleConfig = `
symbol: ethusdc
mode: mainnet
capital: {initial_usdc: 1000, leverage: 3}
grid:
  spacing_pct: 0.5
  levels_per_side: 3
  slide_threshold_pct: 1.0
  spacing_mode: arithmetic
  order_quantity: 0.01
inventory: {skew_threshold_pct: 50, max_position: 0, max_position_pct: 100}
risk: {max_loss_pct: 20, max_leverage: 5, max_position_size: 1, stale_after: 5s}
market: {reference: mid}
symbol_rules: {tick_size: 0.01, step_size: 0.001, min_qty: 0.001, min_notional: 5}
operational: {snapshot_interval: 30s, shutdown_timeout: 10s, event_buffer: 256}
gateway: {api_key: foo, api_secret: bar}
store: {driver: pebble, path: data/state}
log: {level: debug, outputs: [stdout], format: console}
api: {addr: "127.0.0.1:9100"}
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// 不读取工作目录中的 .env
func noEnvFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.env")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig), noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDC", cfg.Symbol)
	assert.Equal(t, ModeMainnet, cfg.Mode)
	assert.False(t, cfg.DryRun())
	assert.Equal(t, 5*time.Second, cfg.Risk.StaleAfter)
	assert.Equal(t, 256, cfg.Operational.EventBuffer)
	assert.Equal(t, "pebble", cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未出现的字段保留默认值
	assert.Equal(t, 60*time.Second, cfg.Operational.ResyncInterval)
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)

	sc := cfg.StrategyConfig()
	assert.InDelta(t, 0.005, sc.Spacing, 1e-12)
	assert.InDelta(t, 0.01, sc.SlideThreshold, 1e-12)
	assert.Equal(t, strategy.SpacingArithmetic, sc.Mode)
	assert.InDelta(t, 0.5, cfg.SkewThreshold(), 1e-12)

	lim := cfg.RiskLimits()
	assert.InDelta(t, 0.2, lim.MaxLossPct, 1e-12)
	assert.InDelta(t, 0.75, lim.WarnRatio, 1e-12)
	require.NoError(t, lim.Validate())

	// 1000*3*1.0/3000
	assert.InDelta(t, 1.0, cfg.MaxPosition(3000), 1e-12)
	assert.Equal(t, 0.0, cfg.MaxPosition(0))
}

func TestLoadEnvOverrides(t *testing.T) {
	env := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(env, []byte("MM_GATEWAY_API_KEY=file-key\nMM_GATEWAY_API_SECRET=file-secret\nMM_DRY_RUN=true\n"), 0o644))
	// 真实环境变量优先于 .env
	t.Setenv("MM_GATEWAY_API_KEY", "env-key")
	t.Setenv("MM_GATEWAY_API_SECRET", "")
	t.Setenv("MM_MODE", "Testnet")
	t.Cleanup(func() { os.Unsetenv("MM_DRY_RUN") })

	cfg, err := Load(writeTempConfig(t, sampleConfig), env)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Gateway.APIKey)
	assert.Equal(t, ModeTestnet, cfg.Mode)
	assert.True(t, cfg.Operational.DryRun)
	assert.True(t, cfg.DryRun())

	bc := cfg.BinanceConfig()
	assert.Equal(t, gateway.BinanceTestnetRESTEndpoint, bc.RESTURL)
	assert.Equal(t, gateway.BinanceTestnetWSEndpoint, bc.WSURL)
	assert.Equal(t, "ETHUSDC", bc.Symbol)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, err := Load(writeTempConfig(t, sampleConfig), filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() AppConfig {
		cfg := Default()
		cfg.Mode = ModeMainnet
		cfg.Gateway.APIKey = "k"
		cfg.Gateway.APISecret = "s"
		return cfg
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*AppConfig)
		msg    string
	}{
		{"网格间距为零", func(c *AppConfig) { c.Grid.SpacingPct = 0 }, "grid.spacing_pct must be > 0"},
		{"档位数为零", func(c *AppConfig) { c.Grid.LevelsPerSide = 0 }, "grid.levels_per_side"},
		{"等差网格触及零价", func(c *AppConfig) { c.Grid.SpacingPct = 40 }, "grid:"},
		{"未知间距模式", func(c *AppConfig) { c.Grid.SpacingMode = "log" }, "grid:"},
		{"偏斜阈值越界", func(c *AppConfig) { c.Inventory.SkewThresholdPct = 100 }, "skew_threshold_pct"},
		{"最大亏损越界", func(c *AppConfig) { c.Risk.MaxLossPct = 120 }, "risk:"},
		{"未知模式", func(c *AppConfig) { c.Mode = "paper" }, "mode"},
		{"实盘缺少密钥", func(c *AppConfig) { c.Gateway.APISecret = "" }, "api_secret"},
		{"未知参考价", func(c *AppConfig) { c.Market.Reference = "vwap" }, "market.reference"},
		{"tick 为零", func(c *AppConfig) { c.SymbolRules.TickSize = 0 }, "tick_size"},
		{"存储缺少路径", func(c *AppConfig) { c.Store.Path = "" }, "store.path"},
		{"未知存储", func(c *AppConfig) { c.Store.Driver = "redis" }, "store.driver"},
		{"演练手续费为负", func(c *AppConfig) { c.Operational.SimMakerFeePct = -0.01 }, "sim_maker_fee_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	// dry-run 不要求密钥
	cfg := Default()
	require.NoError(t, Validate(cfg))
}
