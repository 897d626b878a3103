package config

import (
	"errors"
	"fmt"

	"grid-maker-go/market"
)

// ErrInvalid 配置校验失败。
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate 检查启动所需的全部字段，返回第一个错误。
func Validate(cfg AppConfig) error {
	if cfg.Symbol == "" {
		return invalid("symbol is required")
	}
	switch cfg.Mode {
	case ModeDryRun, ModeTestnet, ModeMainnet:
	default:
		return invalid("mode %q must be one of dry-run, testnet, mainnet", cfg.Mode)
	}
	if cfg.Capital.InitialUSDC <= 0 {
		return invalid("capital.initial_usdc must be > 0")
	}
	if cfg.Capital.Leverage <= 0 {
		return invalid("capital.leverage must be > 0")
	}
	if err := validateTunables(cfg); err != nil {
		return err
	}
	if cfg.Inventory.MaxPosition < 0 {
		return invalid("inventory.max_position must be >= 0")
	}
	if cfg.Inventory.MaxPosition == 0 && cfg.Inventory.MaxPositionPct <= 0 {
		return invalid("inventory.max_position_pct must be > 0 when max_position is not set")
	}
	switch market.ReferenceSource(cfg.Market.Reference) {
	case market.ReferenceMid, market.ReferenceLastTrade:
	default:
		return invalid("market.reference %q must be mid or last_trade", cfg.Market.Reference)
	}
	if cfg.Market.Epsilon < 0 {
		return invalid("market.epsilon must be >= 0")
	}
	r := cfg.SymbolRules
	if r.TickSize <= 0 {
		return invalid("symbol_rules.tick_size must be > 0")
	}
	if r.StepSize <= 0 {
		return invalid("symbol_rules.step_size must be > 0")
	}
	if r.MinQty < 0 || r.MaxQty < 0 || r.MinNotional < 0 {
		return invalid("symbol_rules bounds must be >= 0")
	}
	if r.MaxQty > 0 && r.MaxQty < r.MinQty {
		return invalid("symbol_rules.max_qty must be >= min_qty")
	}
	op := cfg.Operational
	if op.SnapshotInterval < 0 || op.AccountRefreshInterval < 0 || op.ResyncInterval < 0 || op.StatusInterval < 0 {
		return invalid("operational intervals must be >= 0")
	}
	if op.ShutdownTimeout <= 0 {
		return invalid("operational.shutdown_timeout must be > 0")
	}
	if op.EventBuffer <= 0 {
		return invalid("operational.event_buffer must be > 0")
	}
	if op.SimMakerFeePct < 0 || op.SimMakerFeePct >= 1 {
		return invalid("operational.sim_maker_fee_pct must be in [0,1)")
	}
	if !cfg.DryRun() && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return invalid("gateway.api_key/api_secret is required outside dry-run (or MM_GATEWAY_API_KEY/MM_GATEWAY_API_SECRET)")
	}
	if cfg.Gateway.MaxRetries < 0 {
		return invalid("gateway.max_retries must be >= 0")
	}
	switch cfg.Store.Driver {
	case "", "none":
	case "file", "pebble":
		if cfg.Store.Path == "" {
			return invalid("store.path is required for driver %s", cfg.Store.Driver)
		}
	default:
		return invalid("store.driver %q must be file, pebble or none", cfg.Store.Driver)
	}
	return nil
}

// validateTunables 校验可热更新的字段，Watcher 重载时复用。
func validateTunables(cfg AppConfig) error {
	g := cfg.Grid
	if g.SpacingPct <= 0 {
		return invalid("grid.spacing_pct must be > 0")
	}
	if g.LevelsPerSide <= 0 {
		return invalid("grid.levels_per_side must be > 0")
	}
	if g.SlideThresholdPct <= 0 {
		return invalid("grid.slide_threshold_pct must be > 0")
	}
	if g.OrderQuantity <= 0 && g.OrderSizeUSDC <= 0 {
		return invalid("grid.order_quantity or grid.order_size_usdc must be > 0")
	}
	if err := cfg.StrategyConfig().Validate(); err != nil {
		return fmt.Errorf("%w: grid: %v", ErrInvalid, err)
	}
	if t := cfg.Inventory.SkewThresholdPct; t < 0 || t >= 100 {
		return invalid("inventory.skew_threshold_pct must be in [0,100)")
	}
	if err := cfg.RiskLimits().Validate(); err != nil {
		return fmt.Errorf("%w: risk: %v", ErrInvalid, err)
	}
	return nil
}
