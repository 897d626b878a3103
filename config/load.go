package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"grid-maker-go/infrastructure/logger"
)

// 运行模式
const (
	ModeDryRun  = "dry-run"
	ModeTestnet = "testnet"
	ModeMainnet = "mainnet"
)

// AppConfig 网格做市的完整配置。百分比字段按百分数填写（0.5 表示 0.5%）。
type AppConfig struct {
	Symbol      string            `yaml:"symbol"`
	Mode        string            `yaml:"mode"`
	Capital     CapitalConfig     `yaml:"capital"`
	Grid        GridConfig        `yaml:"grid"`
	Inventory   InventoryConfig   `yaml:"inventory"`
	Risk        RiskConfig        `yaml:"risk"`
	Market      MarketConfig      `yaml:"market"`
	SymbolRules SymbolRules       `yaml:"symbol_rules"`
	Operational OperationalConfig `yaml:"operational"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Store       StoreConfig       `yaml:"store"`
	Log         logger.Config     `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	Alert       AlertConfig       `yaml:"alert"`
}

type CapitalConfig struct {
	InitialUSDC float64 `yaml:"initial_usdc"`
	Leverage    float64 `yaml:"leverage"`
}

type GridConfig struct {
	SpacingPct        float64 `yaml:"spacing_pct"`
	LevelsPerSide     int     `yaml:"levels_per_side"`
	SlideThresholdPct float64 `yaml:"slide_threshold_pct"`
	SpacingMode       string  `yaml:"spacing_mode"` // arithmetic | geometric
	OrderQuantity     float64 `yaml:"order_quantity"`
	OrderSizeUSDC     float64 `yaml:"order_size_usdc"` // >0 时覆盖 order_quantity
}

type InventoryConfig struct {
	SkewThresholdPct float64 `yaml:"skew_threshold_pct"`
	MaxPosition      float64 `yaml:"max_position"`     // 0 表示由资金推导
	MaxPositionPct   float64 `yaml:"max_position_pct"` // 推导时使用的资金占比
}

type RiskConfig struct {
	MaxLossPct      float64       `yaml:"max_loss_pct"`
	MaxLeverage     float64       `yaml:"max_leverage"`
	MaxPositionSize float64       `yaml:"max_position_size"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	WarnPct         float64       `yaml:"warn_pct"`
}

type MarketConfig struct {
	Reference string  `yaml:"reference"` // mid | last_trade
	Epsilon   float64 `yaml:"epsilon"`
}

// SymbolRules 交易对精度/名义限制（来自 exchangeInfo）。
type SymbolRules struct {
	TickSize    float64 `yaml:"tick_size"`
	StepSize    float64 `yaml:"step_size"`
	MinQty      float64 `yaml:"min_qty"`
	MaxQty      float64 `yaml:"max_qty"`
	MinNotional float64 `yaml:"min_notional"`
}

type OperationalConfig struct {
	DryRun                 bool          `yaml:"dry_run"`
	SnapshotInterval       time.Duration `yaml:"snapshot_interval"`
	AccountRefreshInterval time.Duration `yaml:"account_refresh_interval"`
	ResyncInterval         time.Duration `yaml:"resync_interval"`
	StatusInterval         time.Duration `yaml:"status_interval"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
	EventBuffer            int           `yaml:"event_buffer"`
	PendingGrace           time.Duration `yaml:"pending_grace"`     // resync 时保留未确认新单的时长
	PruneAfter             time.Duration `yaml:"prune_after"`       // 终态订单保留时长
	SimMakerFeePct         float64       `yaml:"sim_maker_fee_pct"` // 演练撮合的挂单手续费
}

type GatewayConfig struct {
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	RESTURL      string  `yaml:"rest_url"`
	WSURL        string  `yaml:"ws_url"`
	RecvWindowMs int64   `yaml:"recv_window_ms"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	MaxRetries   int     `yaml:"max_retries"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // file | pebble | none
	Path   string `yaml:"path"`
}

type APIConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动
}

type AlertConfig struct {
	Throttle time.Duration `yaml:"throttle"`
}

// DryRun mode 为 dry-run 或 operational.dry_run 为真。
func (c AppConfig) DryRun() bool {
	return c.Mode == ModeDryRun || c.Operational.DryRun
}

// Default 返回全部默认值；YAML 中出现的字段覆盖它们。
func Default() AppConfig {
	return AppConfig{
		Symbol:  "ETHUSDC",
		Mode:    ModeDryRun,
		Capital: CapitalConfig{InitialUSDC: 1000, Leverage: 3},
		Grid: GridConfig{
			SpacingPct:        0.5,
			LevelsPerSide:     3,
			SlideThresholdPct: 1.0,
			SpacingMode:       "arithmetic",
			OrderQuantity:     0.01,
		},
		Inventory: InventoryConfig{SkewThresholdPct: 50, MaxPositionPct: 100},
		Risk: RiskConfig{
			MaxLossPct:  20,
			MaxLeverage: 5,
			StaleAfter:  5 * time.Second,
			WarnPct:     75,
		},
		Market:      MarketConfig{Reference: "mid"},
		SymbolRules: SymbolRules{TickSize: 0.01, StepSize: 0.001, MinQty: 0.001, MinNotional: 5},
		Operational: OperationalConfig{
			SnapshotInterval:       30 * time.Second,
			AccountRefreshInterval: 10 * time.Second,
			ResyncInterval:         60 * time.Second,
			StatusInterval:         60 * time.Second,
			ShutdownTimeout:        10 * time.Second,
			EventBuffer:            1024,
			PendingGrace:           5 * time.Second,
			PruneAfter:             10 * time.Minute,
		},
		Gateway: GatewayConfig{RecvWindowMs: 5000, RatePerSec: 5, Burst: 10, MaxRetries: 3},
		Store:   StoreConfig{Driver: "file", Path: "data/state.json"},
		Log:     logger.DefaultConfig(),
		API:     APIConfig{Addr: ":9100"},
		Alert:   AlertConfig{Throttle: time.Minute},
	}
}

// Load 读取 YAML，加载 .env（不覆盖已有环境变量），应用 MM_* 覆盖并校验。
// envFiles 为空时尝试当前目录的 .env，文件不存在不报错；显式指定的文件必须存在。
func Load(path string, envFiles ...string) (AppConfig, error) {
	cfg, err := Parse(path)
	if err != nil {
		return cfg, err
	}
	if err := loadDotEnv(envFiles); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse 只做 YAML 解码与默认值填充，不读环境变量、不校验。
func Parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = ModeDryRun
	}
	return cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load(".env")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("MM_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MM_GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv("MM_MODE"); v != "" {
		cfg.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("MM_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Operational.DryRun = b
		}
	}
}
