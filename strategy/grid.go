package strategy

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig 网格参数非法。
var ErrInvalidConfig = errors.New("invalid grid config")

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 买为 +1，卖为 -1，用于换算仓位增量。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// SpacingMode 档位间距方式。
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

// Config 网格参数。Spacing/SlideThreshold 为比例（0.005 表示 0.5%）。
type Config struct {
	Spacing        float64
	LevelsPerSide  int
	SlideThreshold float64
	Mode           SpacingMode
	OrderQuantity  float64 // 每档基础数量（基础币）
	OrderNotional  float64 // >0 时按名义价值/价格计算数量
}

// Validate 检查网格参数。
func (c Config) Validate() error {
	if c.Spacing <= 0 || c.Spacing >= 1 {
		return fmt.Errorf("%w: spacing %.6f must be in (0,1)", ErrInvalidConfig, c.Spacing)
	}
	if c.LevelsPerSide <= 0 {
		return fmt.Errorf("%w: levels per side %d must be > 0", ErrInvalidConfig, c.LevelsPerSide)
	}
	if c.SlideThreshold <= 0 {
		return fmt.Errorf("%w: slide threshold %.6f must be > 0", ErrInvalidConfig, c.SlideThreshold)
	}
	if c.Mode != "" && c.Mode != SpacingArithmetic && c.Mode != SpacingGeometric {
		return fmt.Errorf("%w: unknown spacing mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.OrderQuantity <= 0 && c.OrderNotional <= 0 {
		return fmt.Errorf("%w: order quantity or notional must be > 0", ErrInvalidConfig)
	}
	if c.Mode != SpacingGeometric && c.Spacing*float64(c.LevelsPerSide) >= 1 {
		return fmt.Errorf("%w: arithmetic grid reaches zero price (%d levels x %.6f)", ErrInvalidConfig, c.LevelsPerSide, c.Spacing)
	}
	return nil
}

// Level 单个网格档位。Index 为相对中心的带符号偏移：买单为负，卖单为正。
type Level struct {
	Index    int
	Side     Side
	Price    float64
	Quantity float64
}

// Bias 库存偏斜对网格的影响。
type Bias struct {
	BuyMultiplier  float64
	SellMultiplier float64
	AllowBuy       bool
	AllowSell      bool
}

// NeutralBias 无偏斜。
func NeutralBias() Bias {
	return Bias{BuyMultiplier: 1, SellMultiplier: 1, AllowBuy: true, AllowSell: true}
}

// Rounder 把价格/数量对齐到交易对精度；order.SymbolConstraints 实现该接口。
type Rounder interface {
	RoundPrice(price float64, up bool) float64
	RoundQty(qty float64) float64
	Tradable(price, qty float64) bool
}

// Grid 持有网格中心并负责重心调整。只在引擎事件循环中使用。
type Grid struct {
	cfg        Config
	rounder    Rounder
	center     float64
	recentered bool
}

func NewGrid(cfg Config, rounder Rounder) (*Grid, error) {
	if cfg.Mode == "" {
		cfg.Mode = SpacingArithmetic
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Grid{cfg: cfg, rounder: rounder}, nil
}

func (g *Grid) Config() Config { return g.cfg }

// SetConfig 热更新参数；下一次 Compute 视为重心调整，强制整体重建。
func (g *Grid) SetConfig(cfg Config) error {
	if cfg.Mode == "" {
		cfg.Mode = SpacingArithmetic
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Spacing != g.cfg.Spacing || cfg.Mode != g.cfg.Mode || cfg.LevelsPerSide != g.cfg.LevelsPerSide {
		g.recentered = true
	}
	g.cfg = cfg
	return nil
}

func (g *Grid) Center() float64 { return g.center }

// SetCenter 从快照恢复中心价。
func (g *Grid) SetCenter(center float64) { g.center = center }

// Recentered 自上次 MarkSettled 以来中心或间距是否变化。
func (g *Grid) Recentered() bool { return g.recentered }

// ShouldRecenter |ref-center|/center 严格大于阈值时返回 true；尚无中心时也返回 true。
func (g *Grid) ShouldRecenter(ref float64) bool {
	if g.center <= 0 {
		return true
	}
	return math.Abs(ref-g.center)/g.center > g.cfg.SlideThreshold
}

// Compute 先按需调整中心，再围绕中心生成 2*LevelsPerSide 个档位。
// Recentered 标记保持到 MarkSettled。
func (g *Grid) Compute(ref float64, bias Bias) []Level {
	if ref > 0 && !math.IsInf(ref, 0) && g.ShouldRecenter(ref) {
		g.center = ref
		g.recentered = true
	}
	return Levels(g.cfg, g.center, bias, g.rounder)
}

// MarkSettled 清除重建标记；引擎在本轮对账完成后调用。
func (g *Grid) MarkSettled() { g.recentered = false }

// Levels 纯函数：按中心价生成档位，顺序为买 1..N、卖 1..N（由近到远）。
// 数量不足最小下单量的档位保留位置但数量为 0。
func Levels(cfg Config, center float64, bias Bias, rounder Rounder) []Level {
	n := cfg.LevelsPerSide
	levels := make([]Level, 0, 2*n)
	for i := 1; i <= n; i++ {
		levels = append(levels, buildLevel(cfg, center, -i, bias, rounder))
	}
	for i := 1; i <= n; i++ {
		levels = append(levels, buildLevel(cfg, center, i, bias, rounder))
	}
	return levels
}

func buildLevel(cfg Config, center float64, index int, bias Bias, rounder Rounder) Level {
	side := SideSell
	mult, allowed := bias.SellMultiplier, bias.AllowSell
	if index < 0 {
		side = SideBuy
		mult, allowed = bias.BuyMultiplier, bias.AllowBuy
	}
	price := LevelPrice(cfg, center, index)
	if rounder != nil && price > 0 {
		price = rounder.RoundPrice(price, side == SideSell)
	}
	lv := Level{Index: index, Side: side, Price: price}
	if price <= 0 || !allowed || mult <= 0 {
		return lv
	}

	qty := cfg.OrderQuantity
	if cfg.OrderNotional > 0 {
		qty = cfg.OrderNotional / price
	}
	qty *= mult
	if rounder != nil {
		qty = rounder.RoundQty(qty)
		if !rounder.Tradable(price, qty) {
			qty = 0
		}
	}
	if qty > 0 {
		lv.Quantity = qty
	}
	return lv
}

// LevelPrice 计算第 index 档的理论价格（未对齐精度）。
func LevelPrice(cfg Config, center float64, index int) float64 {
	if cfg.Mode == SpacingGeometric {
		return geometricPrice(center, cfg.Spacing, index)
	}
	return center * (1 + cfg.Spacing*float64(index))
}

// Bucket 把价格映射为相对中心的档位序号，作为对账匹配键。
func Bucket(cfg Config, center, price float64) int {
	if center <= 0 || price <= 0 {
		return 0
	}
	if cfg.Mode == SpacingGeometric {
		return geometricBucket(center, cfg.Spacing, price)
	}
	return int(math.Round((price - center) / (center * cfg.Spacing)))
}

// Bucket 使用当前中心与参数计算档位序号。
func (g *Grid) Bucket(price float64) int {
	return Bucket(g.cfg, g.center, price)
}

// TargetPrice 返回当前中心下某档位对齐后的价格。
func (g *Grid) TargetPrice(index int) float64 {
	price := LevelPrice(g.cfg, g.center, index)
	if g.rounder != nil && price > 0 {
		price = g.rounder.RoundPrice(price, index > 0)
	}
	return price
}
