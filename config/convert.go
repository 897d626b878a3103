package config

import (
	"grid-maker-go/gateway"
	"grid-maker-go/inventory"
	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

// StrategyConfig 百分数转换为比例。
func (c AppConfig) StrategyConfig() strategy.Config {
	return strategy.Config{
		Spacing:        c.Grid.SpacingPct / 100,
		LevelsPerSide:  c.Grid.LevelsPerSide,
		SlideThreshold: c.Grid.SlideThresholdPct / 100,
		Mode:           strategy.SpacingMode(c.Grid.SpacingMode),
		OrderQuantity:  c.Grid.OrderQuantity,
		OrderNotional:  c.Grid.OrderSizeUSDC,
	}
}

// SkewThreshold 库存偏斜阈值（比例）。
func (c AppConfig) SkewThreshold() float64 { return c.Inventory.SkewThresholdPct / 100 }

// MaxPosition 偏斜计算使用的最大持仓；未配置时按资金·杠杆·占比/价格推导，ref<=0 时返回 0。
func (c AppConfig) MaxPosition(ref float64) float64 {
	if c.Inventory.MaxPosition > 0 {
		return c.Inventory.MaxPosition
	}
	return inventory.MaxPosition(c.Capital.InitialUSDC, c.Capital.Leverage, c.Inventory.MaxPositionPct/100, ref)
}

func (c AppConfig) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxLossPct:      c.Risk.MaxLossPct / 100,
		MaxLeverage:     c.Risk.MaxLeverage,
		MaxPositionSize: c.Risk.MaxPositionSize,
		StaleAfter:      c.Risk.StaleAfter,
		WarnRatio:       c.Risk.WarnPct / 100,
	}
}

func (c AppConfig) MarketConfig() market.StateConfig {
	return market.StateConfig{
		Reference: market.ReferenceSource(c.Market.Reference),
		Epsilon:   c.Market.Epsilon,
	}
}

func (c AppConfig) Constraints() order.SymbolConstraints {
	r := c.SymbolRules
	return order.SymbolConstraints{
		TickSize:    r.TickSize,
		StepSize:    r.StepSize,
		MinQty:      r.MinQty,
		MaxQty:      r.MaxQty,
		MinNotional: r.MinNotional,
	}
}

// BinanceConfig 网关参数；testnet 模式下未显式配置的地址切换到测试网。
func (c AppConfig) BinanceConfig() gateway.BinanceConfig {
	g := c.Gateway
	rest, ws := g.RESTURL, g.WSURL
	if c.Mode == ModeTestnet {
		if rest == "" || rest == gateway.BinanceFuturesRESTEndpoint {
			rest = gateway.BinanceTestnetRESTEndpoint
		}
		if ws == "" || ws == gateway.BinanceFuturesWSEndpoint {
			ws = gateway.BinanceTestnetWSEndpoint
		}
	}
	return gateway.BinanceConfig{
		Symbol:       c.Symbol,
		RESTURL:      rest,
		WSURL:        ws,
		APIKey:       g.APIKey,
		APISecret:    g.APISecret,
		RecvWindowMs: g.RecvWindowMs,
		RatePerSec:   g.RatePerSec,
		Burst:        g.Burst,
		MaxRetries:   g.MaxRetries,
		EventBuffer:  c.Operational.EventBuffer,
	}
}

// Tunables 运行中可安全替换的参数子集。
type Tunables struct {
	Grid          strategy.Config
	SkewThreshold float64
	MaxPosition   float64 // 0 表示按参考价推导
	Limits        risk.Limits
}

func (c AppConfig) Tunables() Tunables {
	return Tunables{
		Grid:          c.StrategyConfig(),
		SkewThreshold: c.SkewThreshold(),
		MaxPosition:   c.Inventory.MaxPosition,
		Limits:        c.RiskLimits(),
	}
}
