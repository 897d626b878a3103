package inventory

import "math"

// flatEpsilon 低于该数量的净仓视为平仓，避免浮点残留。
const flatEpsilon = 1e-12

// Position 维护净仓位、加权开仓均价与盈亏。
// 只在成交回报时由订单管理器修改。
type Position struct {
	NetQuantity       float64 `json:"net_quantity"`
	AverageEntryPrice float64 `json:"average_entry_price"`
	RealizedPnL       float64 `json:"realized_pnl"` // 已扣除手续费
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	Fees              float64 `json:"fees"` // 累计手续费，返佣为负
}

// ApplyFill 按成交数量（买为正、卖为负）调整仓位并扣除手续费，返回本次实现的净盈亏。
func (p *Position) ApplyFill(deltaQty, price, fee float64) float64 {
	if deltaQty == 0 {
		return 0
	}
	p.Fees += fee
	p.RealizedPnL -= fee
	net := p.NetQuantity
	// 同向加仓或从零开仓：加权平均成本
	if net == 0 || sameSign(net, deltaQty) {
		total := math.Abs(net) + math.Abs(deltaQty)
		p.AverageEntryPrice = (math.Abs(net)*p.AverageEntryPrice + math.Abs(deltaQty)*price) / total
		p.NetQuantity = net + deltaQty
		return -fee
	}

	// 反向成交：先平掉已有仓位
	closing := math.Min(math.Abs(deltaQty), math.Abs(net))
	realized := closing * (price - p.AverageEntryPrice) * sign(net)
	p.RealizedPnL += realized
	p.NetQuantity = net + deltaQty

	switch {
	case math.Abs(p.NetQuantity) < flatEpsilon:
		p.NetQuantity = 0
		p.AverageEntryPrice = 0
		p.UnrealizedPnL = 0
	case !sameSign(p.NetQuantity, net):
		// 反手：剩余部分按成交价开新仓
		p.AverageEntryPrice = price
	}
	return realized - fee
}

// MarkToMarket 用参考价重新计算未实现盈亏。
func (p *Position) MarkToMarket(ref float64) {
	if p.NetQuantity == 0 || ref <= 0 || p.AverageEntryPrice <= 0 {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = (ref - p.AverageEntryPrice) * p.NetQuantity
}

// Notional 返回按参考价计算的仓位名义价值（绝对值）。
func (p Position) Notional(ref float64) float64 {
	return math.Abs(p.NetQuantity) * ref
}

// TotalPnL 已实现 + 未实现。
func (p Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
