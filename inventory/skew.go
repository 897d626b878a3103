package inventory

import "math"

// Skew 根据净仓相对上限的比例计算库存偏斜，范围 [-1, 1]。
// |net|/max 不超过 threshold 时为 0（死区）；超过后线性映射到 (0, 1]：
//
//	skew = sign(net) * min(1, (r - threshold) / (1 - threshold))
//
// threshold 为比例（0.5 表示 50%）。
func Skew(net, maxPosition, threshold float64) float64 {
	if maxPosition <= 0 || net == 0 {
		return 0
	}
	if threshold < 0 {
		threshold = 0
	}
	if threshold >= 1 {
		return 0
	}
	r := math.Abs(net) / maxPosition
	if r <= threshold {
		return 0
	}
	s := math.Min(1, (r-threshold)/(1-threshold))
	if net < 0 {
		return -s
	}
	return s
}

// Multipliers 返回买/卖两侧的下单量系数：多头时缩小买单、放大卖单。
func Multipliers(skew float64) (buy float64, sell float64) {
	skew = math.Max(-1, math.Min(1, skew))
	return 1 - skew, 1 + skew
}

// MaxPosition 由资金、杠杆与占比推导最大持仓（基础币数量）。
// pct 为比例（1.0 表示 100%）。
func MaxPosition(capital, leverage, pct, price float64) float64 {
	if capital <= 0 || leverage <= 0 || pct <= 0 || price <= 0 {
		return 0
	}
	return capital * leverage * pct / price
}

// Allowed 判断在当前净仓下是否还能继续买入/卖出。
// maxPosition <= 0 视为未设置上限。
func Allowed(net, maxPosition float64) (buy bool, sell bool) {
	if maxPosition <= 0 {
		return true, true
	}
	return net < maxPosition, net > -maxPosition
}
