package risk

import (
	"fmt"
	"time"
)

// defaultWarnRatio 达到上限的该比例时开始预警。
const defaultWarnRatio = 0.75

// Limits 风控阈值。百分比字段均为比例（0.2 表示 20%）。
type Limits struct {
	MaxLossPct      float64
	MaxLeverage     float64
	MaxPositionSize float64 // 基础币数量，0 表示不限制
	StaleAfter      time.Duration
	WarnRatio       float64
}

// Validate 检查阈值是否合理。
func (l Limits) Validate() error {
	if l.MaxLossPct <= 0 || l.MaxLossPct >= 1 {
		return fmt.Errorf("%w: max loss pct %.4f must be in (0,1)", ErrInvalidLimits, l.MaxLossPct)
	}
	if l.MaxLeverage <= 0 {
		return fmt.Errorf("%w: max leverage %.4f must be > 0", ErrInvalidLimits, l.MaxLeverage)
	}
	if l.MaxPositionSize < 0 {
		return fmt.Errorf("%w: max position size %.8f must be >= 0", ErrInvalidLimits, l.MaxPositionSize)
	}
	if l.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale window must be > 0", ErrInvalidLimits)
	}
	if l.WarnRatio < 0 || l.WarnRatio > 1 {
		return fmt.Errorf("%w: warn ratio %.4f must be in [0,1]", ErrInvalidLimits, l.WarnRatio)
	}
	return nil
}

func (l Limits) warnRatio() float64 {
	if l.WarnRatio <= 0 {
		return defaultWarnRatio
	}
	return l.WarnRatio
}

// PreOrder 下单前的净敞口校验：假设同方向所有挂单全部成交，
// 加上本单后的仓位不能超过 MaxPositionSize。deltaQty 正买负卖。
func (l Limits) PreOrder(net, restingBuy, restingSell, deltaQty float64) error {
	if l.MaxPositionSize <= 0 {
		return nil
	}
	if deltaQty > 0 {
		worst := net + restingBuy + deltaQty
		if worst > l.MaxPositionSize {
			return fmt.Errorf("%w: worst-case long %.8f > %.8f", ErrNetExceed, worst, l.MaxPositionSize)
		}
		return nil
	}
	worst := net - restingSell + deltaQty
	if -worst > l.MaxPositionSize {
		return fmt.Errorf("%w: worst-case short %.8f > %.8f", ErrNetExceed, -worst, l.MaxPositionSize)
	}
	return nil
}
