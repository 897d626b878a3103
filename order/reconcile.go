package order

import (
	"fmt"
	"math"

	"grid-maker-go/strategy"
)

// Layout 把价格映射回网格档位；strategy.Grid 实现该接口。
type Layout interface {
	Bucket(price float64) int
}

// Plan 一次对账的结果。
type Plan struct {
	ToPlace  []strategy.Level
	ToCancel []Order
}

// Empty 无需任何动作。
func (p Plan) Empty() bool { return len(p.ToPlace) == 0 && len(p.ToCancel) == 0 }

type levelKey struct {
	side  strategy.Side
	index int
}

func (k levelKey) String() string { return fmt.Sprintf("%s/%d", k.side, k.index) }

// Reconcile 用当前活跃订单对比目标档位。
func (m *Manager) Reconcile(desired []strategy.Level, layout Layout, recentered bool) (Plan, error) {
	return Reconcile(desired, m.Live(), layout, recentered, m.priceTolerance())
}

func (m *Manager) priceTolerance() float64 {
	if m.constraints.TickSize > 0 {
		return m.constraints.TickSize / 2
	}
	return 0
}

// Reconcile 以 (side, bucket) 为键匹配目标档位与活跃订单：
//   - 活跃订单的键不在目标中（或目标数量为 0）则撤单；
//   - 目标档位没有任何订单占用则下单；
//   - 已请求撤单的订单仍占用档位，且不会再次撤单；
//   - recentered 时价格偏离目标超过 tolerance 的 Open/Pending 订单撤单，档位在撤单确认前不补挂；
//   - 部分成交且匹配的订单从不替换。
//
// 同一键上出现两笔未请求撤单的订单返回 ErrDuplicateLevel。
func Reconcile(desired []strategy.Level, live []Order, layout Layout, recentered bool, tolerance float64) (Plan, error) {
	var plan Plan

	want := make(map[levelKey]strategy.Level, len(desired))
	for _, lv := range desired {
		if lv.Quantity <= 0 {
			continue
		}
		want[levelKey{lv.Side, lv.Index}] = lv
	}

	occupied := make(map[levelKey]bool, len(live))
	active := make(map[levelKey]Order, len(live))
	for _, o := range live {
		if !o.Active() {
			continue
		}
		k := levelKey{o.Side, layout.Bucket(o.Price)}
		occupied[k] = true
		if o.CancelRequested {
			continue
		}
		if prev, dup := active[k]; dup {
			return Plan{}, fmt.Errorf("%w: %s held by %s and %s", ErrDuplicateLevel, k, prev.ClientID, o.ClientID)
		}
		active[k] = o
	}

	for _, o := range live {
		if !o.Active() || o.CancelRequested {
			continue
		}
		k := levelKey{o.Side, layout.Bucket(o.Price)}
		target, ok := want[k]
		if !ok {
			plan.ToCancel = append(plan.ToCancel, o)
			continue
		}
		if recentered && o.Status != StatusPartiallyFilled && math.Abs(o.Price-target.Price) > tolerance {
			plan.ToCancel = append(plan.ToCancel, o)
		}
	}

	for _, lv := range desired {
		if lv.Quantity <= 0 {
			continue
		}
		if occupied[levelKey{lv.Side, lv.Index}] {
			continue
		}
		plan.ToPlace = append(plan.ToPlace, lv)
	}
	return plan, nil
}
