package order

import (
	"time"

	"grid-maker-go/gateway"
)

// ResyncReport 与交易所状态对账的结果。
type ResyncReport struct {
	Removed         []Order // 本地存在但交易所没有的订单，已置为 Canceled
	Adopted         []Order // 交易所存在、带引擎前缀但本地没有的订单
	Duplicates      []Order // 认领后与其他订单同档，已标记撤单，需要下发撤单
	Updated         int     // 成交数量或交易所 ID 被交易所数据修正的订单数
	Foreign         int     // 非本引擎下发的挂单，忽略
	PositionChanged bool
	PositionBefore  float64
	PositionAfter   float64
}

// Conflicts 是否有任何不一致被修正。
func (r ResyncReport) Conflicts() int {
	n := len(r.Removed) + len(r.Adopted) + len(r.Duplicates) + r.Updated
	if r.PositionChanged {
		n++
	}
	return n
}

// Resync 以交易所为准修正本地订单表与持仓。
//   - 本地活跃但交易所没有的订单视为已结束；创建不足 grace 的订单保留（确认可能仍在路上）；
//   - 交易所有而本地没有、且 ClientID 带引擎前缀的订单被认领；
//   - account 非空时以其净仓与均价覆盖持仓。
//
// layout 非空时检查认领后的同档重复，保留最早的一笔，其余标记撤单。
func (m *Manager) Resync(open []gateway.OpenOrder, account *gateway.AccountState, layout Layout, grace time.Duration) ResyncReport {
	var report ResyncReport
	now := m.now()

	remote := make(map[string]gateway.OpenOrder, len(open))
	for _, ro := range open {
		if ro.ClientID == "" {
			report.Foreign++
			continue
		}
		remote[ro.ClientID] = ro
	}

	for id, o := range m.orders {
		if !o.Active() {
			continue
		}
		ro, ok := remote[id]
		if !ok {
			// 查询发出后才下的单不会出现在列表里
			if now.Sub(o.CreatedAt) < grace {
				continue
			}
			o.Status = StatusCanceled
			o.LastError = "missing on exchange"
			o.UpdatedAt = now
			report.Removed = append(report.Removed, *o)
			continue
		}
		if m.resolveConflict(o, ro, account == nil, now) {
			report.Updated++
		}
	}

	for id, ro := range remote {
		if _, ok := m.orders[id]; ok {
			continue
		}
		if !IsEngineClientID(id) {
			report.Foreign++
			continue
		}
		created := ro.CreatedAt
		if created.IsZero() {
			created = now
		}
		o := &Order{
			ClientID:       id,
			ExchangeID:     ro.ExchangeID,
			Symbol:         m.symbol,
			Side:           ro.Side,
			Price:          ro.Price,
			Quantity:       ro.Quantity,
			FilledQuantity: ro.FilledQuantity,
			Status:         StatusOpen,
			CreatedAt:      created,
			UpdatedAt:      now,
		}
		if ro.FilledQuantity > 0 {
			o.Status = StatusPartiallyFilled
		}
		if layout != nil {
			o.Level = layout.Bucket(o.Price)
		}
		m.orders[id] = o
		report.Adopted = append(report.Adopted, *o)
	}

	if layout != nil {
		report.Duplicates = m.flagDuplicates(layout, now)
	}

	if account != nil {
		before := m.position.NetQuantity
		report.PositionBefore = before
		report.PositionAfter = account.NetQuantity
		if before != account.NetQuantity || m.position.AverageEntryPrice != account.EntryPrice {
			report.PositionChanged = true
		}
		m.SetPosition(account.NetQuantity, account.EntryPrice)
	}

	sortOrders(report.Removed)
	sortOrders(report.Adopted)
	return report
}

// resolveConflict 以交易所数据为准修正单笔订单；返回是否有改动。
// applyFills 为 true 时（没有账户数据可用）把交易所多出的成交按挂单价记入持仓。
func (m *Manager) resolveConflict(local *Order, remote gateway.OpenOrder, applyFills bool, now time.Time) bool {
	changed := false
	if remote.ExchangeID != "" && local.ExchangeID != remote.ExchangeID {
		local.ExchangeID = remote.ExchangeID
		changed = true
	}
	if local.Status == StatusPending {
		local.Status = StatusOpen
		changed = true
	}
	if delta := remote.FilledQuantity - local.FilledQuantity; delta > qtyEpsilon {
		if applyFills {
			m.position.ApplyFill(local.Side.Sign()*delta, local.Price, 0)
		}
		local.FilledQuantity = remote.FilledQuantity
		local.Status = StatusPartiallyFilled
		changed = true
	}
	if changed {
		local.UpdatedAt = now
	}
	return changed
}

// FlagDuplicates 对当前订单表做同档重复检查，返回新标记撤单的订单。
// 用于启动时网格中心未知、认领订单无法立即分档的情况。
func (m *Manager) FlagDuplicates(layout Layout) []Order {
	return m.flagDuplicates(layout, m.now())
}

// flagDuplicates 同一 (side, bucket) 上有多笔未撤订单时，保留最早的一笔。
func (m *Manager) flagDuplicates(layout Layout, now time.Time) []Order {
	live := m.Live()
	seen := make(map[levelKey]bool, len(live))
	var dups []Order
	for _, o := range live {
		if o.CancelRequested {
			continue
		}
		k := levelKey{o.Side, layout.Bucket(o.Price)}
		if !seen[k] {
			seen[k] = true
			continue
		}
		ptr := m.orders[o.ClientID]
		ptr.CancelRequested = true
		ptr.UpdatedAt = now
		dups = append(dups, *ptr)
	}
	return dups
}
