package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/internal/store"
	"grid-maker-go/risk"
)

// restore 加载快照并与交易所对账，在事件循环开始前调用。
// 挂单查询失败时返回错误，避免在未知挂单状态下开始报价。
func (e *Engine) restore(ctx context.Context) error {
	snap, err := e.store.Load(e.cfg.Symbol)
	switch {
	case err == nil:
		e.orders.Restore(snap.Orders, snap.Position)
		e.riskState = snap.Risk
		if e.riskState.InitialCapital <= 0 {
			e.riskState = risk.NewState(e.cfg.InitialCapital)
		}
		if e.riskState.EmergencyStop {
			// 重启即视为人工复位，保留原有资金基准
			e.log.LogRisk("emergency_stop_cleared_on_restart", map[string]interface{}{
				"reason":     string(e.riskState.StopReason),
				"stopped_at": e.riskState.StoppedAt,
			})
			e.risk.Reset(&e.riskState, false)
		}
		e.grid.SetCenter(snap.GridCenter)
		e.lastCenter = snap.GridCenter
		e.accountEquity = e.riskState.CurrentEquity
		e.pnlAtAccount = snap.Position.TotalPnL()
		e.log.Info("state restored from snapshot",
			zap.Time("saved_at", snap.SavedAt),
			zap.Int("orders", len(snap.Orders)),
			zap.Float64("net_quantity", snap.Position.NetQuantity),
			zap.Float64("realized_pnl", snap.Position.RealizedPnL),
			zap.Float64("initial_capital", e.riskState.InitialCapital),
			zap.Float64("grid_center", snap.GridCenter))
	case errors.Is(err, store.ErrNoSnapshot):
		e.log.Info("no snapshot found, starting fresh")
	default:
		e.log.Warn("snapshot unusable, starting fresh", zap.Error(err))
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	var acct *gateway.AccountState
	if a, err := e.ex.GetAccountState(rctx); err != nil {
		e.log.Warn("initial account fetch failed", zap.Error(err))
	} else {
		acct = &a
	}
	open, err := e.ex.GetOpenOrders(rctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	// 快照中的 Pending 订单若交易所没有，说明下单未送达
	e.applyResync(ctx, "startup", open, acct, 0)
	return nil
}

// saveSnapshot 尽力保存；失败记录日志、指标并告警，不中断事件循环。
func (e *Engine) saveSnapshot() {
	snap := store.Snapshot{
		Symbol:     e.cfg.Symbol,
		Orders:     e.orders.Live(),
		Position:   e.orders.Position(),
		Risk:       e.riskState,
		GridCenter: e.grid.Center(),
	}
	// 杠杆每轮重算；权益为零时是 +Inf，无法编码
	if math.IsInf(snap.Risk.Leverage, 0) || math.IsNaN(snap.Risk.Leverage) {
		snap.Risk.Leverage = 0
	}
	if err := e.store.Save(snap); err != nil {
		e.mon.RecordSnapshotError()
		e.log.Warn("snapshot save failed", zap.Error(err))
		_ = e.alerts.Error("state snapshot save failed", map[string]interface{}{
			"symbol": e.cfg.Symbol,
			"error":  err.Error(),
		})
		return
	}
	e.lastSaved = e.clock.Now()
	e.log.Debug("snapshot saved", zap.Int("orders", len(snap.Orders)))
}
