package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/market"
	"grid-maker-go/order"
)

func (e *Engine) onBook(ctx context.Context, snap market.Snapshot) {
	if snap.Symbol != "" && !strings.EqualFold(snap.Symbol, e.cfg.Symbol) {
		return
	}
	changed, err := e.market.Update(snap)
	if err != nil {
		e.log.Warn("order book snapshot discarded", zap.Error(err))
		return
	}
	view := e.market.View()
	e.mon.UpdateMarket(view.BestBid, view.BestAsk, view.ReferencePrice, view.SpreadBps)
	// 价格不变时只在暂停状态下复查，以便行情恢复后尽快恢复报价
	if changed || e.halted {
		e.cycle(ctx)
	}
}

func (e *Engine) onExecution(ctx context.Context, ex gateway.Execution) {
	up, err := e.orders.Apply(ex)
	if err != nil {
		if errors.Is(err, order.ErrUnknownOrder) {
			e.log.Warn("execution for unknown order",
				zap.String("client_id", ex.ClientID),
				zap.String("type", string(ex.Type)))
			e.requestResync(ctx, "unknown order")
			return
		}
		e.log.LogError(err, map[string]interface{}{
			"client_id": ex.ClientID,
			"type":      string(ex.Type),
		})
		return
	}
	if up.Duplicate {
		e.log.Debug("duplicate execution ignored",
			zap.String("client_id", ex.ClientID),
			zap.String("type", string(ex.Type)))
		return
	}

	o := up.Order
	switch ex.Type {
	case gateway.ExecAck:
		e.log.LogOrder("ack", o.ClientID, map[string]interface{}{
			"exchange_id": o.ExchangeID,
			"level":       o.Level,
			"side":        string(o.Side),
			"price":       o.Price,
		})
	case gateway.ExecReject:
		e.mon.RecordOrderRejected()
		e.log.LogOrder("reject", o.ClientID, map[string]interface{}{
			"level":  o.Level,
			"side":   string(o.Side),
			"price":  o.Price,
			"reason": ex.Reason,
		})
	case gateway.ExecCanceled:
		e.mon.RecordOrderCanceled()
		e.log.LogOrder("canceled", o.ClientID, map[string]interface{}{
			"level":  o.Level,
			"side":   string(o.Side),
			"price":  o.Price,
			"filled": o.FilledQuantity,
		})
	case gateway.ExecCancelReject:
		e.mon.RecordCancelReject()
		e.log.LogOrder("cancel_reject", o.ClientID, map[string]interface{}{
			"status":  string(o.Status),
			"reason":  ex.Reason,
			"unknown": ex.UnknownOrder,
		})
		if ex.UnknownOrder {
			e.onUnknownCancel(ctx, o)
		}
	case gateway.ExecFill:
		pos := e.orders.Position()
		e.mon.RecordFill(up.FilledQty, up.FillPrice, up.LateFill)
		e.log.LogTrade("fill", map[string]interface{}{
			"client_id":    o.ClientID,
			"side":         string(o.Side),
			"level":        o.Level,
			"price":        up.FillPrice,
			"quantity":     up.FilledQty,
			"cumulative":   o.FilledQuantity,
			"status":       string(o.Status),
			"realized":     up.Realized,
			"fee":          up.Fee,
			"net_quantity": pos.NetQuantity,
			"entry_price":  pos.AverageEntryPrice,
			"late":         up.LateFill,
		})
		if up.LateFill {
			_ = e.alerts.Warning("fill after cancel confirmation", map[string]interface{}{
				"symbol":    e.cfg.Symbol,
				"client_id": o.ClientID,
				"quantity":  up.FilledQty,
			})
		}
		e.mon.UpdatePosition(pos.NetQuantity, pos.UnrealizedPnL, pos.RealizedPnL)
	}
	e.mon.SetLiveOrders(e.orders.LiveCount())

	// 拒单不立即重试，等下一次行情或风控复查
	if !e.stopping && (ex.Type == gateway.ExecCanceled || ex.Type == gateway.ExecFill) {
		e.cycle(ctx)
	}
}

// onUnknownCancel 交易所已没有该订单。运行中交给对账确认是成交还是撤销；
// 关停时不再等待，直接在本地结束，持仓在下次启动对账时修正。
func (e *Engine) onUnknownCancel(ctx context.Context, o order.Order) {
	if !e.stopping {
		e.requestResync(ctx, "cancel rejected: unknown order")
		return
	}
	if _, err := e.orders.Abandon(o.ClientID, "unknown on exchange during shutdown"); err != nil {
		e.log.Debug("abandon order failed", zap.String("client_id", o.ClientID), zap.Error(err))
		return
	}
	e.log.Warn("order unknown on exchange, dropped locally",
		zap.String("client_id", o.ClientID),
		zap.String("side", string(o.Side)),
		zap.Float64("price", o.Price))
}

// post 把后台 goroutine 的结果交回事件循环。
func (e *Engine) post(fn func()) {
	select {
	case e.control <- fn:
	case <-e.stopped:
	}
}

// refreshAccount 在后台拉取账户，结果回到事件循环处理。
func (e *Engine) refreshAccount(ctx context.Context) {
	if e.accountBusy || e.stopping {
		return
	}
	e.accountBusy = true
	go func() {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		acct, err := e.ex.GetAccountState(rctx)
		e.post(func() { e.onAccount(ctx, acct, err) })
	}()
}

func (e *Engine) onAccount(ctx context.Context, acct gateway.AccountState, err error) {
	e.accountBusy = false
	if e.stopping {
		return
	}
	if err != nil {
		e.log.Warn("account refresh failed", zap.Error(err))
		return
	}
	e.setAccount(acct)

	local := e.orders.Position().NetQuantity
	if math.Abs(acct.NetQuantity-local) > e.positionTolerance() {
		e.log.Warn("position mismatch with exchange",
			zap.Float64("local", local),
			zap.Float64("exchange", acct.NetQuantity))
		e.requestResync(ctx, "position mismatch")
	}
}

func (e *Engine) setAccount(acct gateway.AccountState) {
	if acct.Equity <= 0 {
		return
	}
	e.accountEquity = acct.Equity
	e.pnlAtAccount = e.orders.Position().TotalPnL()
	e.riskState.CurrentEquity = acct.Equity
	e.mon.UpdateAccount(acct.Equity, e.riskState.Leverage)
}

func (e *Engine) positionTolerance() float64 {
	if step := e.cfg.Constraints.StepSize; step > 0 {
		return step / 2
	}
	return 1e-9
}

// requestResync 在后台拉取挂单与账户，对账在事件循环中完成。
func (e *Engine) requestResync(ctx context.Context, reason string) {
	if e.resyncBusy || e.stopping {
		return
	}
	e.resyncBusy = true
	go func() {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		open, err := e.ex.GetOpenOrders(rctx, e.cfg.Symbol)
		var acct *gateway.AccountState
		if err == nil {
			if a, aerr := e.ex.GetAccountState(rctx); aerr == nil {
				acct = &a
			} else {
				e.log.Warn("resync without account state", zap.Error(aerr))
			}
		}
		e.post(func() { e.onResync(ctx, reason, open, acct, err) })
	}()
}

func (e *Engine) onResync(ctx context.Context, reason string, open []gateway.OpenOrder, acct *gateway.AccountState, err error) {
	e.resyncBusy = false
	if e.stopping {
		return
	}
	if err != nil {
		e.log.Warn("resync failed", zap.String("trigger", reason), zap.Error(err))
		return
	}
	e.applyResync(ctx, reason, open, acct, e.cfg.PendingGrace)
	e.cycle(ctx)
}

func (e *Engine) applyResync(ctx context.Context, reason string, open []gateway.OpenOrder, acct *gateway.AccountState, grace time.Duration) {
	var layout order.Layout
	if e.grid.Center() > 0 {
		layout = e.grid
	}
	report := e.orders.Resync(open, acct, layout, grace)
	if acct != nil {
		e.setAccount(*acct)
	}
	e.mon.RecordResync()
	e.mon.SetLiveOrders(e.orders.LiveCount())

	fields := []zap.Field{
		zap.String("trigger", reason),
		zap.Int("exchange_open", len(open)),
		zap.Int("removed", len(report.Removed)),
		zap.Int("adopted", len(report.Adopted)),
		zap.Int("duplicates", len(report.Duplicates)),
		zap.Int("updated", report.Updated),
		zap.Int("foreign", report.Foreign),
	}
	if report.PositionChanged {
		fields = append(fields,
			zap.Float64("position_before", report.PositionBefore),
			zap.Float64("position_after", report.PositionAfter))
	}
	if report.Conflicts() == 0 {
		e.log.Debug("resync clean", fields...)
	} else {
		e.log.Warn("resync corrected local state", fields...)
		_ = e.alerts.Warning("order state resynced with exchange", map[string]interface{}{
			"symbol":    e.cfg.Symbol,
			"trigger":   reason,
			"conflicts": report.Conflicts(),
		})
	}
	for _, o := range report.Duplicates {
		e.sendCancel(ctx, o, "duplicate level")
	}
}
