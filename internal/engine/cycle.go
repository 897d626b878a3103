package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/inventory"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

// cycle 一轮报价：风控评估 -> 库存偏斜 -> 网格 -> 对账 -> 下单/撤单。
func (e *Engine) cycle(ctx context.Context) {
	if e.stopping || e.fatal != nil {
		return
	}
	view := e.market.View()
	if view.ReferencePrice > 0 {
		e.orders.MarkToMarket(view.ReferencePrice)
	}
	pos := e.orders.Position()
	e.riskState.CurrentEquity = e.accountEquity + (pos.TotalPnL() - e.pnlAtAccount)

	decision := e.risk.Evaluate(pos, &e.riskState, view)
	e.checkWarnings(pos)
	e.mon.UpdatePosition(pos.NetQuantity, pos.UnrealizedPnL, pos.RealizedPnL)
	e.mon.UpdateAccount(e.riskState.CurrentEquity, e.riskState.Leverage)

	if decision.Halted() {
		e.haltQuoting(ctx, decision.Reason)
		return
	}
	if e.halted {
		e.log.LogRisk("resume", map[string]interface{}{
			"previous_reason": string(e.haltReason),
			"equity":          e.riskState.CurrentEquity,
		})
		e.halted = false
		e.haltReason = ""
	}
	e.mon.UpdateRiskState(false, false)

	ref := view.ReferencePrice
	maxPos := e.maxPosition(ref)
	skew := inventory.Skew(pos.NetQuantity, maxPos, e.cfg.SkewThreshold)
	buyMul, sellMul := inventory.Multipliers(skew)
	allowBuy, allowSell := inventory.Allowed(pos.NetQuantity, maxPos)
	bias := strategy.Bias{
		BuyMultiplier:  buyMul,
		SellMultiplier: sellMul,
		AllowBuy:       allowBuy,
		AllowSell:      allowSell,
	}

	desired := e.grid.Compute(ref, bias)
	recentered := e.grid.Recentered()
	if recentered {
		e.onRecenter(ctx, ref)
	}
	if skew != e.lastSkew {
		e.log.Debug("inventory skew changed",
			zap.Float64("skew", skew),
			zap.Float64("net_quantity", pos.NetQuantity),
			zap.Float64("max_position", maxPos),
			zap.Bool("allow_buy", allowBuy),
			zap.Bool("allow_sell", allowSell))
		e.lastSkew = skew
	}
	e.mon.UpdateGrid(e.grid.Center(), skew)

	plan, err := e.orders.Reconcile(desired, e.grid, recentered)
	if err != nil {
		if errors.Is(err, order.ErrDuplicateLevel) {
			e.fatal = err
			return
		}
		e.log.LogError(err, map[string]interface{}{"stage": "reconcile"})
		return
	}

	for _, o := range plan.ToCancel {
		if _, err := e.orders.MarkCancelRequested(o.ClientID); err != nil {
			e.log.Debug("skip cancel", zap.String("client_id", o.ClientID), zap.Error(err))
			continue
		}
		e.sendCancel(ctx, o, "reconcile")
	}
	for _, lv := range plan.ToPlace {
		e.place(ctx, lv)
	}
	e.grid.MarkSettled()
	e.mon.SetLiveOrders(e.orders.LiveCount())
}

// onRecenter 网格中心移动后旧订单按新中心重新分档，可能出现同档碰撞；
// 这些订单价格已偏离新档位，直接撤掉较新的一笔。
func (e *Engine) onRecenter(ctx context.Context, ref float64) {
	center := e.grid.Center()
	e.log.Info("grid recentered",
		zap.Float64("previous_center", e.lastCenter),
		zap.Float64("center", center),
		zap.Float64("reference_price", ref))
	e.lastCenter = center
	e.mon.RecordRecenter()
	for _, o := range e.orders.FlagDuplicates(e.grid) {
		e.sendCancel(ctx, o, "level collision after recenter")
	}
}

func (e *Engine) maxPosition(ref float64) float64 {
	if e.cfg.MaxPosition > 0 {
		return e.cfg.MaxPosition
	}
	return inventory.MaxPosition(e.cfg.InitialCapital, e.cfg.Leverage, e.cfg.MaxPositionPct, ref)
}

// haltQuoting 暂停报价并撤销所有挂单。原因变化时才记录日志与告警。
func (e *Engine) haltQuoting(ctx context.Context, reason risk.Reason) {
	if !e.halted || e.haltReason != reason {
		fields := map[string]interface{}{
			"reason":         string(reason),
			"equity":         e.riskState.CurrentEquity,
			"initial":        e.riskState.InitialCapital,
			"leverage":       e.riskState.Leverage,
			"net_quantity":   e.orders.Position().NetQuantity,
			"live_orders":    e.orders.LiveCount(),
			"emergency_stop": e.riskState.EmergencyStop,
		}
		e.log.LogRisk("halt", fields)
		e.mon.RecordRiskHalt(string(reason))
		fields["symbol"] = e.cfg.Symbol
		switch {
		case reason.Latching():
			_ = e.alerts.Critical("quoting halted, manual reset required", fields)
		case reason == risk.ReasonStaleMarketData && !e.market.View().HasData():
			// 启动后尚未收到行情
		default:
			_ = e.alerts.Warning("quoting halted", fields)
		}
	}
	e.halted = true
	e.haltReason = reason
	e.mon.UpdateRiskState(true, e.riskState.EmergencyStop)
	e.cancelAll(ctx, "risk halt: "+string(reason))
	e.mon.SetLiveOrders(e.orders.LiveCount())
}

func (e *Engine) checkWarnings(pos inventory.Position) {
	current := make(map[risk.Warning]bool)
	for _, w := range e.risk.Warnings(pos, e.riskState) {
		current[w] = true
		if e.warnings[w] {
			continue
		}
		fields := map[string]interface{}{
			"warning":      string(w),
			"loss_pct":     e.riskState.LossPct(),
			"net_quantity": pos.NetQuantity,
		}
		e.log.LogRisk("warning", fields)
		e.mon.RecordRiskWarning(string(w))
		fields["symbol"] = e.cfg.Symbol
		_ = e.alerts.Warning("risk limit approaching", fields)
	}
	e.warnings = current
}

// place 下单前风控通过后登记订单并交给适配器；同步失败按拒单处理。
func (e *Engine) place(ctx context.Context, lv strategy.Level) {
	pos := e.orders.Position()
	restingBuy, restingSell := e.orders.Resting()
	if err := e.risk.Limits().PreOrder(pos.NetQuantity, restingBuy, restingSell, lv.Side.Sign()*lv.Quantity); err != nil {
		e.mon.RecordRiskReject()
		e.log.Debug("order blocked by pre-trade check",
			zap.Int("level", lv.Index),
			zap.String("side", string(lv.Side)),
			zap.Float64("quantity", lv.Quantity),
			zap.Error(err))
		return
	}

	o, err := e.orders.Place(lv)
	if err != nil {
		e.mon.RecordOrderRejected()
		e.log.Warn("order rejected locally",
			zap.Int("level", lv.Index),
			zap.String("side", string(lv.Side)),
			zap.Float64("price", lv.Price),
			zap.Float64("quantity", lv.Quantity),
			zap.Error(err))
		return
	}
	e.log.LogOrder("place", o.ClientID, map[string]interface{}{
		"level":    o.Level,
		"side":     string(o.Side),
		"price":    o.Price,
		"quantity": o.Quantity,
	})
	e.mon.RecordOrderPlaced()

	req := gateway.PlaceRequest{
		Symbol:   e.cfg.Symbol,
		ClientID: o.ClientID,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
	}
	if err := e.ex.PlaceOrder(e.adapterCtx, req); err != nil {
		e.onExecution(ctx, gateway.Execution{
			Type:     gateway.ExecReject,
			ClientID: o.ClientID,
			Reason:   err.Error(),
			Time:     e.clock.Now(),
		})
	}
}

// sendCancel 调用方已把订单标记为撤单中。
func (e *Engine) sendCancel(ctx context.Context, o order.Order, reason string) {
	e.log.LogOrder("cancel", o.ClientID, map[string]interface{}{
		"level":  o.Level,
		"side":   string(o.Side),
		"price":  o.Price,
		"status": string(o.Status),
		"reason": reason,
	})
	req := gateway.CancelRequest{
		Symbol:     e.cfg.Symbol,
		ClientID:   o.ClientID,
		ExchangeID: o.ExchangeID,
	}
	if err := e.ex.CancelOrder(e.adapterCtx, req); err != nil {
		e.onExecution(ctx, gateway.Execution{
			Type:     gateway.ExecCancelReject,
			ClientID: o.ClientID,
			Reason:   err.Error(),
			Time:     e.clock.Now(),
		})
	}
}

func (e *Engine) cancelAll(ctx context.Context, reason string) {
	for _, o := range e.orders.CancelAll() {
		e.sendCancel(ctx, o, reason)
	}
}
