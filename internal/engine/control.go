package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/inventory"
	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/risk"
)

// Status 引擎运行状态快照，供 HTTP 接口与状态日志使用。
type Status struct {
	Symbol      string             `json:"symbol"`
	State       EngineState        `json:"state"`
	Halted      bool               `json:"halted"`
	HaltReason  risk.Reason        `json:"halt_reason,omitempty"`
	Warnings    []risk.Warning     `json:"warnings,omitempty"`
	Risk        risk.State         `json:"risk"`
	Position    inventory.Position `json:"position"`
	Market      MarketStatus       `json:"market"`
	GridCenter  float64            `json:"grid_center"`
	Skew        float64            `json:"skew"`
	MaxPosition float64            `json:"max_position"`
	LiveOrders  []order.Order      `json:"live_orders"`
	StartedAt   time.Time          `json:"started_at"`
	LastSavedAt time.Time          `json:"last_saved_at,omitempty"`
}

// MarketStatus market.View 的 JSON 形式。
type MarketStatus struct {
	BestBid        float64   `json:"best_bid"`
	BestAsk        float64   `json:"best_ask"`
	ReferencePrice float64   `json:"reference_price"`
	SpreadBps      float64   `json:"spread_bps"`
	BidDepth       float64   `json:"bid_depth"` // 前 5 档挂单量合计
	AskDepth       float64   `json:"ask_depth"`
	LastUpdateAt   time.Time `json:"last_update_at"`
}

const statusDepthLevels = 5

func marketStatus(v market.View, last market.Snapshot) MarketStatus {
	bidDepth, askDepth := last.TopQuantity(statusDepthLevels)
	return MarketStatus{
		BestBid:        v.BestBid,
		BestAsk:        v.BestAsk,
		ReferencePrice: v.ReferencePrice,
		SpreadBps:      v.SpreadBps,
		BidDepth:       bidDepth,
		AskDepth:       askDepth,
		LastUpdateAt:   v.LastUpdateAt,
	}
}

// call 在事件循环中执行 fn 并等待完成。
func (e *Engine) call(ctx context.Context, fn func()) error {
	if e.State() != StateRunning && e.State() != StateStopping {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case e.control <- func() { fn(); close(done) }:
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		// 循环退出前可能刚好执行完
		select {
		case <-done:
			return nil
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 返回当前状态。
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, func() { st = e.status() })
	return st, err
}

func (e *Engine) status() Status {
	view := e.market.View()
	pos := e.orders.Position()
	st := Status{
		Symbol:      e.cfg.Symbol,
		State:       e.State(),
		Halted:      e.halted,
		HaltReason:  e.haltReason,
		Risk:        e.riskState,
		Position:    pos,
		Market:      marketStatus(view, e.market.Last()),
		GridCenter:  e.grid.Center(),
		Skew:        e.lastSkew,
		MaxPosition: e.maxPosition(view.ReferencePrice),
		LiveOrders:  e.orders.Live(),
		StartedAt:   e.startedAt,
		LastSavedAt: e.lastSaved,
	}
	for w := range e.warnings {
		st.Warnings = append(st.Warnings, w)
	}
	sort.Slice(st.Warnings, func(i, j int) bool { return st.Warnings[i] < st.Warnings[j] })
	if math.IsInf(st.Risk.Leverage, 0) || math.IsNaN(st.Risk.Leverage) {
		st.Risk.Leverage = -1
	}
	return st
}

// ResetRisk 清除紧急停止；rebase 时以当前权益作为新的亏损基准。
func (e *Engine) ResetRisk(ctx context.Context, rebase bool) (risk.State, error) {
	var st risk.State
	err := e.call(ctx, func() {
		before := e.riskState
		e.risk.Reset(&e.riskState, rebase)
		e.log.LogRisk("reset", map[string]interface{}{
			"rebase":           rebase,
			"previous_reason":  string(before.StopReason),
			"initial_capital":  e.riskState.InitialCapital,
			"previous_initial": before.InitialCapital,
			"equity":           e.riskState.CurrentEquity,
		})
		_ = e.alerts.Warning("risk state reset by operator", map[string]interface{}{
			"symbol": e.cfg.Symbol,
			"rebase": rebase,
		})
		e.cycle(e.runCtx)
		st = e.riskState
	})
	return st, err
}

// EmergencyStop 人工锁定交易并撤销所有挂单，直到 ResetRisk。
func (e *Engine) EmergencyStop(ctx context.Context, note string) error {
	return e.call(ctx, func() {
		e.risk.TriggerEmergencyStop(&e.riskState, risk.ReasonManualStop)
		e.log.LogRisk("manual_stop", map[string]interface{}{"note": note})
		e.cycle(e.runCtx)
	})
}

// ClearSnapshot 删除已保存的快照；引擎未运行时直接操作存储，启动恢复期间返回 ErrNotRunning。
func (e *Engine) ClearSnapshot(ctx context.Context) error {
	var err error
	callErr := e.call(ctx, func() { err = e.store.Clear(e.cfg.Symbol) })
	if callErr == ErrNotRunning && e.State() == StateStarting {
		return callErr
	}
	if callErr == ErrNotRunning {
		err = e.store.Clear(e.cfg.Symbol)
	} else if callErr != nil {
		return callErr
	}
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	e.log.Info("snapshot cleared", zap.String("symbol", e.cfg.Symbol))
	return nil
}

// ApplyTunables 热更新网格、库存与风控参数。间距变化触发网格重建。
func (e *Engine) ApplyTunables(ctx context.Context, t config.Tunables) error {
	if err := t.Limits.Validate(); err != nil {
		return err
	}
	if t.SkewThreshold < 0 || t.SkewThreshold >= 1 {
		return fmt.Errorf("skew threshold %.4f must be in [0,1)", t.SkewThreshold)
	}
	var err error
	callErr := e.call(ctx, func() {
		if err = e.grid.SetConfig(t.Grid); err != nil {
			return
		}
		e.cfg.Grid = e.grid.Config()
		e.cfg.SkewThreshold = t.SkewThreshold
		e.cfg.MaxPosition = t.MaxPosition
		e.cfg.Limits = t.Limits
		e.risk.SetLimits(t.Limits)
		e.log.Info("tunables applied",
			zap.Float64("spacing", t.Grid.Spacing),
			zap.Int("levels_per_side", t.Grid.LevelsPerSide),
			zap.Float64("skew_threshold", t.SkewThreshold),
			zap.Float64("max_position", t.MaxPosition),
			zap.Float64("max_loss_pct", t.Limits.MaxLossPct))
		e.cycle(e.runCtx)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (e *Engine) logStatus() {
	st := e.status()
	e.log.Info("status",
		zap.String("state", st.State.String()),
		zap.Bool("halted", st.Halted),
		zap.String("halt_reason", string(st.HaltReason)),
		zap.Float64("reference_price", st.Market.ReferencePrice),
		zap.Float64("spread_bps", st.Market.SpreadBps),
		zap.Float64("bid_depth", st.Market.BidDepth),
		zap.Float64("ask_depth", st.Market.AskDepth),
		zap.Float64("grid_center", st.GridCenter),
		zap.Float64("skew", st.Skew),
		zap.Float64("net_quantity", st.Position.NetQuantity),
		zap.Float64("realized_pnl", st.Position.RealizedPnL),
		zap.Float64("unrealized_pnl", st.Position.UnrealizedPnL),
		zap.Float64("fees", st.Position.Fees),
		zap.Float64("equity", st.Risk.CurrentEquity),
		zap.Float64("leverage", st.Risk.Leverage),
		zap.Int("live_orders", len(st.LiveOrders)))
}
