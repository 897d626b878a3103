package risk

import (
	"math"
	"time"

	"grid-maker-go/inventory"
	"grid-maker-go/market"
)

// lossTolerance 相对初始资金的比较容差，避免 800.0000000001 这类浮点误差。
const lossTolerance = 1e-9

// State 是会话级风控状态。EmergencyStop 一旦置位只能通过 Reset 清除。
type State struct {
	InitialCapital float64   `json:"initial_capital"`
	CurrentEquity  float64   `json:"current_equity"`
	Leverage       float64   `json:"leverage"`
	EmergencyStop  bool      `json:"emergency_stop"`
	StopReason     Reason    `json:"stop_reason,omitempty"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
}

// NewState 以初始资金创建状态。
func NewState(initialCapital float64) State {
	return State{InitialCapital: initialCapital, CurrentEquity: initialCapital}
}

// LossPct 当前亏损占初始资金的比例（盈利时为负）。
func (s State) LossPct() float64 {
	if s.InitialCapital <= 0 {
		return 0
	}
	return (s.InitialCapital - s.CurrentEquity) / s.InitialCapital
}

// Manager 按固定顺序评估风控条件；纯计算，无 I/O。
type Manager struct {
	limits Limits
	clock  Clock
}

func NewManager(limits Limits, clock Clock) *Manager {
	if clock == nil {
		clock = NowUTC
	}
	return &Manager{limits: limits, clock: clock}
}

// Limits 返回当前阈值。
func (m *Manager) Limits() Limits { return m.limits }

// SetLimits 热更新阈值；调用方负责先校验。
func (m *Manager) SetLimits(l Limits) { m.limits = l }

// Evaluate 依次检查：行情过期、最大亏损（锁存）、杠杆、仓位，第一个命中即返回 Halt。
// 会更新 st.Leverage，并在最大亏损时置位 st.EmergencyStop。
func (m *Manager) Evaluate(pos inventory.Position, st *State, mkt market.View) Decision {
	now := m.clock.Now()
	ref := mkt.ReferencePrice
	st.Leverage = leverage(pos.NetQuantity, ref, st.CurrentEquity)

	if mkt.Stale(now, m.limits.StaleAfter) {
		return Halt(ReasonStaleMarketData)
	}

	if st.EmergencyStop {
		if st.StopReason == "" {
			return Halt(ReasonMaxLossBreached)
		}
		return Halt(st.StopReason)
	}
	if m.lossBreached(*st) {
		m.latch(st, ReasonMaxLossBreached, now)
		return Halt(ReasonMaxLossBreached)
	}

	if st.Leverage > m.limits.MaxLeverage {
		return Halt(ReasonLeverageExceeded)
	}

	if m.limits.MaxPositionSize > 0 && math.Abs(pos.NetQuantity) > m.limits.MaxPositionSize {
		return Halt(ReasonPositionLimit)
	}
	return Proceed()
}

// Warnings 返回接近阈值的预警，用于日志与指标。
func (m *Manager) Warnings(pos inventory.Position, st State) []Warning {
	var out []Warning
	ratio := m.limits.warnRatio()
	if m.limits.MaxLossPct > 0 && st.LossPct() >= m.limits.MaxLossPct*ratio {
		out = append(out, WarnApproachingLoss)
	}
	if m.limits.MaxPositionSize > 0 && math.Abs(pos.NetQuantity) >= m.limits.MaxPositionSize*ratio {
		out = append(out, WarnApproachingPosition)
	}
	return out
}

// TriggerEmergencyStop 人工锁定交易。
func (m *Manager) TriggerEmergencyStop(st *State, reason Reason) {
	if reason == "" {
		reason = ReasonManualStop
	}
	m.latch(st, reason, m.clock.Now())
}

// Reset 清除紧急停止。rebase 为 true 时以当前权益作为新的初始资金。
func (m *Manager) Reset(st *State, rebase bool) {
	st.EmergencyStop = false
	st.StopReason = ""
	st.StoppedAt = time.Time{}
	if rebase && st.CurrentEquity > 0 {
		st.InitialCapital = st.CurrentEquity
	}
}

func (m *Manager) lossBreached(st State) bool {
	if st.InitialCapital <= 0 {
		return false
	}
	floor := st.InitialCapital * (1 - m.limits.MaxLossPct)
	return st.CurrentEquity <= floor+st.InitialCapital*lossTolerance
}

func (m *Manager) latch(st *State, reason Reason, now time.Time) {
	if st.EmergencyStop {
		return
	}
	st.EmergencyStop = true
	st.StopReason = reason
	st.StoppedAt = now
}

func leverage(net, ref, equity float64) float64 {
	if net == 0 {
		return 0
	}
	if equity <= 0 {
		return math.Inf(1)
	}
	return math.Abs(net) * ref / equity
}
