package risk

// Action 风控评估结果。
type Action int

const (
	ActionProceed Action = iota
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionProceed:
		return "PROCEED"
	case ActionHalt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// Reason 暂停交易的原因。
type Reason string

const (
	ReasonStaleMarketData  Reason = "stale_market_data"
	ReasonMaxLossBreached  Reason = "max_loss_breached"
	ReasonLeverageExceeded Reason = "leverage_exceeded"
	ReasonPositionLimit    Reason = "position_limit_exceeded"
	ReasonManualStop       Reason = "manual_stop"
)

// Latching 表示该原因触发后需要人工复位。
func (r Reason) Latching() bool {
	return r == ReasonMaxLossBreached || r == ReasonManualStop
}

// Decision 是 Evaluate 的返回值；不使用 error 表达暂停，便于暂停后恢复。
type Decision struct {
	Action Action
	Reason Reason
}

func Proceed() Decision { return Decision{Action: ActionProceed} }

func Halt(reason Reason) Decision { return Decision{Action: ActionHalt, Reason: reason} }

// Halted 是否应暂停交易。
func (d Decision) Halted() bool { return d.Action == ActionHalt }

func (d Decision) String() string {
	if d.Reason == "" {
		return d.Action.String()
	}
	return d.Action.String() + "(" + string(d.Reason) + ")"
}

// Warning 接近阈值时的预警，不影响 Decision。
type Warning string

const (
	WarnApproachingLoss     Warning = "approaching_loss_limit"
	WarnApproachingPosition Warning = "approaching_position_limit"
)
