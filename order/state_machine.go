package order

import (
	"errors"
	"fmt"
	"sort"
)

// ErrIllegalTransition 非法状态转换。
var ErrIllegalTransition = errors.New("illegal state transition")

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，初始化后只读。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 回报可能乱序：成交可能先于确认到达
		{StatusPending, StatusOpen},
		{StatusPending, StatusPartiallyFilled},
		{StatusPending, StatusFilled},
		{StatusPending, StatusCanceled},
		{StatusPending, StatusRejected},

		{StatusOpen, StatusPartiallyFilled},
		{StatusOpen, StatusFilled},
		{StatusOpen, StatusCanceled},
		{StatusOpen, StatusRejected},

		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCanceled},

		// 终态不能转换（FILLED, CANCELED, REJECTED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法；非终态的相同状态视为幂等。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to && !from.Terminal() {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s (allowed: %v)", ErrIllegalTransition, from, to, sm.AllowedTransitions(from))
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态（按名称排序）
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}
