package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"grid-maker-go/gateway"
	"grid-maker-go/inventory"
	"grid-maker-go/strategy"
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicateClientID = errors.New("duplicate client order id")
	ErrDuplicateLevel    = errors.New("duplicate live order on grid level")
	ErrConstraint        = errors.New("order violates symbol constraints")
)

// qtyEpsilon 比较成交数量时的容差。
const qtyEpsilon = 1e-12

// Manager 维护本地订单表与持仓，是 Position 的唯一修改入口。
// 只在引擎事件循环中使用，不加锁。
type Manager struct {
	symbol      string
	constraints SymbolConstraints
	sm          *StateMachine
	orders      map[string]*Order
	position    inventory.Position
	now         func() time.Time
	newID       func() string
}

func NewManager(symbol string, constraints SymbolConstraints) *Manager {
	return &Manager{
		symbol:      symbol,
		constraints: constraints,
		sm:          NewStateMachine(),
		orders:      make(map[string]*Order),
		now:         time.Now,
		newID:       NewClientID,
	}
}

// SetClock 测试注入时钟。
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// SetIDGenerator 测试注入 ClientID 生成器。
func (m *Manager) SetIDGenerator(gen func() string) {
	if gen != nil {
		m.newID = gen
	}
}

func (m *Manager) Constraints() SymbolConstraints { return m.constraints }

// Position 当前持仓副本。
func (m *Manager) Position() inventory.Position { return m.position }

// MarkToMarket 按参考价刷新未实现盈亏。
func (m *Manager) MarkToMarket(ref float64) { m.position.MarkToMarket(ref) }

// SetPosition 以账户数据覆盖净仓与均价，保留已实现盈亏。
func (m *Manager) SetPosition(net, entry float64) {
	m.position.NetQuantity = net
	m.position.AverageEntryPrice = entry
	if net == 0 {
		m.position.AverageEntryPrice = 0
		m.position.UnrealizedPnL = 0
	}
}

// Get 按 ClientID 查询订单。
func (m *Manager) Get(clientID string) (Order, bool) {
	o, ok := m.orders[clientID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Live 返回所有非终态订单，按创建时间排序。
func (m *Manager) Live() []Order {
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.Active() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out
}

// LiveCount 非终态订单数量。
func (m *Manager) LiveCount() int {
	n := 0
	for _, o := range m.orders {
		if o.Active() {
			n++
		}
	}
	return n
}

// Resting 返回买/卖两侧尚未成交的挂单数量，用于下单前风控。
func (m *Manager) Resting() (buy float64, sell float64) {
	for _, o := range m.orders {
		if !o.Active() {
			continue
		}
		if o.Side == strategy.SideBuy {
			buy += o.Remaining()
		} else {
			sell += o.Remaining()
		}
	}
	return buy, sell
}

// Place 为档位生成订单并登记为 Pending，返回值交给适配器下发。
// 违反交易对精度约束时为本地拒单，不登记。
func (m *Manager) Place(level strategy.Level) (Order, error) {
	if err := m.constraints.Validate(level.Price, level.Quantity); err != nil {
		return Order{}, fmt.Errorf("%w: level %d %s: %v", ErrConstraint, level.Index, level.Side, err)
	}
	now := m.now()
	o := Order{
		ClientID:  m.newID(),
		Symbol:    m.symbol,
		Side:      level.Side,
		Level:     level.Index,
		Price:     level.Price,
		Quantity:  level.Quantity,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Track(o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Track 登记订单。已有同 ClientID 的 Pending/Open 订单时拒绝。
func (m *Manager) Track(o Order) error {
	if o.ClientID == "" {
		return fmt.Errorf("%w: empty client id", ErrUnknownOrder)
	}
	if prev, ok := m.orders[o.ClientID]; ok && prev.Active() {
		return fmt.Errorf("%w: %s", ErrDuplicateClientID, o.ClientID)
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ClientID] = &o
	return nil
}

// MarkCancelRequested 标记撤单已发出；订单在收到撤单确认前仍占用档位。
func (m *Manager) MarkCancelRequested(clientID string) (Order, error) {
	o, ok := m.orders[clientID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if !o.Active() {
		return *o, fmt.Errorf("%w: cancel %s in status %s", ErrIllegalTransition, clientID, o.Status)
	}
	o.CancelRequested = true
	o.UpdatedAt = m.now()
	return *o, nil
}

// Abandon 交易所已不认识该订单时在本地结束它；成交情况留给下次账户同步修正持仓。
func (m *Manager) Abandon(clientID, reason string) (Order, error) {
	o, ok := m.orders[clientID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if err := m.sm.ValidateTransition(o.Status, StatusCanceled); err != nil {
		return *o, fmt.Errorf("order %s: %w", clientID, err)
	}
	o.Status = StatusCanceled
	o.CancelRequested = false
	o.LastError = reason
	o.UpdatedAt = m.now()
	return *o, nil
}

// CancelAll 标记并返回所有尚未请求撤单的活跃订单。
func (m *Manager) CancelAll() []Order {
	now := m.now()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if !o.Active() || o.CancelRequested {
			continue
		}
		o.CancelRequested = true
		o.UpdatedAt = now
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

// Update Apply 的结果，供引擎记录日志与指标。
type Update struct {
	Order     Order
	Previous  Status
	FilledQty float64 // 本次新增成交
	FillPrice float64
	Realized  float64 // 扣除手续费后
	Fee       float64
	Duplicate bool // 重复回报，无状态变化
	LateFill  bool // 终态订单上的迟到成交，只更新持仓
}

// Apply 处理执行回报。成交按累计数量去重，并在同一调用内更新持仓。
func (m *Manager) Apply(exec gateway.Execution) (Update, error) {
	o, ok := m.orders[exec.ClientID]
	if !ok {
		return Update{}, fmt.Errorf("%w: %s (%s)", ErrUnknownOrder, exec.ClientID, exec.Type)
	}
	up := Update{Previous: o.Status}
	now := exec.Time
	if now.IsZero() {
		now = m.now()
	}

	switch exec.Type {
	case gateway.ExecAck:
		if exec.ExchangeID != "" {
			o.ExchangeID = exec.ExchangeID
		}
		// REST 应答与用户数据流都会确认；成交也可能先于确认到达
		if o.Status != StatusPending {
			up.Duplicate = true
			break
		}
		o.Status = StatusOpen

	case gateway.ExecReject:
		if err := m.sm.ValidateTransition(o.Status, StatusRejected); err != nil {
			return up, fmt.Errorf("order %s: %w", o.ClientID, err)
		}
		o.Status = StatusRejected
		o.LastError = exec.Reason

	case gateway.ExecCanceled:
		if o.Status == StatusCanceled {
			up.Duplicate = true
			break
		}
		if err := m.sm.ValidateTransition(o.Status, StatusCanceled); err != nil {
			return up, fmt.Errorf("order %s: %w", o.ClientID, err)
		}
		o.Status = StatusCanceled
		if exec.Reason != "" {
			o.LastError = exec.Reason
		}

	case gateway.ExecCancelReject:
		o.CancelRequested = false
		o.LastError = exec.Reason

	case gateway.ExecFill:
		if exec.ExchangeID != "" && o.ExchangeID == "" {
			o.ExchangeID = exec.ExchangeID
		}
		cum := exec.CumulativeQuantity
		if cum <= 0 {
			cum = o.FilledQuantity + exec.Quantity
		}
		delta := cum - o.FilledQuantity
		if delta <= qtyEpsilon {
			up.Duplicate = true
			break
		}
		price := exec.Price
		if price <= 0 {
			price = o.Price
		}
		if o.Status.Terminal() {
			// 撤单确认后才到达的成交：资金已变动，只能记账
			up.LateFill = true
		} else {
			next := StatusPartiallyFilled
			if cum >= o.Quantity-qtyEpsilon {
				next = StatusFilled
			}
			if err := m.sm.ValidateTransition(o.Status, next); err != nil {
				return up, fmt.Errorf("order %s: %w", o.ClientID, err)
			}
			o.Status = next
		}
		o.FilledQuantity = cum
		up.FilledQty = delta
		up.FillPrice = price
		up.Fee = m.feeOf(exec)
		up.Realized = m.position.ApplyFill(o.Side.Sign()*delta, price, up.Fee)

	default:
		return up, fmt.Errorf("order %s: unknown execution type %q", o.ClientID, exec.Type)
	}

	if !up.Duplicate {
		o.UpdatedAt = now
	}
	up.Order = *o
	return up, nil
}

// feeOf 只计入以报价资产收取的手续费；其他资产（如 BNB 抵扣）无法折算，忽略。
func (m *Manager) feeOf(exec gateway.Execution) float64 {
	if exec.Commission == 0 {
		return 0
	}
	if exec.CommissionAsset != "" && !strings.HasSuffix(strings.ToUpper(m.symbol), strings.ToUpper(exec.CommissionAsset)) {
		return 0
	}
	return exec.Commission
}

// Restore 从快照恢复活跃订单与持仓，替换当前内容。
func (m *Manager) Restore(orders []Order, pos inventory.Position) {
	m.orders = make(map[string]*Order, len(orders))
	for i := range orders {
		o := orders[i]
		if !o.Active() || o.ClientID == "" {
			continue
		}
		m.orders[o.ClientID] = &o
	}
	m.position = pos
}

// Prune 删除更新时间早于 olderThan 的终态订单，返回删除数量。
func (m *Manager) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	n := 0
	for id, o := range m.orders {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(m.orders, id)
			n++
		}
	}
	return n
}

func sortOrders(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientID < orders[j].ClientID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
