package order

import (
	"time"

	"grid-maker-go/strategy"
)

// Status 订单生命周期状态。
type Status string

const (
	StatusPending         Status = "PENDING"          // 已交给适配器，尚未确认
	StatusOpen            Status = "OPEN"             // 交易所已确认，挂单中
	StatusPartiallyFilled Status = "PARTIALLY_FILLED" // 挂单中且已部分成交
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
)

// Terminal 是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// Order 本地订单视图。ClientID 由引擎生成且不可变，ExchangeID 在确认后才有值。
type Order struct {
	ClientID        string        `json:"client_id"`
	ExchangeID      string        `json:"exchange_id,omitempty"`
	Symbol          string        `json:"symbol"`
	Side            strategy.Side `json:"side"`
	Level           int           `json:"level"`
	Price           float64       `json:"price"`
	Quantity        float64       `json:"quantity"`
	FilledQuantity  float64       `json:"filled_quantity"`
	Status          Status        `json:"status"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"last_update_at"`
}

// Active 非终态订单。
func (o Order) Active() bool { return !o.Status.Terminal() }

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}
