package gateway

import (
	"context"
	"errors"
	"time"

	"grid-maker-go/market"
	"grid-maker-go/strategy"
)

// ErrNotConnected 行情或用户数据流尚未建立。
var ErrNotConnected = errors.New("exchange not connected")

// Exchange 引擎消费的交易所能力。
// PlaceOrder/CancelOrder 不得阻塞在网络 I/O 上，结果通过 SubscribeExecutions 回报；
// GetAccountState/GetOpenOrders 会阻塞，调用方应在独立 goroutine 中执行。
type Exchange interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) error
	CancelOrder(ctx context.Context, req CancelRequest) error
	SubscribeOrderBook(ctx context.Context, symbol string) (<-chan market.Snapshot, error)
	SubscribeExecutions(ctx context.Context) (<-chan Execution, error)
	GetAccountState(ctx context.Context) (AccountState, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// PlaceRequest 限价挂单请求。
type PlaceRequest struct {
	Symbol   string
	ClientID string
	Side     strategy.Side
	Price    float64
	Quantity float64
}

// CancelRequest 撤单请求；ExchangeID 为空时按 ClientID 撤单。
type CancelRequest struct {
	Symbol     string
	ClientID   string
	ExchangeID string
}

// ExecType 执行回报类型。
type ExecType string

const (
	ExecAck          ExecType = "ACK"
	ExecReject       ExecType = "REJECT"
	ExecFill         ExecType = "FILL"
	ExecCanceled     ExecType = "CANCELED"
	ExecCancelReject ExecType = "CANCEL_REJECT"
)

// Execution 归一化后的订单回报。
// Fill 时 Price/Quantity 为本次成交，CumulativeQuantity 为累计成交量（用于去重）。
type Execution struct {
	Type               ExecType
	ClientID           string
	ExchangeID         string
	Side               strategy.Side
	Price              float64
	Quantity           float64
	CumulativeQuantity float64
	Commission         float64 // 本次成交的手续费，返佣为负
	CommissionAsset    string
	Reason             string
	UnknownOrder       bool // 撤单被拒且交易所已没有该订单（已成交或已撤销）
	Time               time.Time
}

// AccountState 账户权益与单一交易对的持仓。
type AccountState struct {
	Equity           float64
	AvailableBalance float64
	NetQuantity      float64
	EntryPrice       float64
	UpdatedAt        time.Time
}

// OpenOrder 交易所侧的未完结订单。
type OpenOrder struct {
	ClientID       string
	ExchangeID     string
	Side           strategy.Side
	Price          float64
	Quantity       float64
	FilledQuantity float64
	CreatedAt      time.Time
}

// Observer 接收网关调用统计，实现需并发安全。
type Observer interface {
	ObserveREST(action string, latency time.Duration, err error)
	ObserveStream(stream string, connected bool)
}
