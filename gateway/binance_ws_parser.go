package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"grid-maker-go/market"
	"grid-maker-go/strategy"
)

// ErrNonUserData 消息不是需要处理的用户数据事件。
var ErrNonUserData = errors.New("not a user data event")

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthUpdate depth20@100ms 有限档深度推送。
type DepthUpdate struct {
	Event     string           `json:"e"`
	EventTime int64            `json:"E"`
	TxTime    int64            `json:"T"`
	Symbol    string           `json:"s"`
	Bids      [][2]json.Number `json:"b"`
	Asks      [][2]json.Number `json:"a"`
}

// AggTrade 归集成交推送。
type AggTrade struct {
	Event     string      `json:"e"`
	Symbol    string      `json:"s"`
	Price     json.Number `json:"p"`
	Quantity  json.Number `json:"q"`
	TradeTime int64       `json:"T"`
}

// MarketEvent 解析后的行情事件；Depth 与 Trade 二选一。
type MarketEvent struct {
	Depth *market.Snapshot
	Trade *AggTrade
}

// ParseMarketMessage 解析 combined stream 的深度或成交消息。
func ParseMarketMessage(raw []byte) (MarketEvent, error) {
	var msg CombinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return MarketEvent{}, err
	}
	payload := msg.Data
	if len(payload) == 0 {
		payload = raw
	}
	switch {
	case strings.Contains(msg.Stream, "@aggTrade"):
		var tr AggTrade
		if err := json.Unmarshal(payload, &tr); err != nil {
			return MarketEvent{}, err
		}
		return MarketEvent{Trade: &tr}, nil
	default:
		snap, err := ParseDepth(payload)
		if err != nil {
			return MarketEvent{}, err
		}
		return MarketEvent{Depth: &snap}, nil
	}
}

// ParseDepth 把深度推送转换为快照；不做合法性校验，由 market.State 负责。
func ParseDepth(payload []byte) (market.Snapshot, error) {
	var depth DepthUpdate
	if err := json.Unmarshal(payload, &depth); err != nil {
		return market.Snapshot{}, err
	}
	ts := depth.TxTime
	if ts == 0 {
		ts = depth.EventTime
	}
	return market.Snapshot{
		Symbol: depth.Symbol,
		Bids:   toLevels(depth.Bids),
		Asks:   toLevels(depth.Asks),
		Time:   millisToTime(ts),
	}, nil
}

func toLevels(raw [][2]json.Number) []market.Level {
	out := make([]market.Level, 0, len(raw))
	for _, r := range raw {
		out = append(out, market.Level{Price: parseFloat(r[0]), Quantity: parseFloat(r[1])})
	}
	return out
}

type userDataEvent struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     json.RawMessage `json:"o"`
}

type orderTradeUpdate struct {
	Symbol          string      `json:"s"`
	ClientOrderID   string      `json:"c"`
	Side            string      `json:"S"`
	ExecType        string      `json:"x"`
	Status          string      `json:"X"`
	OrderID         json.Number `json:"i"`
	LastQty         json.Number `json:"l"`
	CumQty          json.Number `json:"z"`
	LastPrice       json.Number `json:"L"`
	Commission      json.Number `json:"n"`
	CommissionAsset string      `json:"N"`
	TradeTime       int64       `json:"T"`
}

// ParseUserData 把 ORDER_TRADE_UPDATE 转换为执行回报；其他事件返回 ErrNonUserData。
func ParseUserData(raw []byte) (Execution, string, error) {
	var ev userDataEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Execution{}, "", err
	}
	if ev.Event != "ORDER_TRADE_UPDATE" || len(ev.Order) == 0 {
		return Execution{}, "", ErrNonUserData
	}
	var o orderTradeUpdate
	if err := json.Unmarshal(ev.Order, &o); err != nil {
		return Execution{}, "", err
	}
	ts := o.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}
	exec := Execution{
		ClientID:           o.ClientOrderID,
		ExchangeID:         o.OrderID.String(),
		Side:               strategy.Side(o.Side),
		Price:              parseFloat(o.LastPrice),
		Quantity:           parseFloat(o.LastQty),
		CumulativeQuantity: parseFloat(o.CumQty),
		Time:               millisToTime(ts),
	}
	switch o.ExecType {
	case "NEW":
		exec.Type = ExecAck
	case "TRADE":
		exec.Type = ExecFill
		exec.Commission = parseFloat(o.Commission)
		exec.CommissionAsset = o.CommissionAsset
	case "CANCELED", "EXPIRED":
		exec.Type = ExecCanceled
		exec.Reason = strings.ToLower(o.ExecType)
	case "REJECTED":
		exec.Type = ExecReject
		exec.Reason = "rejected by exchange"
	default:
		return Execution{}, o.Symbol, fmt.Errorf("%w: execution type %s", ErrNonUserData, o.ExecType)
	}
	return exec, o.Symbol, nil
}
