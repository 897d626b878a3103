package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/inventory"
	"grid-maker-go/market"
	"grid-maker-go/strategy"
)

// MarketData 行情来源；gateway.Binance 在无密钥时只提供公共行情。
type MarketData interface {
	SubscribeOrderBook(ctx context.Context, symbol string) (<-chan market.Snapshot, error)
}

// Config 模拟撮合参数。
type Config struct {
	Symbol        string
	InitialEquity float64
	EventBuffer   int
	MakerFeeRate  float64 // 按成交额收取，0.0002 即 0.02%
}

type restingOrder struct {
	exchangeID string
	req        gateway.PlaceRequest
	createdAt  time.Time
}

// Exchange 演练模式的交易所：立即确认；对手盘吃掉整笔挂单量的均价不劣于挂单价时，
// 按挂单价全部成交。撮合检查发生在下单时与每个行情快照到达时；不模拟部分成交。
type Exchange struct {
	cfg  Config
	feed MarketData
	log  *logger.Logger

	mu       sync.Mutex
	resting  map[string]*restingOrder
	nextID   int64
	book     market.Snapshot
	mid      float64
	position inventory.Position

	qmu   sync.Mutex
	queue []gateway.Execution
	wake  chan struct{}
	execs chan gateway.Execution
	done  chan struct{}
	once  sync.Once
	now   func() time.Time
}

func NewExchange(cfg Config, feed MarketData, log *logger.Logger) *Exchange {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	e := &Exchange{
		cfg:     cfg,
		feed:    feed,
		log:     logger.OrNop(log).Named("sim"),
		resting: make(map[string]*restingOrder),
		wake:    make(chan struct{}, 1),
		execs:   make(chan gateway.Execution, cfg.EventBuffer),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	go e.pump()
	return e
}

// Close 停止回报投递。
func (e *Exchange) Close() {
	e.once.Do(func() { close(e.done) })
}

// PlaceOrder 立即确认；若盘口已穿价则紧接着成交。
func (e *Exchange) PlaceOrder(_ context.Context, req gateway.PlaceRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if _, dup := e.resting[req.ClientID]; dup {
		e.enqueue(gateway.Execution{Type: gateway.ExecReject, ClientID: req.ClientID, Side: req.Side, Reason: "duplicate client order id", Time: now})
		return nil
	}
	if req.Price <= 0 || req.Quantity <= 0 {
		e.enqueue(gateway.Execution{Type: gateway.ExecReject, ClientID: req.ClientID, Side: req.Side, Reason: "invalid price or quantity", Time: now})
		return nil
	}
	e.nextID++
	ro := &restingOrder{exchangeID: "sim-" + strconv.FormatInt(e.nextID, 10), req: req, createdAt: now}
	e.resting[req.ClientID] = ro
	e.enqueue(gateway.Execution{Type: gateway.ExecAck, ClientID: req.ClientID, ExchangeID: ro.exchangeID, Side: req.Side, Time: now})
	if e.crosses(ro) {
		e.fill(ro, now)
	}
	return nil
}

// CancelOrder 撤掉挂单；订单不存在（已成交或未知）时回报 CancelReject。
func (e *Exchange) CancelOrder(_ context.Context, req gateway.CancelRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	ro, ok := e.resting[req.ClientID]
	if !ok {
		e.enqueue(gateway.Execution{Type: gateway.ExecCancelReject, ClientID: req.ClientID, ExchangeID: req.ExchangeID, Reason: "unknown order", UnknownOrder: true, Time: now})
		return nil
	}
	delete(e.resting, req.ClientID)
	e.enqueue(gateway.Execution{Type: gateway.ExecCanceled, ClientID: req.ClientID, ExchangeID: ro.exchangeID, Side: ro.req.Side, Time: now})
	return nil
}

// SubscribeOrderBook 转发上游行情，并在转发前撮合被穿过的挂单。
func (e *Exchange) SubscribeOrderBook(ctx context.Context, symbol string) (<-chan market.Snapshot, error) {
	if e.feed == nil {
		return nil, fmt.Errorf("sim: %w: no market data feed", gateway.ErrNotConnected)
	}
	in, err := e.feed.SubscribeOrderBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan market.Snapshot, cap(in)+1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-in:
				if !ok {
					return
				}
				e.OnSnapshot(snap)
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// OnSnapshot 更新盘口并撮合。非法快照只忽略，不影响挂单。
func (e *Exchange) OnSnapshot(snap market.Snapshot) {
	if snap.Validate() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book = snap
	e.mid = snap.Mid()
	now := e.now()

	crossed := make([]*restingOrder, 0)
	for _, ro := range e.resting {
		if e.crosses(ro) {
			crossed = append(crossed, ro)
		}
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i].createdAt.Before(crossed[j].createdAt) })
	for _, ro := range crossed {
		e.fill(ro, now)
	}
}

func (e *Exchange) crosses(ro *restingOrder) bool {
	if ro.req.Side == strategy.SideBuy {
		avg, _ := e.book.PriceAtDepth(market.DepthSideAsk, ro.req.Quantity)
		return avg > 0 && avg <= ro.req.Price
	}
	avg, _ := e.book.PriceAtDepth(market.DepthSideBid, ro.req.Quantity)
	return avg > 0 && avg >= ro.req.Price
}

func (e *Exchange) fill(ro *restingOrder, now time.Time) {
	delete(e.resting, ro.req.ClientID)
	qty := ro.req.Quantity
	fee := qty * ro.req.Price * e.cfg.MakerFeeRate
	e.position.ApplyFill(ro.req.Side.Sign()*qty, ro.req.Price, fee)
	e.log.Debug("simulated fill",
		zap.String("client_id", ro.req.ClientID),
		zap.String("side", string(ro.req.Side)),
		zap.Float64("price", ro.req.Price),
		zap.Float64("qty", qty),
		zap.Float64("fee", fee))
	e.enqueue(gateway.Execution{
		Type:               gateway.ExecFill,
		ClientID:           ro.req.ClientID,
		ExchangeID:         ro.exchangeID,
		Side:               ro.req.Side,
		Price:              ro.req.Price,
		Quantity:           qty,
		CumulativeQuantity: qty,
		Commission:         fee,
		Time:               now,
	})
}

// SubscribeExecutions 返回回报通道。
func (e *Exchange) SubscribeExecutions(context.Context) (<-chan gateway.Execution, error) {
	return e.execs, nil
}

// GetAccountState 权益 = 初始资金 + 已实现盈亏（已扣手续费）+ 按中间价计算的浮动盈亏。
func (e *Exchange) GetAccountState(context.Context) (gateway.AccountState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.position
	if e.mid > 0 {
		pos.MarkToMarket(e.mid)
	}
	return gateway.AccountState{
		Equity:           e.cfg.InitialEquity + pos.TotalPnL(),
		AvailableBalance: e.cfg.InitialEquity + pos.RealizedPnL,
		NetQuantity:      pos.NetQuantity,
		EntryPrice:       pos.AverageEntryPrice,
		UpdatedAt:        e.now(),
	}, nil
}

// GetOpenOrders 返回模拟挂单。
func (e *Exchange) GetOpenOrders(context.Context, string) ([]gateway.OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]gateway.OpenOrder, 0, len(e.resting))
	for _, ro := range e.resting {
		out = append(out, gateway.OpenOrder{
			ClientID:   ro.req.ClientID,
			ExchangeID: ro.exchangeID,
			Side:       ro.req.Side,
			Price:      ro.req.Price,
			Quantity:   ro.req.Quantity,
			CreatedAt:  ro.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// enqueue 在持锁状态下调用；实际投递由 pump 完成，避免阻塞调用方。
func (e *Exchange) enqueue(evts ...gateway.Execution) {
	e.qmu.Lock()
	e.queue = append(e.queue, evts...)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Exchange) pump() {
	for {
		e.qmu.Lock()
		batch := e.queue
		e.queue = nil
		e.qmu.Unlock()

		for _, ev := range batch {
			select {
			case e.execs <- ev:
			case <-e.done:
				return
			}
		}
		select {
		case <-e.wake:
		case <-e.done:
			return
		}
	}
}
