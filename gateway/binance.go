package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/market"
	"grid-maker-go/strategy"
)

// codeDuplicateClientID 重试时交易所已收到首个请求。
const codeDuplicateClientID = -4116

// Formatter 把价格/数量格式化为交易所接受的精度；order.SymbolConstraints 实现该接口。
type Formatter interface {
	FormatPrice(price float64) string
	FormatQty(qty float64) string
}

type plainFormatter struct{}

func (plainFormatter) FormatPrice(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }
func (plainFormatter) FormatQty(q float64) string   { return strconv.FormatFloat(q, 'f', -1, 64) }

// BinanceConfig 适配器参数。
type BinanceConfig struct {
	Symbol            string
	RESTURL           string
	WSURL             string
	APIKey            string
	APISecret         string
	RecvWindowMs      int64
	RatePerSec        float64
	Burst             int
	MaxRetries        int
	RetryBackoff      time.Duration
	EventBuffer       int
	KeepAliveInterval time.Duration
}

func (c *BinanceConfig) applyDefaults() {
	if c.RESTURL == "" {
		c.RESTURL = BinanceFuturesRESTEndpoint
	}
	if c.WSURL == "" {
		c.WSURL = BinanceFuturesWSEndpoint
	}
	if c.RecvWindowMs <= 0 {
		c.RecvWindowMs = 5000
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 25 * time.Minute
	}
}

// Binance 实现 Exchange：REST 下单/撤单在独立 goroutine 中执行并带退避重试，
// 结果与用户数据流的订单更新汇入同一个执行回报通道。
type Binance struct {
	cfg    BinanceConfig
	rest   *BinanceRESTClient
	lk     *ListenKeyClient
	format Formatter
	log    *logger.Logger
	dialer *websocket.Dialer

	obs      Observer
	execs    chan Execution
	userOnce sync.Once
	wg       sync.WaitGroup
}

func NewBinance(cfg BinanceConfig, format Formatter, log *logger.Logger) *Binance {
	cfg.applyDefaults()
	if format == nil {
		format = plainFormatter{}
	}
	var limiter RateLimiter
	if cfg.RatePerSec > 0 {
		limiter = NewTokenBucketLimiter(cfg.RatePerSec, cfg.Burst)
	}
	return &Binance{
		cfg: cfg,
		rest: &BinanceRESTClient{
			BaseURL:      cfg.RESTURL,
			APIKey:       cfg.APIKey,
			Secret:       cfg.APISecret,
			RecvWindowMs: cfg.RecvWindowMs,
			HTTPClient:   NewDefaultHTTPClient(),
			Limiter:      limiter,
		},
		lk: &ListenKeyClient{
			BaseURL:    cfg.RESTURL,
			APIKey:     cfg.APIKey,
			HTTPClient: NewListenKeyHTTPClient(),
		},
		format: format,
		log:    logger.OrNop(log).Named("binance"),
		dialer: websocket.DefaultDialer,
		execs:  make(chan Execution, cfg.EventBuffer),
	}
}

// SetHTTPClient 替换 REST 使用的 http.Client（测试或代理）。
func (b *Binance) SetHTTPClient(c *http.Client) {
	b.rest.HTTPClient = c
	b.lk.HTTPClient = c
}

// SetObserver 注册调用统计，须在订阅与下单之前调用。
func (b *Binance) SetObserver(o Observer) { b.obs = o }

// SetDialer 替换 websocket 拨号器。
func (b *Binance) SetDialer(d *websocket.Dialer) { b.dialer = d }

func (b *Binance) authenticated() bool { return b.cfg.APIKey != "" && b.cfg.APISecret != "" }

// PlaceOrder 异步下单，成功回报 Ack，最终失败回报 Reject。
func (b *Binance) PlaceOrder(ctx context.Context, req PlaceRequest) error {
	if !b.authenticated() {
		return fmt.Errorf("place %s: %w: api key not configured", req.ClientID, ErrNotConnected)
	}
	if req.Symbol == "" {
		req.Symbol = b.cfg.Symbol
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var resp OrderResponse
		err := b.withRetry(ctx, "place", func(ctx context.Context) error {
			var err error
			resp, err = b.rest.PlaceLimit(ctx, req.Symbol, req.Side, b.format.FormatPrice(req.Price), b.format.FormatQty(req.Quantity), req.ClientID)
			return err
		})
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeDuplicateClientID {
			// 前一次请求已经成功，确认会从用户数据流到达
			err = nil
		}
		if err != nil {
			b.emit(ctx, Execution{Type: ExecReject, ClientID: req.ClientID, Side: req.Side, Reason: err.Error(), Time: time.Now().UTC()})
			return
		}
		b.emit(ctx, Execution{Type: ExecAck, ClientID: req.ClientID, ExchangeID: resp.OrderID.String(), Side: req.Side, Time: time.Now().UTC()})
	}()
	return nil
}

// CancelOrder 异步撤单，成功回报 Canceled，失败回报 CancelReject。
func (b *Binance) CancelOrder(ctx context.Context, req CancelRequest) error {
	if !b.authenticated() {
		return fmt.Errorf("cancel %s: %w: api key not configured", req.ClientID, ErrNotConnected)
	}
	if req.Symbol == "" {
		req.Symbol = b.cfg.Symbol
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var resp OrderResponse
		err := b.withRetry(ctx, "cancel", func(ctx context.Context) error {
			var err error
			resp, err = b.rest.CancelOrder(ctx, req.Symbol, req.ExchangeID, req.ClientID)
			return err
		})
		if err != nil {
			b.emit(ctx, Execution{
				Type:         ExecCancelReject,
				ClientID:     req.ClientID,
				ExchangeID:   req.ExchangeID,
				Reason:       err.Error(),
				UnknownOrder: IsUnknownOrder(err),
				Time:         time.Now().UTC(),
			})
			return
		}
		b.emit(ctx, Execution{
			Type:               ExecCanceled,
			ClientID:           req.ClientID,
			ExchangeID:         resp.OrderID.String(),
			CumulativeQuantity: parseFloat(resp.ExecutedQty),
			Time:               time.Now().UTC(),
		})
	}()
	return nil
}

func (b *Binance) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	wait := b.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err = fn(ctx)
		if b.obs != nil {
			b.obs.ObserveREST(op, time.Since(start), err)
		}
		if err == nil || !IsRetryable(err) || attempt >= b.cfg.MaxRetries {
			return err
		}
		b.log.Warn("rest call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (b *Binance) emit(ctx context.Context, e Execution) {
	select {
	case b.execs <- e:
	case <-ctx.Done():
		b.log.Warn("execution dropped on shutdown", zap.String("type", string(e.Type)), zap.String("client_id", e.ClientID))
	}
}

// SubscribeOrderBook 订阅 depth20@100ms 与 aggTrade；快照携带最近成交价。
// 消费方跟不上时丢弃较旧的快照，只保留最新的。
func (b *Binance) SubscribeOrderBook(ctx context.Context, symbol string) (<-chan market.Snapshot, error) {
	if symbol == "" {
		symbol = b.cfg.Symbol
	}
	streamURL, err := CombinedStreamURL(b.cfg.WSURL, DepthStreams(symbol)...)
	if err != nil {
		return nil, err
	}
	out := make(chan market.Snapshot, 16)
	stream := &WSStream{
		Name:    "depth:" + strings.ToLower(symbol),
		URLFunc: func(context.Context) (string, error) { return streamURL, nil },
		Dialer:  b.dialer,
		Logger:  b.log,
	}
	b.observeStream(stream)
	var lastTrade float64
	handle := func(raw []byte) {
		ev, err := ParseMarketMessage(raw)
		if err != nil {
			b.log.Debug("skip market message", zap.Error(err))
			return
		}
		if ev.Trade != nil {
			if p := parseFloat(ev.Trade.Price); p > 0 {
				lastTrade = p
			}
			return
		}
		snap := *ev.Depth
		if snap.Symbol == "" {
			snap.Symbol = symbol
		}
		snap.LastTrade = lastTrade
		if snap.Time.IsZero() {
			snap.Time = time.Now().UTC()
		}
		select {
		case out <- snap:
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			default:
			}
		}
	}
	go func() {
		defer close(out)
		_ = stream.Run(ctx, handle)
	}()
	return out, nil
}

// SubscribeExecutions 建立用户数据流并返回执行回报通道（同时承载 REST 结果）。
func (b *Binance) SubscribeExecutions(ctx context.Context) (<-chan Execution, error) {
	if !b.authenticated() {
		return nil, fmt.Errorf("user data stream: %w: api key not configured", ErrNotConnected)
	}
	b.userOnce.Do(func() {
		stream := &WSStream{
			Name:    "user",
			URLFunc: b.userStreamURL,
			Dialer:  b.dialer,
			Logger:  b.log,
		}
		b.observeStream(stream)
		go b.keepAlive(ctx)
		go func() {
			_ = stream.Run(ctx, func(raw []byte) { b.onUserData(ctx, raw) })
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := b.lk.Close(closeCtx); err != nil {
				b.log.Debug("close listenKey failed", zap.Error(err))
			}
		}()
	})
	return b.execs, nil
}

func (b *Binance) observeStream(s *WSStream) {
	if b.obs == nil {
		return
	}
	s.OnConnect = func() { b.obs.ObserveStream(s.Name, true) }
	s.OnDisconnect = func(error) { b.obs.ObserveStream(s.Name, false) }
}

func (b *Binance) userStreamURL(ctx context.Context) (string, error) {
	key, err := b.lk.NewListenKey(ctx)
	if err != nil {
		return "", fmt.Errorf("new listenKey: %w", err)
	}
	return strings.TrimRight(b.cfg.WSURL, "/") + "/ws/" + key, nil
}

func (b *Binance) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.lk.KeepAlive(ctx); err != nil {
				b.log.Warn("listenKey keepalive failed", zap.Error(err))
			}
		}
	}
}

func (b *Binance) onUserData(ctx context.Context, raw []byte) {
	exec, symbol, err := ParseUserData(raw)
	if err != nil {
		if !errors.Is(err, ErrNonUserData) {
			b.log.Warn("parse user data failed", zap.Error(err))
		}
		return
	}
	if symbol != "" && !strings.EqualFold(symbol, b.cfg.Symbol) {
		return
	}
	b.emit(ctx, exec)
}

// GetAccountState 查询权益与本交易对持仓（阻塞）。
func (b *Binance) GetAccountState(ctx context.Context) (AccountState, error) {
	if !b.authenticated() {
		return AccountState{}, fmt.Errorf("account: %w: api key not configured", ErrNotConnected)
	}
	var acct AccountResponse
	err := b.withRetry(ctx, "account", func(ctx context.Context) error {
		var err error
		acct, err = b.rest.Account(ctx)
		return err
	})
	if err != nil {
		return AccountState{}, err
	}
	st := AccountState{
		Equity:           parseFloat(acct.TotalMarginBalance),
		AvailableBalance: parseFloat(acct.AvailableBalance),
		UpdatedAt:        time.Now().UTC(),
	}
	for _, p := range acct.Positions {
		if strings.EqualFold(p.Symbol, b.cfg.Symbol) {
			st.NetQuantity = parseFloat(p.PositionAmt)
			st.EntryPrice = parseFloat(p.EntryPrice)
			break
		}
	}
	return st, nil
}

// GetOpenOrders 查询交易所挂单（阻塞）。
func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if !b.authenticated() {
		return nil, fmt.Errorf("open orders: %w: api key not configured", ErrNotConnected)
	}
	if symbol == "" {
		symbol = b.cfg.Symbol
	}
	var raw []OrderResponse
	err := b.withRetry(ctx, "open_orders", func(ctx context.Context) error {
		var err error
		raw, err = b.rest.OpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, r := range raw {
		out = append(out, OpenOrder{
			ClientID:       r.ClientOrderID,
			ExchangeID:     r.OrderID.String(),
			Side:           strategy.Side(r.Side),
			Price:          parseFloat(r.Price),
			Quantity:       parseFloat(r.OrigQty),
			FilledQuantity: parseFloat(r.ExecutedQty),
			CreatedAt:      millisToTime(r.Time),
		})
	}
	return out, nil
}

// Wait 等待进行中的 REST 请求结束。
func (b *Binance) Wait() { b.wg.Wait() }
