package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/infrastructure/monitor"
	"grid-maker-go/internal/store"
	"grid-maker-go/market"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

// shutdownCancelRetry 关停期间重发被拒撤单的间隔。
const shutdownCancelRetry = 250 * time.Millisecond

// ErrNotRunning 引擎事件循环未运行。
var ErrNotRunning = errors.New("engine not running")

// EngineState 引擎状态
type EngineState int32

const (
	StateIdle EngineState = iota
	StateStarting // 恢复快照与启动对账中，尚不接受控制命令
	StateRunning
	StateStopping
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (s EngineState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config 引擎配置。比例字段均已由百分数换算。
type Config struct {
	Symbol         string
	InitialCapital float64
	Leverage       float64
	MaxPositionPct float64 // 推导最大持仓时的资金占比

	Grid          strategy.Config
	SkewThreshold float64
	MaxPosition   float64 // 0 表示按参考价推导
	Limits        risk.Limits
	Market        market.StateConfig
	Constraints   order.SymbolConstraints

	RiskInterval           time.Duration // 风控/行情过期复查
	SnapshotInterval       time.Duration
	AccountRefreshInterval time.Duration
	ResyncInterval         time.Duration
	StatusInterval         time.Duration
	ShutdownTimeout        time.Duration
	PendingGrace           time.Duration
	PruneAfter             time.Duration
	RequestTimeout         time.Duration // 账户/挂单查询超时
}

// ConfigFrom 从应用配置构建引擎配置。
func ConfigFrom(cfg config.AppConfig) Config {
	op := cfg.Operational
	return Config{
		Symbol:                 cfg.Symbol,
		InitialCapital:         cfg.Capital.InitialUSDC,
		Leverage:               cfg.Capital.Leverage,
		MaxPositionPct:         cfg.Inventory.MaxPositionPct / 100,
		Grid:                   cfg.StrategyConfig(),
		SkewThreshold:          cfg.SkewThreshold(),
		MaxPosition:            cfg.Inventory.MaxPosition,
		Limits:                 cfg.RiskLimits(),
		Market:                 cfg.MarketConfig(),
		Constraints:            cfg.Constraints(),
		SnapshotInterval:       op.SnapshotInterval,
		AccountRefreshInterval: op.AccountRefreshInterval,
		ResyncInterval:         op.ResyncInterval,
		StatusInterval:         op.StatusInterval,
		ShutdownTimeout:        op.ShutdownTimeout,
		PendingGrace:           op.PendingGrace,
		PruneAfter:             op.PruneAfter,
	}
}

func (c *Config) applyDefaults() {
	if c.RiskInterval <= 0 {
		c.RiskInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 5 * time.Second
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 10 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Components 引擎依赖组件
type Components struct {
	Exchange gateway.Exchange
	Store    store.Store
	Logger   *logger.Logger
	Monitor  *monitor.Monitor
	Alerts   *alert.Manager
	Clock    risk.Clock
}

// Engine 单写者事件循环：行情、执行回报、控制命令与定时器都在 Run 的 goroutine 中串行处理，
// 核心状态（行情、订单表、持仓、风控状态）不加锁。
type Engine struct {
	cfg    Config
	ex     gateway.Exchange
	store  store.Store
	log    *logger.Logger
	mon    *monitor.Monitor
	alerts *alert.Manager
	clock  risk.Clock

	market    *market.State
	grid      *strategy.Grid
	orders    *order.Manager
	risk      *risk.Manager
	riskState risk.State

	// 两次账户刷新之间按持仓盈亏变化推算权益
	accountEquity float64
	pnlAtAccount  float64

	halted      bool
	haltReason  risk.Reason
	warnings    map[risk.Warning]bool
	lastCenter  float64
	lastSkew    float64
	accountBusy bool
	resyncBusy  bool
	stopping    bool
	fatal       error
	startedAt   time.Time
	lastSaved   time.Time

	runCtx     context.Context
	adapterCtx context.Context
	control    chan func()
	state      atomic.Int32
	stopped    chan struct{}
	stopOnce   sync.Once
}

// New 创建交易引擎
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.Exchange == nil {
		return nil, errors.New("invalid components: exchange is required")
	}
	cfg.applyDefaults()
	if c.Store == nil {
		c.Store = store.Nop{}
	}
	if c.Clock == nil {
		c.Clock = risk.NowUTC
	}
	grid, err := strategy.NewGrid(cfg.Grid, cfg.Constraints)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	orders := order.NewManager(cfg.Symbol, cfg.Constraints)
	orders.SetClock(c.Clock.Now)

	return &Engine{
		cfg:           cfg,
		ex:            c.Exchange,
		store:         c.Store,
		log:           logger.OrNop(c.Logger).Named("engine"),
		mon:           c.Monitor,
		alerts:        c.Alerts,
		clock:         c.Clock,
		market:        market.NewState(cfg.Market),
		grid:          grid,
		orders:        orders,
		risk:          risk.NewManager(cfg.Limits, c.Clock),
		riskState:     risk.NewState(cfg.InitialCapital),
		accountEquity: cfg.InitialCapital,
		warnings:      make(map[risk.Warning]bool),
		control:       make(chan func(), 16),
		stopped:       make(chan struct{}),
	}, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if cfg.InitialCapital <= 0 {
		return errors.New("initial capital must be > 0")
	}
	if err := cfg.Grid.Validate(); err != nil {
		return err
	}
	if err := cfg.Limits.Validate(); err != nil {
		return err
	}
	if cfg.SkewThreshold < 0 || cfg.SkewThreshold >= 1 {
		return fmt.Errorf("skew threshold %.4f must be in [0,1)", cfg.SkewThreshold)
	}
	return nil
}

// State 当前引擎状态，可在任意 goroutine 调用。
func (e *Engine) State() EngineState { return EngineState(e.state.Load()) }

// Done 事件循环退出后关闭。
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// Run 恢复状态后进入事件循环，直到 ctx 取消或出现致命错误。
// ctx 取消后执行撤单与快照保存；正常退出返回 nil。
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("engine already started (state: %s)", e.State())
	}
	defer e.stopOnce.Do(func() {
		e.state.Store(int32(StateStopped))
		close(e.stopped)
	})
	e.startedAt = e.clock.Now()
	e.runCtx = ctx

	// 下单/撤单与执行回报在 ctx 取消后仍需工作，直到关停流程结束
	adapterCtx, stopAdapter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAdapter()
	e.adapterCtx = adapterCtx

	execs, err := e.ex.SubscribeExecutions(adapterCtx)
	if err != nil {
		return fmt.Errorf("subscribe executions: %w", err)
	}
	books, err := e.ex.SubscribeOrderBook(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("subscribe order book: %w", err)
	}

	e.log.Info("engine starting",
		zap.String("symbol", e.cfg.Symbol),
		zap.Float64("initial_capital", e.cfg.InitialCapital),
		zap.Float64("spacing", e.cfg.Grid.Spacing),
		zap.Int("levels_per_side", e.cfg.Grid.LevelsPerSide),
		zap.String("spacing_mode", string(e.cfg.Grid.Mode)))

	if err := e.restore(ctx); err != nil {
		return err
	}
	e.state.Store(int32(StateRunning))
	e.log.Info("engine running", zap.Int("live_orders", e.orders.LiveCount()))
	return e.loop(ctx, books, execs)
}

func (e *Engine) loop(ctx context.Context, books <-chan market.Snapshot, execs <-chan gateway.Execution) error {
	riskTick := time.NewTicker(e.cfg.RiskInterval)
	defer riskTick.Stop()
	pruneTick := time.NewTicker(maxDuration(e.cfg.PruneAfter/2, time.Second))
	defer pruneTick.Stop()
	snapshotC, stopSnapshot := optionalTicker(e.cfg.SnapshotInterval)
	defer stopSnapshot()
	accountC, stopAccount := optionalTicker(e.cfg.AccountRefreshInterval)
	defer stopAccount()
	resyncC, stopResync := optionalTicker(e.cfg.ResyncInterval)
	defer stopResync()
	statusC, stopStatus := optionalTicker(e.cfg.StatusInterval)
	defer stopStatus()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(execs, nil)

		case snap, ok := <-books:
			if !ok {
				e.log.Warn("order book stream closed")
				books = nil
				continue
			}
			e.onBook(ctx, snap)

		case ex, ok := <-execs:
			if !ok {
				e.log.Error("execution stream closed")
				execs = nil
				continue
			}
			e.onExecution(ctx, ex)

		case fn := <-e.control:
			fn()

		case <-riskTick.C:
			e.cycle(ctx)

		case <-snapshotC:
			e.saveSnapshot()

		case <-accountC:
			e.refreshAccount(ctx)

		case <-resyncC:
			e.requestResync(ctx, "periodic")

		case <-statusC:
			e.logStatus()

		case <-pruneTick.C:
			if n := e.orders.Prune(e.cfg.PruneAfter); n > 0 {
				e.log.Debug("pruned terminal orders", zap.Int("count", n))
			}
		}

		if e.fatal != nil {
			return e.shutdown(execs, e.fatal)
		}
	}
}

// shutdown 排空队列、撤销全部订单并等待确认（有超时），最后尽力保存快照。
func (e *Engine) shutdown(execs <-chan gateway.Execution, cause error) error {
	e.state.Store(int32(StateStopping))
	e.stopping = true
	if cause != nil {
		e.log.Error("engine stopping on fatal error", zap.Error(cause))
		_ = e.alerts.Critical("grid engine halted on fatal error", map[string]interface{}{
			"symbol": e.cfg.Symbol,
			"error":  cause.Error(),
		})
	} else {
		e.log.Info("engine stopping, canceling live orders", zap.Int("live_orders", e.orders.LiveCount()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

drain:
	for {
		select {
		case ex, ok := <-execs:
			if !ok {
				execs = nil
				break drain
			}
			e.onExecution(ctx, ex)
		case fn := <-e.control:
			fn()
		default:
			break drain
		}
	}

	e.cancelAll(ctx, "shutdown")
	// 被拒的撤单按固定间隔重发，不随每条回报重发
	retry := time.NewTicker(shutdownCancelRetry)
	defer retry.Stop()
	for e.orders.LiveCount() > 0 && execs != nil {
		select {
		case ex, ok := <-execs:
			if !ok {
				execs = nil
				continue
			}
			e.onExecution(ctx, ex)
		case <-retry.C:
			e.cancelAll(ctx, "shutdown retry")
		case fn := <-e.control:
			fn()
		case <-ctx.Done():
			e.log.Warn("shutdown timeout with live orders remaining",
				zap.Int("live_orders", e.orders.LiveCount()),
				zap.Duration("timeout", e.cfg.ShutdownTimeout))
			e.saveSnapshot()
			return cause
		}
	}
	e.saveSnapshot()
	e.log.Info("engine stopped",
		zap.Int("live_orders", e.orders.LiveCount()),
		zap.Float64("net_quantity", e.orders.Position().NetQuantity))
	return cause
}

func optionalTicker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
