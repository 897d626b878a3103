package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/infrastructure/alert"
	"grid-maker-go/infrastructure/logger"
	"grid-maker-go/infrastructure/monitor"
	"grid-maker-go/internal/api"
	"grid-maker-go/internal/engine"
	"grid-maker-go/internal/store"
	"grid-maker-go/sim"
)

// tunablesTimeout 热更新等待事件循环的上限
const tunablesTimeout = 5 * time.Second

// Option 构建选项
type Option func(*Container)

// WithExchange 注入交易所实现，跳过 Binance/模拟撮合的构建。
func WithExchange(ex gateway.Exchange) Option {
	return func(c *Container) { c.exchange = ex }
}

// WithLogger 注入日志器；未注入时按配置创建并在 Close 时关闭。
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// WithAlertChannels 追加告警通道（默认只有日志通道）。
func WithAlertChannels(chs ...alert.Channel) Option {
	return func(c *Container) { c.extraChannels = append(c.extraChannels, chs...) }
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger        *logger.Logger
	ownLogger     bool
	monitor       *monitor.Monitor
	alerts        *alert.Manager
	extraChannels []alert.Channel
	store         store.Store

	// 交易所网关
	exchange gateway.Exchange
	binance  *gateway.Binance
	sim      *sim.Exchange

	// 核心服务
	engine *engine.Engine
	api    *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例。configPath 为空时不监听配置变化。
func New(cfg config.AppConfig, configPath string, opts ...Option) *Container {
	c := &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		c.Close()
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		c.Close()
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.String("symbol", c.cfg.Symbol),
		zap.String("mode", c.cfg.Mode),
		zap.Bool("dry_run", c.cfg.DryRun()),
		zap.String("store", c.cfg.Store.Driver))
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		log, err := logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.logger = log
		c.ownLogger = true
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := append([]alert.Channel{alert.NewLogChannel(c.logger.Named("alert"))}, c.extraChannels...)
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle)

	st, err := store.Open(c.cfg.Store.Driver, c.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}
	c.store = st
	return nil
}

// buildGateway 实盘/测试网直接使用 Binance；演练模式用 Binance 公共行情驱动模拟撮合。
func (c *Container) buildGateway() error {
	if c.exchange != nil {
		return nil
	}

	c.binance = gateway.NewBinance(c.cfg.BinanceConfig(), c.cfg.Constraints(), c.logger)
	c.binance.SetObserver(c.monitor)

	if c.cfg.DryRun() {
		c.sim = sim.NewExchange(sim.Config{
			Symbol:        c.cfg.Symbol,
			InitialEquity: c.cfg.Capital.InitialUSDC,
			EventBuffer:   c.cfg.Operational.EventBuffer,
			MakerFeeRate:  c.cfg.Operational.SimMakerFeePct / 100,
		}, c.binance, c.logger)
		c.exchange = c.sim
		c.logger.Warn("dry-run mode: orders are matched locally against the live book")
		return nil
	}
	if c.cfg.Gateway.APIKey == "" || c.cfg.Gateway.APISecret == "" {
		return errors.New("api key and secret are required outside dry-run")
	}
	c.exchange = c.binance
	return nil
}

func (c *Container) buildCoreServices() error {
	eng, err := engine.New(engine.ConfigFrom(c.cfg), engine.Components{
		Exchange: c.exchange,
		Store:    c.store,
		Logger:   c.logger,
		Monitor:  c.monitor,
		Alerts:   c.alerts,
	})
	if err != nil {
		return fmt.Errorf("create engine failed: %w", err)
	}
	c.engine = eng
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.API.Addr != "" {
		c.api = &httpServerComponent{
			name:    "api_server",
			handler: api.NewServer(c.engine, c.monitor.Handler(), c.logger).Handler(),
			addr:    c.cfg.API.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.api)
	}

	if c.configPath != "" {
		watcher := config.NewWatcher(c.configPath, c.cfg, config.DefaultCooldown, c.logger)
		c.lifecycle.Register(&runnerComponent{
			name:   "config_watcher",
			logger: c.logger,
			run: func(ctx context.Context) error {
				return watcher.Run(ctx, c.applyTunables)
			},
		})
	}
}

func (c *Container) applyTunables(t config.Tunables) {
	ctx, cancel := context.WithTimeout(context.Background(), tunablesTimeout)
	defer cancel()
	if err := c.engine.ApplyTunables(ctx, t); err != nil {
		c.logger.Warn("config reload rejected", zap.Error(err))
		_ = c.alerts.Warning("config reload rejected", map[string]interface{}{
			"symbol": c.cfg.Symbol,
			"error":  err.Error(),
		})
	}
}

// Run 启动辅助组件后运行引擎，阻塞到 ctx 取消或引擎因致命错误退出。
// 引擎完成撤单与快照后再停止辅助组件并释放资源。
func (c *Container) Run(ctx context.Context) error {
	if c.engine == nil {
		return errors.New("container not built")
	}
	defer c.Close()

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return err
	}

	runErr := c.engine.Run(ctx)

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.Warn("component stop failed", zap.Error(err))
	}
	if runErr != nil {
		c.logger.Error("grid maker exited with error", zap.Error(runErr))
	} else {
		c.logger.Info("grid maker exited")
	}
	return runErr
}

// Close 释放存储、模拟撮合与网关资源。可重复调用。
func (c *Container) Close() {
	if c.sim != nil {
		c.sim.Close()
		c.sim = nil
	}
	if c.binance != nil {
		c.binance.Wait()
		c.binance = nil
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil && c.logger != nil {
			c.logger.Warn("store close failed", zap.Error(err))
		}
		c.store = nil
	}
	if c.ownLogger && c.logger != nil {
		_ = c.logger.Close()
		c.ownLogger = false
	}
}

// HealthCheck 辅助组件健康且引擎处于运行态。
func (c *Container) HealthCheck() error {
	if c.engine == nil {
		return errors.New("container not built")
	}
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if st := c.engine.State(); st != engine.StateRunning {
		return fmt.Errorf("engine %s", st)
	}
	return nil
}

// Engine 返回引擎
func (c *Container) Engine() *engine.Engine { return c.engine }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// APIAddr 运维接口的实际监听地址；未启动时为空。
func (c *Container) APIAddr() string {
	if c.api == nil {
		return ""
	}
	return c.api.Addr()
}
