package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。方法对 nil 接收者安全，测试中可直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   prometheus.Counter
	ordersCanceled prometheus.Counter
	ordersRejected prometheus.Counter
	cancelRejects  prometheus.Counter
	fills          prometheus.Counter
	lateFills      prometheus.Counter
	liveOrders     prometheus.Gauge

	// 交易指标
	tradedVolume   prometheus.Counter
	tradedNotional prometheus.Counter

	// 仓位指标
	position      prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	realizedPnL   prometheus.Gauge
	equity        prometheus.Gauge
	leverage      prometheus.Gauge

	// 市场指标
	referencePrice prometheus.Gauge
	spreadBps      prometheus.Gauge
	bidPrice       prometheus.Gauge
	askPrice       prometheus.Gauge

	// 网格指标
	gridCenter prometheus.Gauge
	recenters  prometheus.Counter
	skew       prometheus.Gauge

	// 风控指标
	halted         prometheus.Gauge
	emergencyStop  prometheus.Gauge
	riskHalts      *prometheus.CounterVec
	riskRejects    prometheus.Counter
	riskWarnings   *prometheus.CounterVec
	resyncs        prometheus.Counter
	snapshotErrors prometheus.Counter

	// 系统指标
	wsConnections *prometheus.CounterVec
	wsDisconnects *prometheus.CounterVec
	restRequests  *prometheus.CounterVec
	restErrors    *prometheus.CounterVec
	restLatency   *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mm",
		Subsystem: "grid",
	}
}

// New 创建新的Monitor实例，使用独立的 registry。
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counter("orders_placed_total", "下单请求总数"),
		ordersCanceled: counter("orders_canceled_total", "撤单确认总数"),
		ordersRejected: counter("orders_rejected_total", "订单拒绝总数（含本地约束拒单）"),
		cancelRejects:  counter("cancel_rejects_total", "撤单被拒总数"),
		fills:          counter("fills_total", "成交回报笔数"),
		lateFills:      counter("late_fills_total", "终态订单上的迟到成交"),
		liveOrders:     gauge("live_orders", "当前活跃订单数"),

		tradedVolume:   counter("traded_volume_total", "累计成交量（基础币）"),
		tradedNotional: counter("traded_notional_total", "累计成交额（计价币）"),

		position:      gauge("position", "当前净仓位"),
		unrealizedPnL: gauge("unrealized_pnl", "未实现盈亏"),
		realizedPnL:   gauge("realized_pnl", "已实现盈亏"),
		equity:        gauge("equity", "当前权益"),
		leverage:      gauge("leverage", "当前杠杆"),

		referencePrice: gauge("reference_price", "当前参考价"),
		spreadBps:      gauge("spread_bps", "买卖价差（bps）"),
		bidPrice:       gauge("bid_price", "当前买一价"),
		askPrice:       gauge("ask_price", "当前卖一价"),

		gridCenter: gauge("grid_center", "网格中心价"),
		recenters:  counter("recenters_total", "网格重心调整次数"),
		skew:       gauge("inventory_skew", "库存偏斜系数 [-1,1]"),

		halted:         gauge("halted", "是否暂停报价(0/1)"),
		emergencyStop:  gauge("emergency_stop", "紧急停止锁存(0/1)"),
		riskHalts:      counterVec("risk_halts_total", "风控暂停次数", "reason"),
		riskRejects:    counter("risk_rejects_total", "下单前风控拒单总数"),
		riskWarnings:   counterVec("risk_warnings_total", "风控预警次数", "warning"),
		resyncs:        counter("resyncs_total", "与交易所对账次数"),
		snapshotErrors: counter("snapshot_errors_total", "快照保存失败次数"),

		wsConnections: counterVec("ws_connections_total", "WebSocket连接次数", "stream"),
		wsDisconnects: counterVec("ws_disconnects_total", "WebSocket断开次数", "stream"),
		restRequests:  counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:    counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced() {
	if m != nil {
		m.ordersPlaced.Inc()
	}
}

func (m *Monitor) RecordOrderCanceled() {
	if m != nil {
		m.ordersCanceled.Inc()
	}
}

func (m *Monitor) RecordOrderRejected() {
	if m != nil {
		m.ordersRejected.Inc()
	}
}

func (m *Monitor) RecordCancelReject() {
	if m != nil {
		m.cancelRejects.Inc()
	}
}

// RecordFill 记录一笔成交增量。
func (m *Monitor) RecordFill(qty, price float64, late bool) {
	if m == nil {
		return
	}
	m.fills.Inc()
	if late {
		m.lateFills.Inc()
	}
	m.tradedVolume.Add(qty)
	m.tradedNotional.Add(qty * price)
}

func (m *Monitor) SetLiveOrders(n int) {
	if m != nil {
		m.liveOrders.Set(float64(n))
	}
}

// UpdatePosition 仓位与盈亏
func (m *Monitor) UpdatePosition(net, unrealized, realized float64) {
	if m == nil {
		return
	}
	m.position.Set(net)
	m.unrealizedPnL.Set(unrealized)
	m.realizedPnL.Set(realized)
}

func (m *Monitor) UpdateAccount(equity, leverage float64) {
	if m == nil {
		return
	}
	m.equity.Set(equity)
	m.leverage.Set(leverage)
}

// UpdateMarket 盘口与参考价
func (m *Monitor) UpdateMarket(bid, ask, ref, spreadBps float64) {
	if m == nil {
		return
	}
	m.bidPrice.Set(bid)
	m.askPrice.Set(ask)
	m.referencePrice.Set(ref)
	m.spreadBps.Set(spreadBps)
}

func (m *Monitor) UpdateGrid(center, skew float64) {
	if m == nil {
		return
	}
	m.gridCenter.Set(center)
	m.skew.Set(skew)
}

func (m *Monitor) RecordRecenter() {
	if m != nil {
		m.recenters.Inc()
	}
}

// UpdateRiskState halted 表示本轮暂停报价，stopped 表示紧急停止锁存。
func (m *Monitor) UpdateRiskState(halted, stopped bool) {
	if m == nil {
		return
	}
	m.halted.Set(boolGauge(halted))
	m.emergencyStop.Set(boolGauge(stopped))
}

func (m *Monitor) RecordRiskHalt(reason string) {
	if m != nil {
		m.riskHalts.WithLabelValues(reason).Inc()
	}
}

func (m *Monitor) RecordRiskReject() {
	if m != nil {
		m.riskRejects.Inc()
	}
}

func (m *Monitor) RecordRiskWarning(warning string) {
	if m != nil {
		m.riskWarnings.WithLabelValues(warning).Inc()
	}
}

func (m *Monitor) RecordResync() {
	if m != nil {
		m.resyncs.Inc()
	}
}

func (m *Monitor) RecordSnapshotError() {
	if m != nil {
		m.snapshotErrors.Inc()
	}
}

// ObserveREST 实现 gateway.Observer。
func (m *Monitor) ObserveREST(action string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
	m.restLatency.WithLabelValues(action).Observe(latency.Seconds())
	if err != nil {
		m.restErrors.WithLabelValues(action).Inc()
	}
}

// ObserveStream 实现 gateway.Observer。
func (m *Monitor) ObserveStream(stream string, connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.wsConnections.WithLabelValues(stream).Inc()
	} else {
		m.wsDisconnects.WithLabelValues(stream).Inc()
	}
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
