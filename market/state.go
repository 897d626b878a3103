package market

import (
	"math"
	"time"
)

// ReferenceSource 决定参考价的来源。
type ReferenceSource string

const (
	ReferenceMid       ReferenceSource = "mid"
	ReferenceLastTrade ReferenceSource = "last_trade"
)

// defaultRelativeEpsilon 未配置 epsilon 时使用的相对阈值。
const defaultRelativeEpsilon = 1e-9

// StateConfig 参考价计算参数。
type StateConfig struct {
	Reference ReferenceSource
	Epsilon   float64 // 绝对阈值，0 表示使用相对阈值
}

// View 是 State 的只读副本，供风控与策略读取。
type View struct {
	BestBid        float64
	BestAsk        float64
	ReferencePrice float64
	SpreadBps      float64
	LastUpdateAt   time.Time
}

// HasData 是否已收到过有效快照。
func (v View) HasData() bool {
	return v.ReferencePrice > 0 && !v.LastUpdateAt.IsZero()
}

// Stale 在 window 内没有更新（或从未更新）时返回 true。
func (v View) Stale(now time.Time, window time.Duration) bool {
	if !v.HasData() {
		return true
	}
	if window <= 0 {
		return false
	}
	return now.Sub(v.LastUpdateAt) > window
}

// State 维护单个交易对的最新盘口与参考价。
// 只由引擎事件循环写入，不加锁。
type State struct {
	cfg  StateConfig
	view View
	last Snapshot
}

func NewState(cfg StateConfig) *State {
	if cfg.Reference == "" {
		cfg.Reference = ReferenceMid
	}
	return &State{cfg: cfg}
}

// Update 应用新快照。参考价变化超过 epsilon 时 changed 为 true；
// 快照非法时返回 ErrMalformedSnapshot 并保留旧状态。
func (s *State) Update(snap Snapshot) (changed bool, err error) {
	if err := snap.Validate(); err != nil {
		return false, err
	}
	bid, ask := snap.Best()
	ref := (bid + ask) / 2
	if s.cfg.Reference == ReferenceLastTrade && snap.LastTrade > 0 {
		ref = snap.LastTrade
	}
	ts := snap.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	prev := s.view.ReferencePrice
	s.view = View{
		BestBid:        bid,
		BestAsk:        ask,
		ReferencePrice: ref,
		SpreadBps:      snap.SpreadBps(),
		LastUpdateAt:   ts,
	}
	s.last = snap
	return s.moved(prev, ref), nil
}

func (s *State) moved(prev, next float64) bool {
	if prev == 0 {
		return true
	}
	eps := s.cfg.Epsilon
	if eps <= 0 {
		eps = math.Abs(prev) * defaultRelativeEpsilon
	}
	return math.Abs(next-prev) > eps
}

// View 返回当前状态的副本。
func (s *State) View() View { return s.view }

// Last 返回最近一次接受的快照。
func (s *State) Last() Snapshot { return s.last }
