package market

import (
	"math"
	"sort"
)

// Best 返回最好买/卖价；若不存在则为 0。
func (s Snapshot) Best() (bestBid float64, bestAsk float64) {
	for _, lv := range s.Bids {
		if lv.Price > bestBid {
			bestBid = lv.Price
		}
	}
	for _, lv := range s.Asks {
		if bestAsk == 0 || lv.Price < bestAsk {
			bestAsk = lv.Price
		}
	}
	return bestBid, bestAsk
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (s Snapshot) Mid() float64 {
	bid, ask := s.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBps 返回买卖价差（基点）。
func (s Snapshot) SpreadBps() float64 {
	bid, ask := s.Best()
	mid := s.Mid()
	if mid == 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// DepthSide 选择买盘或卖盘。
type DepthSide int

const (
	DepthSideBid DepthSide = iota
	DepthSideAsk
)

// PriceAtDepth 从最优价开始吃掉 qty 的成交均价；available 为该侧总挂单量。
// 深度不足 qty 时 avgPrice 为 0。
func (s Snapshot) PriceAtDepth(side DepthSide, qty float64) (avgPrice float64, available float64) {
	levels := s.sorted(side)
	for _, lv := range levels {
		available += lv.Quantity
	}
	if qty <= 0 || available < qty {
		return 0, available
	}
	if levels[0].Quantity >= qty {
		return levels[0].Price, available
	}
	remaining := qty
	notional := 0.0
	for _, lv := range levels {
		take := math.Min(remaining, lv.Quantity)
		notional += take * lv.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	return notional / qty, available
}

// Top 返回按价格优先排序的前 n 档。
func (s Snapshot) Top(n int) (bids []Level, asks []Level) {
	bids = s.sorted(DepthSideBid)
	asks = s.sorted(DepthSideAsk)
	if n >= 0 && len(bids) > n {
		bids = bids[:n]
	}
	if n >= 0 && len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// TopQuantity 前 n 档的挂单量合计。
func (s Snapshot) TopQuantity(n int) (bidQty float64, askQty float64) {
	bids, asks := s.Top(n)
	for _, lv := range bids {
		bidQty += lv.Quantity
	}
	for _, lv := range asks {
		askQty += lv.Quantity
	}
	return bidQty, askQty
}

// sorted 返回副本；不依赖上游的档位顺序。
func (s Snapshot) sorted(side DepthSide) []Level {
	var src []Level
	if side == DepthSideBid {
		src = s.Bids
	} else {
		src = s.Asks
	}
	out := make([]Level, len(src))
	copy(out, src)
	if side == DepthSideBid {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	return out
}
