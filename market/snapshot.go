package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedSnapshot 快照缺档、价格非法或盘口交叉。
var ErrMalformedSnapshot = errors.New("malformed book snapshot")

// Level 单档价格与挂单量。
type Level struct {
	Price    float64
	Quantity float64
}

// Snapshot 是某一时刻的完整盘口：Bids 按价格降序，Asks 按价格升序。
type Snapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	LastTrade float64
	Time      time.Time
}

// Validate 检查快照是否可以用于定价。
func (s Snapshot) Validate() error {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return fmt.Errorf("%w: bids=%d asks=%d", ErrMalformedSnapshot, len(s.Bids), len(s.Asks))
	}
	if err := checkLevels("bid", s.Bids); err != nil {
		return err
	}
	if err := checkLevels("ask", s.Asks); err != nil {
		return err
	}
	if !finite(s.LastTrade) || s.LastTrade < 0 {
		return fmt.Errorf("%w: invalid last trade %v", ErrMalformedSnapshot, s.LastTrade)
	}
	bid, ask := s.Best()
	if bid <= 0 || ask <= 0 {
		return fmt.Errorf("%w: non-positive best bid %.8f / ask %.8f", ErrMalformedSnapshot, bid, ask)
	}
	if bid > ask {
		return fmt.Errorf("%w: crossed book bid %.8f > ask %.8f", ErrMalformedSnapshot, bid, ask)
	}
	return nil
}

func checkLevels(side string, levels []Level) error {
	for _, lv := range levels {
		if !finite(lv.Price) || !finite(lv.Quantity) {
			return fmt.Errorf("%w: non-finite %s level %v@%v", ErrMalformedSnapshot, side, lv.Quantity, lv.Price)
		}
		if lv.Quantity < 0 {
			return fmt.Errorf("%w: negative %s quantity at %.8f", ErrMalformedSnapshot, side, lv.Price)
		}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
