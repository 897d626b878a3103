package market

import (
	"math"
	"testing"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Symbol: "ETHUSDC",
		Bids:   []Level{{Price: 99.5, Quantity: 3}, {Price: 100, Quantity: 1}},
		Asks:   []Level{{Price: 102.5, Quantity: 5}, {Price: 101, Quantity: 2}},
	}
}

func TestSnapshotBestAndMid(t *testing.T) {
	s := testSnapshot()
	bid, ask := s.Best()
	if bid != 100 || ask != 101 {
		t.Fatalf("unexpected best bid/ask: %f/%f", bid, ask)
	}
	if mid := s.Mid(); mid != 100.5 {
		t.Fatalf("unexpected mid %f", mid)
	}
	if bps := s.SpreadBps(); bps < 99.5 || bps > 99.6 {
		t.Fatalf("unexpected spread bps %f", bps)
	}
}

func TestSnapshotValidate(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		ok   bool
	}{
		{"正常盘口", testSnapshot(), true},
		{"缺少卖盘", Snapshot{Bids: []Level{{Price: 100, Quantity: 1}}}, false},
		{"价格非正", Snapshot{Bids: []Level{{Price: 0, Quantity: 1}}, Asks: []Level{{Price: 101, Quantity: 1}}}, false},
		{"交叉盘口", Snapshot{Bids: []Level{{Price: 102, Quantity: 1}}, Asks: []Level{{Price: 101, Quantity: 1}}}, false},
		{"负数量", Snapshot{Bids: []Level{{Price: 100, Quantity: -1}}, Asks: []Level{{Price: 101, Quantity: 1}}}, false},
		{"价格NaN", Snapshot{Bids: []Level{{Price: 100, Quantity: 1}}, Asks: []Level{{Price: math.NaN(), Quantity: 1}}}, false},
		{"价格无穷", Snapshot{Bids: []Level{{Price: 100, Quantity: 1}}, Asks: []Level{{Price: math.Inf(1), Quantity: 1}}}, false},
		{"成交价无穷", Snapshot{Bids: []Level{{Price: 100, Quantity: 1}}, Asks: []Level{{Price: 101, Quantity: 1}}, LastTrade: math.Inf(1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.snap.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSnapshotPriceAtDepth(t *testing.T) {
	s := testSnapshot()

	avg, available := s.PriceAtDepth(DepthSideAsk, 3)
	if available != 7 {
		t.Fatalf("unexpected ask depth %f", available)
	}
	// 2@101 + 1@102.5
	if math.Abs(avg-(2*101+102.5)/3) > 1e-9 {
		t.Fatalf("unexpected ask vwap %f", avg)
	}

	if avg, _ := s.PriceAtDepth(DepthSideBid, 1); avg != 100 {
		t.Fatalf("best bid level should fill qty 1, got %f", avg)
	}
	if avg, available := s.PriceAtDepth(DepthSideBid, 10); avg != 0 || available != 4 {
		t.Fatalf("insufficient depth should return 0, got %f/%f", avg, available)
	}
}

func TestSnapshotTopIsSorted(t *testing.T) {
	s := testSnapshot()
	bids, asks := s.Top(1)
	if len(bids) != 1 || bids[0].Price != 100 {
		t.Fatalf("unexpected top bids %+v", bids)
	}
	if len(asks) != 1 || asks[0].Price != 101 {
		t.Fatalf("unexpected top asks %+v", asks)
	}
	if s.Asks[0].Price != 102.5 {
		t.Fatalf("Top must not reorder the snapshot")
	}

	bidQty, askQty := s.TopQuantity(5)
	if bidQty != 4 || askQty != 7 {
		t.Fatalf("unexpected top quantity %f/%f", bidQty, askQty)
	}
}
