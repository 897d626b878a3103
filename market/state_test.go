package market

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func book(bid, ask float64, ts time.Time) Snapshot {
	return Snapshot{
		Symbol: "ETHUSDC",
		Bids:   []Level{{Price: bid, Quantity: 1}},
		Asks:   []Level{{Price: ask, Quantity: 1}},
		Time:   ts,
	}
}

func TestStateUpdateEmitsChangeBeyondEpsilon(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewState(StateConfig{Epsilon: 0.5})

	changed, err := s.Update(book(2999, 3001, now))
	require.NoError(t, err)
	assert.True(t, changed, "first snapshot always changes reference")
	assert.Equal(t, 3000.0, s.View().ReferencePrice)

	changed, err = s.Update(book(2999.2, 3001.2, now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, changed, "0.2 move is within epsilon")
	assert.Equal(t, now.Add(time.Second), s.View().LastUpdateAt)

	changed, err = s.Update(book(3000, 3002, now.Add(2*time.Second)))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestStateKeepsPriorOnMalformed(t *testing.T) {
	later := func(snap Snapshot) Snapshot {
		snap.Time = snap.Time.Add(time.Second)
		return snap
	}
	now := time.Now()
	good := book(100, 101, now)

	tests := []struct {
		name string
		snap Snapshot
	}{
		{"交叉盘口", book(102, 101, now)},
		{"卖价NaN", Snapshot{Bids: good.Bids, Asks: []Level{{Price: math.NaN(), Quantity: 1}, {Price: 101, Quantity: 1}}, Time: now}},
		{"卖价正无穷", Snapshot{Bids: good.Bids, Asks: []Level{{Price: math.Inf(1), Quantity: 1}}, Time: now}},
		{"买价负无穷", Snapshot{Bids: []Level{{Price: math.Inf(-1), Quantity: 1}, {Price: 100, Quantity: 1}}, Asks: good.Asks, Time: now}},
		{"数量NaN", Snapshot{Bids: []Level{{Price: 100, Quantity: math.NaN()}}, Asks: good.Asks, Time: now}},
		{"数量正无穷", Snapshot{Bids: good.Bids, Asks: []Level{{Price: 101, Quantity: math.Inf(1)}}, Time: now}},
		{"成交价NaN", Snapshot{Bids: good.Bids, Asks: good.Asks, LastTrade: math.NaN(), Time: now}},
		{"成交价正无穷", Snapshot{Bids: good.Bids, Asks: good.Asks, LastTrade: math.Inf(1), Time: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(StateConfig{Reference: ReferenceLastTrade})
			_, err := s.Update(good)
			require.NoError(t, err)

			changed, err := s.Update(later(tt.snap))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedSnapshot))
			assert.False(t, changed)
			assert.Equal(t, 100.5, s.View().ReferencePrice)
			assert.Equal(t, now, s.View().LastUpdateAt)
			assert.True(t, s.View().HasData())
		})
	}
}

func TestStateLastTradeReference(t *testing.T) {
	s := NewState(StateConfig{Reference: ReferenceLastTrade})
	snap := book(100, 102, time.Now())
	snap.LastTrade = 101.7
	_, err := s.Update(snap)
	require.NoError(t, err)
	assert.Equal(t, 101.7, s.View().ReferencePrice)

	// 没有成交价时回退到中间价
	_, err = s.Update(book(100, 102, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 101.0, s.View().ReferencePrice)
}

func TestViewStale(t *testing.T) {
	now := time.Now()
	var empty View
	assert.True(t, empty.Stale(now, time.Second), "no data is stale")

	v := View{ReferencePrice: 100, LastUpdateAt: now}
	assert.False(t, v.Stale(now.Add(5*time.Second), 5*time.Second))
	assert.True(t, v.Stale(now.Add(5*time.Second+time.Millisecond), 5*time.Second))
}
