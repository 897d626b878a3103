package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/inventory"
	"grid-maker-go/order"
	"grid-maker-go/risk"
	"grid-maker-go/strategy"
)

func sampleSnapshot() Snapshot {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st := risk.NewState(1000)
	st.CurrentEquity = 990
	st.EmergencyStop = true
	st.StopReason = risk.ReasonMaxLossBreached
	return Snapshot{
		Symbol:     "ETHUSDC",
		SavedAt:    created.Add(time.Minute),
		GridCenter: 3000,
		Position:   inventory.Position{NetQuantity: 0.02, AverageEntryPrice: 2990, RealizedPnL: 1.5},
		Risk:       st,
		Orders: []order.Order{
			{ClientID: "mm-a", ExchangeID: "101", Symbol: "ETHUSDC", Side: strategy.SideBuy, Level: -1, Price: 2985, Quantity: 0.01, Status: order.StatusOpen, CreatedAt: created, UpdatedAt: created},
			{ClientID: "mm-b", Symbol: "ETHUSDC", Side: strategy.SideSell, Level: 1, Price: 3015, Quantity: 0.01, FilledQuantity: 0.004, Status: order.StatusPartiallyFilled, CreatedAt: created, UpdatedAt: created},
			{ClientID: "mm-c", Symbol: "ETHUSDC", Side: strategy.SideSell, Level: 2, Price: 3030, Quantity: 0.01, Status: order.StatusCanceled, CreatedAt: created, UpdatedAt: created},
		},
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "nested", "state.json"))
	require.NoError(t, err)
	ps, err := NewPebbleStore(filepath.Join(dir, "pebble"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return map[string]Store{"file": fs, "pebble": ps}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Load("ETHUSDC")
			require.ErrorIs(t, err, ErrNoSnapshot)

			require.NoError(t, st.Save(sampleSnapshot()))
			got, err := st.Load("ETHUSDC")
			require.NoError(t, err)

			assert.Equal(t, snapshotVersion, got.Version)
			assert.Equal(t, 3000.0, got.GridCenter)
			assert.Equal(t, 0.02, got.Position.NetQuantity)
			assert.True(t, got.Risk.EmergencyStop)
			assert.Equal(t, 1000.0, got.Risk.InitialCapital)
			// 终态订单不落盘
			require.Len(t, got.Orders, 2)
			assert.Equal(t, "mm-a", got.Orders[0].ClientID)
			assert.Equal(t, order.StatusPartiallyFilled, got.Orders[1].Status)
			assert.Equal(t, 0.004, got.Orders[1].FilledQuantity)
			assert.True(t, got.Orders[0].CreatedAt.Equal(sampleSnapshot().Orders[0].CreatedAt))

			require.NoError(t, st.Clear("ETHUSDC"))
			_, err = st.Load("ETHUSDC")
			require.ErrorIs(t, err, ErrNoSnapshot)
			require.NoError(t, st.Clear("ETHUSDC"))
		})
	}
}

func TestStoreSymbolIsolation(t *testing.T) {
	stores := openStores(t)
	for _, st := range stores {
		require.NoError(t, st.Save(sampleSnapshot()))
	}

	_, err := stores["file"].Load("BTCUSDC")
	assert.ErrorIs(t, err, ErrSymbolMismatch)
	assert.ErrorIs(t, stores["file"].Clear("BTCUSDC"), ErrSymbolMismatch)

	_, err = stores["pebble"].Load("BTCUSDC")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	assert.Error(t, stores["file"].Save(Snapshot{}))
}

func TestFileStoreConcurrentSave(t *testing.T) {
	st, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := sampleSnapshot()
			snap.GridCenter = float64(3000 + i)
			assert.NoError(t, st.Save(snap))
			_, err := st.Load("ETHUSDC")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := st.Load("ETHUSDC")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.GridCenter, 3000.0)
	assert.Less(t, got.GridCenter, 3008.0)
}

func TestOpen(t *testing.T) {
	st, err := Open("none", "")
	require.NoError(t, err)
	_, err = st.Load("ETHUSDC")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = Open("redis", "x")
	assert.Error(t, err)

	st, err = Open("file", filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)
}
