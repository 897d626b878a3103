package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/strategy"
)

func TestParseMarketMessageDepth(t *testing.T) {
	raw := []byte(`{
		"stream":"btcusdt@depth20@100ms",
		"data":{
		  "e":"depthUpdate","E":1700000000000,"T":1700000000001,
		  "s":"BTCUSDT",
		  "b":[["100.1","1.2"],["100.0","2"]],
		  "a":[["100.2","1.1"],["100.3","2.2"]]
		}
	}`)
	ev, err := ParseMarketMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Depth)
	snap := *ev.Depth
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	bid, ask := snap.Best()
	assert.Equal(t, 100.1, bid)
	assert.Equal(t, 100.2, ask)
	assert.Equal(t, int64(1700000000001), snap.Time.UnixMilli())
	assert.NoError(t, snap.Validate())
}

func TestParseMarketMessageTrade(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"100.15","q":"0.3","T":1}}`)
	ev, err := ParseMarketMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Trade)
	assert.Equal(t, 100.15, parseFloat(ev.Trade.Price))
}

func TestParseUserData(t *testing.T) {
	cases := []struct {
		name string
		x    string
		want ExecType
	}{
		{"新订单确认", "NEW", ExecAck},
		{"成交", "TRADE", ExecFill},
		{"撤单", "CANCELED", ExecCanceled},
		{"GTX 过期", "EXPIRED", ExecCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"ETHUSDC","c":"mm-1","S":"SELL","x":"` + tc.x +
				`","X":"PARTIALLY_FILLED","i":8886774,"l":"0.004","z":"0.006","L":"3015.00","n":"0.0024","N":"USDC","T":1700000000005}}`)
			exec, symbol, err := ParseUserData(raw)
			require.NoError(t, err)
			assert.Equal(t, "ETHUSDC", symbol)
			assert.Equal(t, tc.want, exec.Type)
			assert.Equal(t, "mm-1", exec.ClientID)
			assert.Equal(t, "8886774", exec.ExchangeID)
			assert.Equal(t, strategy.SideSell, exec.Side)
			assert.Equal(t, 0.006, exec.CumulativeQuantity)
			assert.Equal(t, 3015.0, exec.Price)
			if tc.want == ExecFill {
				assert.Equal(t, 0.0024, exec.Commission)
				assert.Equal(t, "USDC", exec.CommissionAsset)
			} else {
				assert.Zero(t, exec.Commission)
			}
		})
	}

	_, _, err := ParseUserData([]byte(`{"e":"ACCOUNT_UPDATE","a":{}}`))
	assert.ErrorIs(t, err, ErrNonUserData)
}
