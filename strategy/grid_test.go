package strategy_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-maker-go/inventory"
	"grid-maker-go/order"
	"grid-maker-go/strategy"
)

func baseConfig() strategy.Config {
	return strategy.Config{
		Spacing:        0.005,
		LevelsPerSide:  3,
		SlideThreshold: 0.01,
		Mode:           strategy.SpacingArithmetic,
		OrderQuantity:  0.01,
	}
}

var ethRules = order.SymbolConstraints{TickSize: 0.01, StepSize: 0.001, MinQty: 0.001}

// TestGridScenarioThreeLevels 1000 USDC、0.5% 间距、每侧 3 档、参考价 3000
func TestGridScenarioThreeLevels(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), ethRules)
	require.NoError(t, err)

	levels := g.Compute(3000, strategy.NeutralBias())
	require.Len(t, levels, 6)
	assert.True(t, g.Recentered(), "first compute seeds center")
	assert.Equal(t, 3000.0, g.Center())

	want := []struct {
		index int
		side  strategy.Side
		price float64
	}{
		{-1, strategy.SideBuy, 2985.0},
		{-2, strategy.SideBuy, 2970.0},
		{-3, strategy.SideBuy, 2955.0},
		{1, strategy.SideSell, 3015.0},
		{2, strategy.SideSell, 3030.0},
		{3, strategy.SideSell, 3045.0},
	}
	for i, w := range want {
		assert.Equal(t, w.index, levels[i].Index)
		assert.Equal(t, w.side, levels[i].Side)
		assert.InDelta(t, w.price, levels[i].Price, 1e-9, "level %d", w.index)
		assert.InDelta(t, 0.01, levels[i].Quantity, 1e-12)
	}
}

func TestGridSymmetricCount(t *testing.T) {
	for _, mode := range []strategy.SpacingMode{strategy.SpacingArithmetic, strategy.SpacingGeometric} {
		for n := 1; n <= 20; n++ {
			cfg := baseConfig()
			cfg.Mode = mode
			cfg.LevelsPerSide = n
			cfg.Spacing = 0.001
			levels := strategy.Levels(cfg, 100, strategy.NeutralBias(), nil)
			buys, sells := 0, 0
			for _, lv := range levels {
				if lv.Side == strategy.SideBuy {
					buys++
				} else {
					sells++
				}
			}
			assert.Equal(t, 2*n, len(levels))
			assert.Equal(t, buys, sells)
		}
	}
}

func TestGridRecenterBoundary(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), nil)
	require.NoError(t, err)
	g.SetCenter(3000)

	// 恰好 1%：不触发
	assert.False(t, g.ShouldRecenter(3030))
	assert.False(t, g.ShouldRecenter(2970))
	// 严格大于：触发
	assert.True(t, g.ShouldRecenter(3030.01))
	assert.True(t, g.ShouldRecenter(2969.99))

	g.Compute(3030, strategy.NeutralBias())
	assert.Equal(t, 3000.0, g.Center())
	assert.False(t, g.Recentered())

	g.Compute(3031, strategy.NeutralBias())
	assert.Equal(t, 3031.0, g.Center())
	assert.True(t, g.Recentered())
	g.MarkSettled()
	assert.False(t, g.Recentered())
}

func TestGridIgnoresNonFiniteReference(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), ethRules)
	require.NoError(t, err)
	g.SetCenter(3000)

	for _, ref := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		var levels []strategy.Level
		require.NotPanics(t, func() { levels = g.Compute(ref, strategy.NeutralBias()) })
		assert.Equal(t, 3000.0, g.Center())
		assert.False(t, g.Recentered())
		require.Len(t, levels, 6)
		assert.InDelta(t, 2985.0, levels[0].Price, 1e-9)
	}
}

func TestGridSkewMultipliers(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), ethRules)
	require.NoError(t, err)

	skew := inventory.Skew(0.8, 1, 0.5) // 0.6
	buyMul, sellMul := inventory.Multipliers(skew)
	levels := g.Compute(3000, strategy.Bias{BuyMultiplier: buyMul, SellMultiplier: sellMul, AllowBuy: true, AllowSell: true})
	for _, lv := range levels {
		if lv.Side == strategy.SideBuy {
			assert.InDelta(t, 0.004, lv.Quantity, 1e-12)
		} else {
			assert.InDelta(t, 0.016, lv.Quantity, 1e-12)
		}
	}
}

func TestGridBlockedSideKeepsSlots(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), ethRules)
	require.NoError(t, err)
	bias := strategy.NeutralBias()
	bias.AllowBuy = false
	levels := g.Compute(3000, bias)
	require.Len(t, levels, 6)
	for _, lv := range levels[:3] {
		assert.Zero(t, lv.Quantity)
		assert.Greater(t, lv.Price, 0.0)
	}
	for _, lv := range levels[3:] {
		assert.Greater(t, lv.Quantity, 0.0)
	}
}

func TestGridNotionalSizing(t *testing.T) {
	cfg := baseConfig()
	cfg.OrderQuantity = 0
	cfg.OrderNotional = 30
	levels := strategy.Levels(cfg, 3000, strategy.NeutralBias(), ethRules)
	// 30 / 2985 = 0.01005 -> 0.010
	assert.InDelta(t, 0.010, levels[0].Quantity, 1e-12)
}

func TestGeometricLevelsAndBucket(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = strategy.SpacingGeometric
	levels := strategy.Levels(cfg, 3000, strategy.NeutralBias(), nil)
	assert.InDelta(t, 3000/1.005, levels[0].Price, 1e-9)
	assert.InDelta(t, 3000*1.005*1.005, levels[4].Price, 1e-9)
	for _, lv := range levels {
		assert.Equal(t, lv.Index, strategy.Bucket(cfg, 3000, lv.Price))
	}
}

func TestBucketMatchesIndex(t *testing.T) {
	g, err := strategy.NewGrid(baseConfig(), ethRules)
	require.NoError(t, err)
	for _, lv := range g.Compute(3000, strategy.NeutralBias()) {
		assert.Equal(t, lv.Index, g.Bucket(lv.Price))
		assert.Equal(t, lv.Price, g.TargetPrice(lv.Index))
	}
	// 偏离不到半档仍落在同一档
	assert.Equal(t, -1, g.Bucket(2980))
	assert.Equal(t, 2, g.Bucket(3035))
}

func TestConfigValidate(t *testing.T) {
	bad := baseConfig()
	bad.LevelsPerSide = 0
	assert.ErrorIs(t, bad.Validate(), strategy.ErrInvalidConfig)

	bad = baseConfig()
	bad.Spacing = 0.5
	assert.ErrorIs(t, bad.Validate(), strategy.ErrInvalidConfig, "arithmetic grid below zero")

	bad = baseConfig()
	bad.OrderQuantity = 0
	assert.ErrorIs(t, bad.Validate(), strategy.ErrInvalidConfig)
}
