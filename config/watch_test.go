package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDeliversTunables(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	base, err := Load(path, noEnvFile(t))
	require.NoError(t, err)

	w := NewWatcher(path, base, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Tunables, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(tn Tunables) { got <- tn }) }()

	// 等待监听建立后再修改
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(sampleConfig, "spacing_pct: 0.5", "spacing_pct: 0.8", 1)
	updated = strings.Replace(updated, "symbol: ethusdc", "symbol: btcusdc", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case tn := <-got:
		assert.InDelta(t, 0.008, tn.Grid.Spacing, 1e-12)
		assert.Equal(t, 3, tn.Grid.LevelsPerSide)
		assert.InDelta(t, 0.2, tn.Limits.MaxLossPct, 1e-12)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload callback")
	}
	assert.False(t, w.LastReload().IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	base := Default()
	path := writeTempConfig(t, "grid: {spacing_pct: 0.5}\n")
	w := NewWatcher(path, base, time.Millisecond, nil)

	require.NoError(t, os.WriteFile(path, []byte("grid: {spacing_pct: -1}\n"), 0o644))
	_, ok := w.reload()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("grid: [broken\n"), 0o644))
	_, ok = w.reload()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("grid: {spacing_pct: 0.3}\nrisk: {max_loss_pct: 10}\n"), 0o644))
	tn, ok := w.reload()
	require.True(t, ok)
	assert.InDelta(t, 0.003, tn.Grid.Spacing, 1e-12)
	assert.InDelta(t, 0.1, tn.Limits.MaxLossPct, 1e-12)
}
