package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// DefaultCooldown 文件事件的防抖时间。
const DefaultCooldown = 2 * time.Second

// Watcher 监听配置文件变化，重新解析校验后把可热更新参数交给回调。
// symbol/mode/capital 等字段的变化被忽略并记录日志。
type Watcher struct {
	path     string
	cooldown time.Duration
	base     AppConfig
	log      *logger.Logger

	mu         sync.Mutex
	lastReload time.Time
}

// NewWatcher base 为启动时生效的配置，用于识别不可热更新的改动。
func NewWatcher(path string, base AppConfig, cooldown time.Duration, log *logger.Logger) *Watcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Watcher{path: path, base: base, cooldown: cooldown, log: logger.OrNop(log).Named("config")}
}

// LastReload 最近一次成功重载的时间。
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}

// Run 阻塞直到 ctx 取消。监听所在目录，兼容编辑器的 rename 式保存。
func (w *Watcher) Run(ctx context.Context, onChange func(Tunables)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.cooldown)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.cooldown)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if t, ok := w.reload(); ok && onChange != nil {
				onChange(t)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() (Tunables, bool) {
	next, err := Parse(w.path)
	if err != nil {
		w.log.Warn("config reload failed", zap.Error(err))
		return Tunables{}, false
	}
	// 只替换可热更新字段，其余沿用启动配置后整体校验
	merged := w.base
	merged.Grid = next.Grid
	merged.Inventory.SkewThresholdPct = next.Inventory.SkewThresholdPct
	merged.Inventory.MaxPosition = next.Inventory.MaxPosition
	merged.Risk = next.Risk
	if err := Validate(merged); err != nil {
		w.log.Warn("config reload rejected", zap.Error(err))
		return Tunables{}, false
	}
	if next.Symbol != w.base.Symbol || next.Mode != w.base.Mode || next.Capital != w.base.Capital {
		w.log.Warn("config reload ignores symbol/mode/capital changes",
			zap.String("symbol", next.Symbol),
			zap.String("mode", next.Mode),
			zap.Float64("initial_usdc", next.Capital.InitialUSDC))
	}

	w.mu.Lock()
	w.base = merged
	w.lastReload = time.Now()
	w.mu.Unlock()

	w.log.Info("config reloaded",
		zap.Float64("spacing_pct", merged.Grid.SpacingPct),
		zap.Int("levels_per_side", merged.Grid.LevelsPerSide),
		zap.Float64("slide_threshold_pct", merged.Grid.SlideThresholdPct),
		zap.Float64("skew_threshold_pct", merged.Inventory.SkewThresholdPct))
	return merged.Tunables(), true
}
