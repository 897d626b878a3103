package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-maker-go/config"
	"grid-maker-go/internal/container"
	"grid-maker-go/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFiles := flag.String("env", "", "逗号分隔的 .env 文件，留空则尝试当前目录 .env")
	dryRun := flag.Bool("dry-run", false, "强制演练模式：行情真实，撮合在本地模拟")
	noWatch := flag.Bool("no-watch", false, "不监听配置文件变化")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, splitList(*envFiles)...)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *dryRun {
		cfg.Operational.DryRun = true
	}

	watchPath := *cfgPath
	if *noWatch {
		watchPath = ""
	}
	c := container.New(cfg, watchPath)
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go notifySystemd(ctx, c)

	err = c.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "grid maker stopped: %v\n", err)
		os.Exit(1)
	}
}

// notifySystemd 引擎进入运行态后发送 READY；启用看门狗时仅在健康检查通过时喂狗。
// 未在 systemd 下运行时 SdNotify 直接返回 false。
func notifySystemd(ctx context.Context, c *container.Container) {
	eng := c.Engine()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for eng.State() != engine.StateRunning {
		select {
		case <-ctx.Done():
			return
		case <-eng.Done():
			return
		case <-poll.C:
		}
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.Logger().Warn("sd_notify ready failed", zap.Error(err))
	}

	var watchdog <-chan time.Time
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		tick := time.NewTicker(interval / 2)
		defer tick.Stop()
		watchdog = tick.C
	}
	for {
		select {
		case <-ctx.Done():
			// 撤单与快照可能超过看门狗间隔
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return
		case <-eng.Done():
			return
		case <-watchdog:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check failed, skipping watchdog", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
