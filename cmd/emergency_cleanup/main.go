package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/internal/store"
	"grid-maker-go/order"
)

// 做市进程异常退出后的人工清理：撤销本引擎遗留的挂单，可选删除快照。
// 只撤单不平仓；持仓仅打印供人工判断。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	all := flag.Bool("all", false, "撤销交易对的全部挂单（包括非本引擎下发的）")
	clearSnap := flag.Bool("clear-snapshot", false, "撤单完成后删除本地快照")
	dryRun := flag.Bool("dry-run", false, "只列出将要撤销的挂单")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
		log.Fatal("需要 api_key 和 api_secret（或 MM_GATEWAY_API_KEY / MM_GATEWAY_API_SECRET）")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bc := cfg.BinanceConfig()
	if bc.RESTURL == "" {
		bc.RESTURL = gateway.BinanceFuturesRESTEndpoint
	}
	client := &gateway.BinanceRESTClient{
		BaseURL:      bc.RESTURL,
		APIKey:       bc.APIKey,
		Secret:       bc.APISecret,
		RecvWindowMs: bc.RecvWindowMs,
		HTTPClient:   gateway.NewDefaultHTTPClient(),
		Limiter:      gateway.NewTokenBucketLimiter(5, 5),
	}

	open, err := client.OpenOrders(ctx, cfg.Symbol)
	if err != nil {
		log.Fatalf("查询挂单失败: %v", err)
	}
	fmt.Printf("%s 当前挂单 %d 个\n", cfg.Symbol, len(open))

	failed := 0
	for _, o := range open {
		if !*all && !order.IsEngineClientID(o.ClientOrderID) {
			fmt.Printf("  跳过 %s %s %s@%s（非本引擎订单）\n", o.ClientOrderID, o.Side, o.OrigQty, o.Price)
			continue
		}
		if *dryRun {
			fmt.Printf("  将撤销 %s %s %s@%s\n", o.ClientOrderID, o.Side, o.OrigQty, o.Price)
			continue
		}
		if _, err := client.CancelOrder(ctx, cfg.Symbol, o.OrderID.String(), o.ClientOrderID); err != nil {
			failed++
			fmt.Printf("  撤销 %s 失败: %v\n", o.ClientOrderID, err)
			continue
		}
		fmt.Printf("  已撤销 %s %s %s@%s\n", o.ClientOrderID, o.Side, o.OrigQty, o.Price)
	}

	if acct, err := client.Account(ctx); err != nil {
		fmt.Printf("查询账户失败: %v\n", err)
	} else {
		fmt.Printf("账户权益 %s，可用 %s\n", acct.TotalMarginBalance, acct.AvailableBalance)
		for _, p := range acct.Positions {
			if strings.EqualFold(p.Symbol, cfg.Symbol) {
				fmt.Printf("%s 持仓 %s，开仓均价 %s（不会自动平仓）\n", p.Symbol, p.PositionAmt, p.EntryPrice)
			}
		}
	}

	if *clearSnap && !*dryRun {
		st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			log.Fatalf("打开快照存储失败: %v", err)
		}
		err = st.Clear(cfg.Symbol)
		_ = st.Close()
		if err != nil {
			log.Fatalf("删除快照失败: %v", err)
		}
		fmt.Println("快照已删除")
	}

	if failed > 0 {
		os.Exit(1)
	}
}
