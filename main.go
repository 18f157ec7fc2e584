package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"port-liquidator/config"
	"port-liquidator/internal/agent"
	"port-liquidator/internal/chain"
	"port-liquidator/internal/jupiter"
	"port-liquidator/internal/lending"
	"port-liquidator/internal/liquidator"
	"port-liquidator/internal/logging"
	"port-liquidator/internal/metrics"
	"port-liquidator/internal/oracle"
	"port-liquidator/internal/port"
	"port-liquidator/internal/rebalance"
	"port-liquidator/internal/report"
	"port-liquidator/internal/scanner"
	"port-liquidator/internal/wallet"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	// 解析命令行参数
	var (
		configFile    string
		simulate      bool
		checkReserves bool
	)
	flag.StringVar(&configFile, "config", "config/liquidator.yaml", "配置文件路径")
	flag.BoolVar(&simulate, "simulate", false, "只扫描一次并打印报告，不发送交易")
	flag.BoolVar(&checkReserves, "check-reserves", false, "打印每个 reserve 的预言机类型和价格")
	flag.Parse()

	if err := initEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置文件失败:", err)
		os.Exit(1)
	}

	logger, closeLogging := logging.Setup(logging.Options{
		Service:      "port-liquidator",
		Level:        cfg.LogLevel,
		AlertWebhook: cfg.Alerts.WebhookURL,
		TraceWebhook: cfg.Alerts.TraceWebhookURL,
	})
	defer closeLogging()

	// 创建上下文以便优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, simulate, checkReserves); err != nil {
		logger.Error("程序异常退出", "err", err)
		closeLogging()
		os.Exit(1)
	}
	logger.Info("程序执行完成")
}

// initEnv 加载 .env，文件不存在时忽略
func initEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载环境变量失败: %v", err)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, simulate, checkReserves bool) error {
	payer, err := chain.LoadKeypair(cfg.KeypairPath)
	if err != nil {
		return err
	}
	rpc := chain.NewClient(chain.Options{
		Endpoint:       cfg.RPCEndpoint,
		RateLimit:      cfg.RPCRateLimit,
		StakingProgram: cfg.StakingProgramID,
	}, payer, logger)

	provider := port.NewProvider(rpc, cfg.ProgramID, cfg.LendingMarket, cfg.TokenNames(), logger)
	prices := oracle.NewReader(rpc, oracle.MainnetPrograms(), logger)
	scan := scanner.New(provider, prices, scannerConfig(cfg), logger)

	switch {
	case checkReserves:
		return runCheckReserves(ctx, provider, prices)
	case simulate:
		return runSimulate(ctx, scan, rebalance.New(rpc, nil, rebalanceConfig(cfg), logger), cfg)
	}

	// 启动检查：RPC 不可用或付款账户没有 SOL 时直接退出
	lamports, err := rpc.Balance(ctx, payer.PublicKey.ToBase58())
	if err != nil {
		return fmt.Errorf("读取付款账户余额失败: %w", err)
	}
	if lamports == 0 {
		return fmt.Errorf("付款账户 %s: %w", payer.PublicKey.ToBase58(), lending.ErrNoLamports)
	}
	logger.Info("付款账户", "address", payer.PublicKey.ToBase58(), "lamports", lamports)

	reserves, err := provider.Reserves(ctx)
	if err != nil {
		return fmt.Errorf("获取 reserve 列表失败: %w", err)
	}
	wallets, err := wallet.Prepare(ctx, rpc, reserves, logger)
	if err != nil {
		return fmt.Errorf("准备代币账户失败: %w", err)
	}

	builder, err := port.NewBuilder(cfg.ProgramID, cfg.LendingMarket, cfg.StakingProgramID)
	if err != nil {
		return err
	}
	redeemer := liquidator.NewRedeemer(rpc, builder, logger)
	orchestrator := liquidator.NewOrchestrator(rpc, builder, redeemer, liquidatorConfig(cfg), logger)

	m := metrics.New()
	if cfg.Metrics.ListenAddr != "" {
		serveMetrics(ctx, cfg.Metrics.ListenAddr, m, logger)
	}

	deps := agent.Deps{
		Scanner:    scan,
		Liquidator: orchestrator,
		Redeemer:   redeemer,
		Market:     provider,
		Prices:     prices,
		Wallets:    wallets,
		Metrics:    m,
	}
	if cfg.Rebalance.Enabled {
		router := jupiter.NewClient(cfg.Rebalance.JupiterEndpoint, rpc)
		deps.Rebalancer = rebalance.New(rpc, router, rebalanceConfig(cfg), logger)
	}

	return agent.NewLoop(deps, cfg.CheckInterval, logger).Run(ctx)
}

func runCheckReserves(ctx context.Context, provider *port.Provider, prices *oracle.Reader) error {
	reserves, err := provider.Reserves(ctx)
	if err != nil {
		return fmt.Errorf("获取 reserve 列表失败: %w", err)
	}
	index := make(lending.PriceIndex)
	for _, r := range reserves {
		kind, err := prices.Describe(ctx, r)
		if err != nil {
			fmt.Printf("%s\t%s\t读取预言机失败: %v\n", r.ID, r.Name, err)
			continue
		}
		price, err := prices.Price(ctx, r)
		if err != nil {
			fmt.Printf("%s\t%s\t%s\t价格不可用: %v\n", r.ID, r.Name, kind, err)
			continue
		}
		index[r.ID] = price
		fmt.Printf("%s\t%s\t%s\t$%s\n", r.ID, r.Name, kind, price.StringFixed(6))
	}
	fmt.Println(report.Prices(reserves, index, time.Now()))
	return nil
}

func runSimulate(ctx context.Context, scan *scanner.Scanner, holdings *rebalance.Rebalancer, cfg *config.Config) error {
	result, err := scan.Scan(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	fmt.Println(report.Prices(result.Reserves, result.Prices, now))
	fmt.Println(report.Positions(result.Ranked, cfg.Liquidation.DisplayFirst, now))
	fmt.Printf("可清算仓位: %d / %d\n", len(result.Candidates), result.TotalPositions)

	coins, err := holdings.Coins(ctx, result.Reserves, result.Prices)
	if err != nil {
		return fmt.Errorf("读取持仓失败: %w", err)
	}
	fmt.Println(report.Portfolio(coins, cfg.TokenNames(), now))
	return nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("指标服务退出", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("指标服务已启动", "addr", addr)
}

func scannerConfig(cfg *config.Config) scanner.Config {
	return scanner.Config{
		RiskThreshold:      cfg.Liquidation.RiskThreshold,
		ThresholdOverrides: cfg.Liquidation.ThresholdOverrides,
		MinLoanValue:       decimal.NewFromFloat(cfg.Liquidation.MinLoanValue),
		DisplayFirst:       cfg.Liquidation.DisplayFirst,
	}
}

func liquidatorConfig(cfg *config.Config) liquidator.Config {
	return liquidator.Config{
		ReduceFactor:           decimal.NewFromFloat(cfg.Liquidation.ReduceFactor),
		NativeReserveLamports:  cfg.Liquidation.NativeReserveLamports,
		RedeemAfterLiquidation: cfg.RedeemAfterLiquidation(),
	}
}

func rebalanceConfig(cfg *config.Config) rebalance.Config {
	overrides := make(map[string]decimal.Decimal, len(cfg.Rebalance.RatioOverrides))
	for mint, ratio := range cfg.Rebalance.RatioOverrides {
		overrides[mint] = decimal.NewFromFloat(ratio)
	}
	return rebalance.Config{
		StableMint:      cfg.Rebalance.StableMint,
		DefaultRatio:    decimal.NewFromFloat(cfg.Rebalance.DefaultRatio),
		RatioOverrides:  overrides,
		SlippageBps:     cfg.Rebalance.SlippageBps,
		HysteresisRatio: decimal.NewFromFloat(cfg.Rebalance.HysteresisRatio),
		MinSwapValue:    decimal.NewFromFloat(cfg.Rebalance.MinSwapValue),
	}
}
