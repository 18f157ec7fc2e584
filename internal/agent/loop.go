package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/metrics"
	"port-liquidator/internal/scanner"
	"port-liquidator/internal/wallet"

	"github.com/google/uuid"
)

// Scanner 扫描仓位
type Scanner interface {
	Scan(ctx context.Context) (*scanner.Result, error)
}

// Liquidator 清算单个仓位
type Liquidator interface {
	Liquidate(ctx context.Context, candidate lending.EnrichedPosition, reserves map[string]lending.Reserve, wallets *wallet.Map) lending.Outcome
}

// Redeemer 赎回全部 reserve 的凭证
type Redeemer interface {
	RedeemAll(ctx context.Context, reserves []lending.Reserve, wallets *wallet.Map) []lending.Outcome
}

// Rebalancer 调整持仓比例
type Rebalancer interface {
	Rebalance(ctx context.Context, reserves []lending.Reserve, prices lending.PriceIndex) ([]lending.Outcome, error)
}

// Market 再平衡使用的 reserve 和价格
type Market interface {
	Reserves(ctx context.Context) ([]lending.Reserve, error)
}

// PriceReader 为 reserve 定价
type PriceReader interface {
	Prices(ctx context.Context, reserves []lending.Reserve) (lending.PriceIndex, error)
}

// Deps 主循环依赖。Rebalancer 为空时跳过再平衡。
type Deps struct {
	Scanner    Scanner
	Liquidator Liquidator
	Redeemer   Redeemer
	Rebalancer Rebalancer
	Market     Market
	Prices     PriceReader
	Wallets    *wallet.Map
	Metrics    *metrics.Metrics
}

// CycleReport 一个周期的结果
type CycleReport struct {
	ID           string
	Started      time.Time
	Duration     time.Duration
	Positions    int
	Candidates   int
	MaxRisk      float64
	Swaps        []lending.Outcome
	Liquidations []lending.Outcome
	Redeems      []lending.Outcome
	RebalanceErr error // 再平衡中止的原因，不影响清算
	Err          error // 扫描失败，本周期中止
}

// Outcomes 本周期全部工作单元的结果
func (r CycleReport) Outcomes() []lending.Outcome {
	out := make([]lending.Outcome, 0, len(r.Swaps)+len(r.Liquidations)+len(r.Redeems))
	out = append(out, r.Swaps...)
	out = append(out, r.Liquidations...)
	out = append(out, r.Redeems...)
	return out
}

// Loop 单线程主循环：再平衡，扫描，逐个清算并赎回，然后休眠
type Loop struct {
	deps     Deps
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewLoop(deps Deps, interval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Wallets == nil {
		deps.Wallets = wallet.NewMap()
	}
	return &Loop{deps: deps, interval: interval, logger: logger, now: time.Now}
}

// Run 循环执行直到 ctx 被取消。休眠时间从上一周期结束时开始计算。
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("清算机器人启动", "interval", l.interval.String())
	for {
		report := l.RunCycle(ctx)
		if errors.Is(report.Err, context.Canceled) || ctx.Err() != nil {
			l.logger.Info("收到退出信号，停止主循环")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Info("收到退出信号，停止主循环")
			return nil
		case <-time.After(l.interval):
		}
	}
}

// RunCycle 执行一个完整周期
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{ID: uuid.NewString(), Started: l.now()}
	logger := l.logger.With("cycle", report.ID)

	if l.deps.Rebalancer != nil {
		report.Swaps, report.RebalanceErr = l.rebalance(ctx)
		if report.RebalanceErr != nil {
			logger.Error("再平衡中止", "err", report.RebalanceErr)
		}
	}

	result, err := l.deps.Scanner.Scan(ctx)
	if err != nil {
		report.Err = err
		report.Duration = l.now().Sub(report.Started)
		logger.Error("扫描失败，本周期中止", "err", err)
		l.observe(report)
		return report
	}
	report.Positions = result.TotalPositions
	report.Candidates = len(result.Candidates)
	if len(result.Ranked) > 0 {
		report.MaxRisk = result.Ranked[0].RiskFactor
	}

	reserves := lending.ReserveIndex(result.Reserves)
	for _, candidate := range result.Candidates {
		if ctx.Err() != nil {
			break
		}
		out := l.deps.Liquidator.Liquidate(ctx, candidate, reserves, l.deps.Wallets)
		report.Liquidations = append(report.Liquidations, out)
		if out.Failed() {
			logger.Warn("清算失败", "position", out.ID, "err", out.Err)
		}

		if l.deps.Redeemer == nil {
			continue
		}
		redeems := l.deps.Redeemer.RedeemAll(ctx, result.Reserves, l.deps.Wallets)
		report.Redeems = append(report.Redeems, redeems...)
		for _, r := range lending.Failed(redeems) {
			logger.Warn("赎回失败", "reserve", r.ID, "err", r.Err)
		}
	}

	report.Duration = l.now().Sub(report.Started)
	logger.Info("周期完成",
		"positions", report.Positions,
		"candidates", report.Candidates,
		"max_risk", report.MaxRisk,
		"swaps", len(report.Swaps),
		"liquidations", len(report.Liquidations),
		"redeems", len(report.Redeems),
		"failed", len(lending.Failed(report.Outcomes())),
		"duration", report.Duration.String())
	l.observe(report)
	return report
}

func (l *Loop) rebalance(ctx context.Context) ([]lending.Outcome, error) {
	if l.deps.Market == nil || l.deps.Prices == nil {
		return nil, fmt.Errorf("再平衡缺少 reserve 或价格来源")
	}
	reserves, err := l.deps.Market.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 reserve 列表失败: %w", err)
	}
	prices, err := l.deps.Prices.Prices(ctx, reserves)
	if err != nil {
		return nil, fmt.Errorf("获取 reserve 价格失败: %w", err)
	}
	return l.deps.Rebalancer.Rebalance(ctx, reserves, prices)
}

func (l *Loop) observe(report CycleReport) {
	m := l.deps.Metrics
	if m == nil {
		return
	}
	if report.Err != nil {
		m.ObserveCycle("error")
	} else {
		m.ObserveCycle("ok")
		m.ObserveScan(report.Candidates, report.MaxRisk)
	}
	m.ObserveOutcomes(report.Outcomes())
}
