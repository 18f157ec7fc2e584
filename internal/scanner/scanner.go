package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
)

// Source 提供本周期的 reserve 和仓位快照
type Source interface {
	Reserves(ctx context.Context) ([]lending.Reserve, error)
	Positions(ctx context.Context) ([]lending.Position, error)
}

// PriceReader 为全部 reserve 定价
type PriceReader interface {
	Prices(ctx context.Context, reserves []lending.Reserve) (lending.PriceIndex, error)
}

// Config 扫描参数
type Config struct {
	RiskThreshold      float64
	ThresholdOverrides map[string]float64 // position id -> 阈值
	MinLoanValue       decimal.Decimal    // USD
	DisplayFirst       int
}

func DefaultConfig() Config {
	return Config{
		RiskThreshold: 1.0,
		MinLoanValue:  decimal.RequireFromString("0.08"),
		DisplayFirst:  20,
	}
}

// Threshold 返回仓位使用的风险阈值
func (c Config) Threshold(positionID string) float64 {
	if v, ok := c.ThresholdOverrides[positionID]; ok {
		return v
	}
	return c.RiskThreshold
}

// Result 一次扫描的结果
type Result struct {
	Reserves       []lending.Reserve
	Prices         lending.PriceIndex
	Ranked         []lending.EnrichedPosition // 全部定价后的仓位，按风险降序
	Candidates     []lending.EnrichedPosition // 满足阈值和最小借款价值的仓位
	TotalPositions int
}

// Scanner 扫描全部仓位并找出可清算的仓位
type Scanner struct {
	source Source
	prices PriceReader
	cfg    Config
	logger *slog.Logger
}

func New(source Source, prices PriceReader, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{source: source, prices: prices, cfg: cfg, logger: logger}
}

// Scan 读取 reserve 和仓位，定价后排序。任何价格失败都会中止本次扫描。
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	reserves, err := s.source.Reserves(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 reserve 列表失败: %w", err)
	}
	positions, err := s.source.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取仓位列表失败: %w", err)
	}
	prices, err := s.prices.Prices(ctx, reserves)
	if err != nil {
		return nil, fmt.Errorf("获取 reserve 价格失败: %w", err)
	}

	ranked, err := Rank(reserves, positions, prices)
	if err != nil {
		return nil, err
	}
	candidates := Filter(ranked, s.cfg)

	s.logger.Info("仓位扫描完成",
		"positions", len(positions),
		"ranked", len(ranked),
		"candidates", len(candidates))
	for i, p := range ranked {
		if i >= s.cfg.DisplayFirst {
			break
		}
		s.logger.Info("风险仓位",
			"rank", i+1,
			"position", p.Position.ID,
			"owner", p.Position.Owner,
			"risk_factor", p.RiskFactor,
			"loan_value", p.TotalLoanValue.StringFixed(2),
			"liquidation_value", p.TotalLiquidationValue.StringFixed(2),
			"loans", p.LoanAssetNames,
			"deposits", p.DepositAssetNames)
	}

	return &Result{
		Reserves:       reserves,
		Prices:         prices,
		Ranked:         ranked,
		Candidates:     candidates,
		TotalPositions: len(positions),
	}, nil
}

// Rank 排除无需处理的仓位，为其余仓位定价并按风险降序稳定排序
func Rank(reserves []lending.Reserve, positions []lending.Position, prices lending.PriceIndex) ([]lending.EnrichedPosition, error) {
	index := lending.ReserveIndex(reserves)

	ranked := make([]lending.EnrichedPosition, 0, len(positions))
	for _, p := range positions {
		if skip(p) {
			continue
		}
		enriched, err := Enrich(p, index, prices)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, enriched)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RiskFactor > ranked[j].RiskFactor
	})
	return ranked, nil
}

// Filter 保留风险不低于阈值且借款价值高于下限的仓位，保持顺序
func Filter(ranked []lending.EnrichedPosition, cfg Config) []lending.EnrichedPosition {
	var out []lending.EnrichedPosition
	for _, p := range ranked {
		if p.RiskFactor < cfg.Threshold(p.Position.ID) {
			continue
		}
		if !p.TotalLoanValue.GreaterThan(cfg.MinLoanValue) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// skip 没有借款、同一 reserve 的单借单存、以及没有抵押的仓位不参与清算
func skip(p lending.Position) bool {
	if len(p.Loans) == 0 {
		return true
	}
	if len(p.Loans) == 1 && len(p.Collaterals) == 1 &&
		p.Loans[0].ReserveID == p.Collaterals[0].ReserveID {
		return true
	}
	return len(p.Collaterals) == 0
}

// Enrich 计算仓位的借款价值、清算价值和风险系数
func Enrich(p lending.Position, reserves map[string]lending.Reserve, prices lending.PriceIndex) (lending.EnrichedPosition, error) {
	out := lending.EnrichedPosition{
		Position:              p,
		TotalLoanValue:        decimal.Zero,
		TotalLiquidationValue: decimal.Zero,
		LoanDetails:           make(map[string]lending.AssetDetail, len(p.Loans)),
		DepositDetails:        make(map[string]lending.AssetDetail, len(p.Collaterals)),
	}

	for _, loan := range p.Loans {
		reserve, price, err := lookup(p.ID, loan.ReserveID, reserves, prices)
		if err != nil {
			return out, err
		}
		amount := loan.Accrued(reserve.CumulativeBorrowRate)
		value := amount.Mul(price).Div(multiplier(reserve))

		name := assetName(reserve)
		out.TotalLoanValue = out.TotalLoanValue.Add(value)
		out.LoanAssetNames = append(out.LoanAssetNames, name)
		out.LoanDetails[loan.ReserveID] = addDetail(out.LoanDetails[loan.ReserveID], name, price, value)
	}

	for _, c := range p.Collaterals {
		reserve, price, err := lookup(p.ID, c.ReserveID, reserves, prices)
		if err != nil {
			return out, err
		}
		ratio := reserve.ExchangeRatio
		if ratio.IsZero() {
			ratio = decimal.NewFromInt(1)
		}
		value := decimal.NewFromBigInt(new(big.Int).SetUint64(c.Amount), 0).
			Div(ratio).
			Mul(price).
			Mul(reserve.LiquidationThreshold).
			Div(multiplier(reserve))

		name := assetName(reserve)
		out.TotalLiquidationValue = out.TotalLiquidationValue.Add(value)
		out.DepositAssetNames = append(out.DepositAssetNames, name)
		out.DepositDetails[c.ReserveID] = addDetail(out.DepositDetails[c.ReserveID], name, price, value)
	}

	out.RiskFactor = RiskFactor(out.TotalLoanValue, out.TotalLiquidationValue)
	return out, nil
}

// RiskFactor 借款价值 / 清算价值，任一为零时为 0
func RiskFactor(loanValue, liquidationValue decimal.Decimal) float64 {
	if loanValue.IsZero() || liquidationValue.IsZero() {
		return 0
	}
	return loanValue.Div(liquidationValue).InexactFloat64()
}

func lookup(positionID, reserveID string, reserves map[string]lending.Reserve, prices lending.PriceIndex) (lending.Reserve, decimal.Decimal, error) {
	reserve, ok := reserves[reserveID]
	if !ok {
		return reserve, decimal.Zero, fmt.Errorf("仓位 %s 引用了未知的 reserve %s: %w", positionID, reserveID, lending.ErrPriceMissing)
	}
	price, ok := prices[reserveID]
	if !ok {
		return reserve, decimal.Zero, fmt.Errorf("仓位 %s 的 reserve %s: %w", positionID, reserveID, lending.ErrPriceMissing)
	}
	return reserve, price, nil
}

func multiplier(r lending.Reserve) decimal.Decimal {
	if r.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return r.Multiplier
}

func assetName(r lending.Reserve) string {
	if r.Name != "" {
		return r.Name
	}
	return r.AssetMint
}

// 同一 reserve 出现多次时累加价值
func addDetail(prev lending.AssetDetail, name string, price, value decimal.Decimal) lending.AssetDetail {
	if prev.Value.IsZero() && prev.AssetName == "" {
		return lending.AssetDetail{AssetName: name, Price: price, Value: value}
	}
	prev.Value = prev.Value.Add(value)
	return prev
}
