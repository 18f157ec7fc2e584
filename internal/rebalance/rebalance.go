package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"port-liquidator/internal/chain"
	"port-liquidator/internal/jupiter"
	"port-liquidator/internal/lending"

	"github.com/portto/solana-go-sdk/common"
	"github.com/shopspring/decimal"
)

// Holdings 读取付款账户持有的资产
type Holdings interface {
	Payer() common.PublicKey
	Balance(ctx context.Context, addr string) (uint64, error)
	OwnedTokenAccounts(ctx context.Context) ([]chain.TokenAccount, error)
}

// Router 通过外部路由执行兑换
type Router interface {
	SwapWithBestRoute(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (jupiter.SwapResult, error)
}

// Config 目标权重和兑换参数
type Config struct {
	StableMint      string
	DefaultRatio    decimal.Decimal
	RatioOverrides  map[string]decimal.Decimal // mint -> 权重
	SlippageBps     int
	HysteresisRatio decimal.Decimal
	MinSwapValue    decimal.Decimal // USD
}

// CoinInfo 单个 mint 的持仓
type CoinInfo struct {
	Mint   string
	Amount uint64          // 原始单位
	Scale  decimal.Decimal // 10^decimals
	Price  decimal.Decimal
	Value  decimal.Decimal // USD
}

// Swap 一笔待执行的兑换
type Swap struct {
	Asset      string // 被调整的非稳定币 mint
	InputMint  string
	OutputMint string
	Amount     uint64 // 输入资产的原始单位
	Target     decimal.Decimal
	Current    decimal.Decimal
	Diff       decimal.Decimal // target - current
}

// Rebalancer 按目标权重调整持仓
type Rebalancer struct {
	holdings Holdings
	router   Router
	cfg      Config
	logger   *slog.Logger
}

func New(holdings Holdings, router Router, cfg Config, logger *slog.Logger) *Rebalancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebalancer{holdings: holdings, router: router, cfg: cfg, logger: logger}
}

// Weights 除稳定币外每个 reserve 资产的目标权重
func Weights(reserves []lending.Reserve, cfg Config) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal)
	for _, r := range reserves {
		if r.AssetMint == cfg.StableMint {
			continue
		}
		if w, ok := cfg.RatioOverrides[r.AssetMint]; ok {
			weights[r.AssetMint] = w
			continue
		}
		weights[r.AssetMint] = cfg.DefaultRatio
	}
	return weights
}

// Coins 汇总付款账户的代币余额和原生 SOL，按 reserve 价格估值，没有价格的 mint 忽略
func (r *Rebalancer) Coins(ctx context.Context, reserves []lending.Reserve, prices lending.PriceIndex) (map[string]CoinInfo, error) {
	accounts, err := r.holdings.OwnedTokenAccounts(ctx)
	if err != nil {
		return nil, err
	}
	lamports, err := r.holdings.Balance(ctx, r.holdings.Payer().ToBase58())
	if err != nil {
		return nil, err
	}

	amounts := make(map[string]uint64)
	for _, acc := range accounts {
		amounts[acc.Mint] += acc.Amount
	}
	// 原生 SOL 余额覆盖 wrapped SOL 账户
	amounts[lending.NativeMint] = lamports

	return Valuate(amounts, reserves, prices), nil
}

// Valuate 按 reserve 的资产 mint 为持仓定价
func Valuate(amounts map[string]uint64, reserves []lending.Reserve, prices lending.PriceIndex) map[string]CoinInfo {
	type priced struct {
		price decimal.Decimal
		scale decimal.Decimal
	}
	byMint := make(map[string]priced)
	for _, res := range reserves {
		price, ok := prices[res.ID]
		if !ok {
			continue
		}
		scale := res.Multiplier
		if scale.IsZero() {
			scale = decimal.New(1, int32(res.Decimals))
		}
		if res.AssetMint == lending.NativeMint {
			scale = decimal.New(1, lending.NativeDecimals)
		}
		byMint[res.AssetMint] = priced{price: price, scale: scale}
	}

	coins := make(map[string]CoinInfo)
	for mint, amount := range amounts {
		p, ok := byMint[mint]
		if !ok {
			continue
		}
		raw := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
		coins[mint] = CoinInfo{
			Mint:   mint,
			Amount: amount,
			Scale:  p.scale,
			Price:  p.price,
			Value:  raw.Div(p.scale).Mul(p.price),
		}
	}
	return coins
}

// Plan 计算需要执行的兑换，按 diff 升序排列 (先卖出超配资产)
func Plan(coins map[string]CoinInfo, weights map[string]decimal.Decimal, cfg Config) []Swap {
	total := decimal.Zero
	for _, c := range coins {
		total = total.Add(c.Value)
	}
	weightSum := decimal.NewFromInt(1)
	for _, w := range weights {
		weightSum = weightSum.Add(w)
	}
	stableTarget := total.Div(weightSum)

	mints := make([]string, 0, len(weights))
	for mint := range weights {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	stable, haveStable := coins[cfg.StableMint]
	var swaps []Swap
	for _, mint := range mints {
		if mint == cfg.StableMint {
			continue
		}
		coin, ok := coins[mint]
		if !ok {
			continue
		}
		target := stableTarget.Mul(weights[mint])
		diff := target.Sub(coin.Value)

		lower := coin.Value.Mul(cfg.HysteresisRatio)
		if lower.LessThan(cfg.MinSwapValue) {
			lower = cfg.MinSwapValue
		}
		if diff.Abs().LessThan(lower) {
			continue
		}

		swap := Swap{Asset: mint, Target: target, Current: coin.Value, Diff: diff}
		spent := coin
		if diff.IsPositive() {
			if !haveStable {
				continue
			}
			swap.InputMint, swap.OutputMint = cfg.StableMint, mint
			spent = stable
		} else {
			swap.InputMint, swap.OutputMint = mint, cfg.StableMint
		}
		if spent.Price.IsZero() {
			continue
		}
		amount := diff.Abs().Div(spent.Price).Mul(spent.Scale).Floor()
		if amount.Sign() <= 0 {
			continue
		}
		swap.Amount = amount.BigInt().Uint64()
		swaps = append(swaps, swap)
	}

	sort.SliceStable(swaps, func(i, j int) bool {
		return swaps[i].Diff.LessThan(swaps[j].Diff)
	})
	return swaps
}

// Rebalance 计算并依次执行兑换。读取持仓失败时返回错误，单笔兑换失败不影响后续兑换。
func (r *Rebalancer) Rebalance(ctx context.Context, reserves []lending.Reserve, prices lending.PriceIndex) ([]lending.Outcome, error) {
	coins, err := r.Coins(ctx, reserves, prices)
	if err != nil {
		return nil, fmt.Errorf("读取持仓失败: %w", err)
	}

	swaps := Plan(coins, Weights(reserves, r.cfg), r.cfg)
	r.logger.Info("资产再平衡计划", "coins", len(coins), "swaps", len(swaps))

	outcomes := make([]lending.Outcome, 0, len(swaps))
	for _, s := range swaps {
		id := s.InputMint + "->" + s.OutputMint
		res, err := r.router.SwapWithBestRoute(ctx, s.InputMint, s.OutputMint, s.Amount, r.cfg.SlippageBps)
		if err != nil {
			r.logger.Warn("再平衡兑换失败", "input", s.InputMint, "output", s.OutputMint, "amount", s.Amount, "err", err)
			outcomes = append(outcomes, lending.Outcome{
				Kind: lending.UnitSwap,
				ID:   id,
				Err:  lending.NewUnitError(lending.UnitSwap, id, "swap", err),
			})
			continue
		}
		r.logger.Warn("再平衡兑换成功",
			"signature", res.Signature,
			"input", res.InputMint,
			"output", res.OutputMint,
			"in_amount", res.InAmount,
			"out_amount", res.OutAmount)
		outcomes = append(outcomes, lending.Outcome{
			Kind:      lending.UnitSwap,
			ID:        id,
			Signature: res.Signature,
			Detail:    fmt.Sprintf("diff %s USD", s.Diff.StringFixed(2)),
		})
	}
	return outcomes, nil
}
