package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/port"
	"port-liquidator/internal/wallet"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/program/system"
	"github.com/portto/solana-go-sdk/program/token"
	"github.com/portto/solana-go-sdk/types"
	"github.com/shopspring/decimal"
)

// Chain 清算和赎回用到的链上操作
type Chain interface {
	Payer() common.PublicKey
	Balance(ctx context.Context, addr string) (uint64, error)
	TokenBalance(ctx context.Context, addr string) (uint64, error)
	StakingAccounts(ctx context.Context, owner, pool string) ([]string, error)
	Submit(ctx context.Context, ixs []types.Instruction, extraSigners []types.Account) (string, error)
}

// Builder 借贷程序指令
type Builder interface {
	RefreshReserve(r lending.Reserve) types.Instruction
	RefreshObligation(p lending.Position) types.Instruction
	Liquidate(p port.LiquidateParams) types.Instruction
	RedeemCollateral(p port.RedeemParams) types.Instruction
}

// Config 清算参数
type Config struct {
	ReduceFactor          decimal.Decimal
	NativeReserveLamports uint64
	// 清算成功后立即赎回取出 reserve 的凭证
	RedeemAfterLiquidation bool
}

func DefaultConfig() Config {
	return Config{
		ReduceFactor:           decimal.RequireFromString("0.8"),
		NativeReserveLamports:  1_000_000_000,
		RedeemAfterLiquidation: true,
	}
}

// Orchestrator 对单个仓位执行一次清算
type Orchestrator struct {
	chain    Chain
	builder  Builder
	redeemer *Redeemer
	cfg      Config
	logger   *slog.Logger
}

func NewOrchestrator(chain Chain, builder Builder, redeemer *Redeemer, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{chain: chain, builder: builder, redeemer: redeemer, cfg: cfg, logger: logger}
}

func uint64Big(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// principalU64 原始单位的借款本金，向下取整
func principalU64(l lending.Loan) uint64 {
	p := l.Principal.Floor()
	if p.Sign() <= 0 {
		return 0
	}
	return p.BigInt().Uint64()
}

// SelectRepay 价值最大的借款，相同时取第一个
func SelectRepay(p lending.EnrichedPosition) (lending.Loan, bool) {
	var best lending.Loan
	var bestValue decimal.Decimal
	found := false
	for _, loan := range p.Position.Loans {
		v := p.LoanDetails[loan.ReserveID].Value
		if !found || v.GreaterThan(bestValue) {
			best, bestValue, found = loan, v, true
		}
	}
	return best, found
}

// SelectWithdraw 价值最大的抵押，相同时取第一个
func SelectWithdraw(p lending.EnrichedPosition) (lending.Collateral, bool) {
	var best lending.Collateral
	var bestValue decimal.Decimal
	found := false
	for _, c := range p.Position.Collaterals {
		v := p.DepositDetails[c.ReserveID].Value
		if !found || v.GreaterThan(bestValue) {
			best, bestValue, found = c, v, true
		}
	}
	return best, found
}

// referencedReserves 仓位引用的 reserve，按首次出现顺序去重
func referencedReserves(p lending.Position) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, l := range p.Loans {
		add(l.ReserveID)
	}
	for _, c := range p.Collaterals {
		add(c.ReserveID)
	}
	return ids
}

// Liquidate 选择偿还和取出的 reserve，计算数量后以一笔交易提交。
// 任何失败都记录在返回的 Outcome 中，仓位在本周期内不再重试。
func (o *Orchestrator) Liquidate(ctx context.Context, candidate lending.EnrichedPosition, reserves map[string]lending.Reserve, wallets *wallet.Map) lending.Outcome {
	pos := candidate.Position
	fail := func(op string, err error) lending.Outcome {
		return lending.Outcome{
			Kind: lending.UnitLiquidation,
			ID:   pos.ID,
			Err:  lending.NewUnitError(lending.UnitLiquidation, pos.ID, op, err),
		}
	}

	payer := o.chain.Payer()
	lamports, err := o.chain.Balance(ctx, payer.ToBase58())
	if err != nil {
		return fail("read-payer", err)
	}
	if lamports == 0 {
		return fail("read-payer", lending.ErrNoLamports)
	}

	var ixs []types.Instruction
	for _, id := range referencedReserves(pos) {
		r, ok := reserves[id]
		if !ok {
			return fail("refresh-reserve", fmt.Errorf("未知的 reserve %s", id))
		}
		ixs = append(ixs, o.builder.RefreshReserve(r))
	}

	loan, ok := SelectRepay(candidate)
	if !ok {
		return fail("select-repay", fmt.Errorf("仓位没有借款"))
	}
	collateral, ok := SelectWithdraw(candidate)
	if !ok {
		return fail("select-withdraw", lending.ErrNoCollateral)
	}
	repayReserve := reserves[loan.ReserveID]
	withdrawReserve := reserves[collateral.ReserveID]

	repayWallet, ok := wallets.Get(repayReserve.AssetMint)
	if !ok {
		return fail("select-wallet", fmt.Errorf("资产 %s: %w", repayReserve.AssetMint, lending.ErrWalletMissing))
	}
	withdrawWallet, ok := wallets.Get(withdrawReserve.ShareMint)
	if !ok {
		return fail("select-wallet", fmt.Errorf("凭证 %s: %w", withdrawReserve.ShareMint, lending.ErrWalletMissing))
	}

	native := repayReserve.AssetMint == lending.NativeMint
	var amount uint64
	if native {
		amount, err = NativeRepayAmount(principalU64(loan), lamports, o.cfg.NativeReserveLamports)
	} else {
		var balance uint64
		balance, err = o.chain.TokenBalance(ctx, repayWallet.Address)
		if err != nil {
			return fail("read-repay-wallet", err)
		}
		wallets.SetBalance(repayReserve.AssetMint, balance)
		amount, err = TokenRepayAmount(principalU64(loan), balance, o.cfg.ReduceFactor)
	}
	if err != nil {
		return fail("compute-amount", err)
	}

	var stakeAccount string
	if withdrawReserve.HasStakingPool() {
		stakes, err := o.chain.StakingAccounts(ctx, pos.Owner, withdrawReserve.StakingPool)
		if err != nil {
			return fail("find-stake-account", err)
		}
		if len(stakes) == 0 {
			return fail("find-stake-account", fmt.Errorf("owner %s pool %s: %w", pos.Owner, withdrawReserve.StakingPool, lending.ErrStakeAccountMissing))
		}
		stakeAccount = stakes[0]
	}

	repayKey := common.PublicKeyFromString(repayWallet.Address)
	var signers []types.Account
	if native {
		wrapped := types.NewAccount()
		signers = append(signers, wrapped)
		repayKey = wrapped.PublicKey
		ixs = append(ixs,
			system.CreateAccount(system.CreateAccountParam{
				From:     payer,
				New:      wrapped.PublicKey,
				Owner:    common.TokenProgramID,
				Lamports: amount,
				Space:    token.TokenAccountSize,
			}),
			token.InitializeAccount(token.InitializeAccountParam{
				Account: wrapped.PublicKey,
				Mint:    common.PublicKeyFromString(lending.NativeMint),
				Owner:   payer,
			}),
		)
	}

	ixs = append(ixs,
		o.builder.RefreshObligation(pos),
		o.builder.Liquidate(port.LiquidateParams{
			Amount:            amount,
			RepayWallet:       repayKey,
			WithdrawWallet:    common.PublicKeyFromString(withdrawWallet.Address),
			RepayReserve:      repayReserve,
			WithdrawReserve:   withdrawReserve,
			Obligation:        pos.ID,
			StakeAccount:      stakeAccount,
			TransferAuthority: payer,
		}),
	)
	if native {
		ixs = append(ixs, token.CloseAccount(token.CloseAccountParam{
			Account: repayKey,
			To:      payer,
			Auth:    payer,
		}))
	}

	sig, err := o.chain.Submit(ctx, ixs, signers)
	if err != nil {
		return fail("submit", err)
	}

	detail := fmt.Sprintf("用 %d 个 %s 清算 %s", amount, displayName(repayReserve), displayName(withdrawReserve))
	o.logger.Warn("清算交易已发送",
		"position", pos.ID,
		"owner", pos.Owner,
		"risk_factor", candidate.RiskFactor,
		"repay", displayName(repayReserve),
		"withdraw", displayName(withdrawReserve),
		"amount", amount,
		"signature", sig)

	if balance, err := o.chain.TokenBalance(ctx, withdrawWallet.Address); err != nil {
		o.logger.Warn("读取凭证账户余额失败", "wallet", withdrawWallet.Address, "err", err)
	} else {
		wallets.SetBalance(withdrawReserve.ShareMint, balance)
	}

	if o.redeemer != nil && o.cfg.RedeemAfterLiquidation {
		out := o.redeemer.Redeem(ctx, withdrawReserve, wallets)
		if out.Failed() {
			o.logger.Warn("清算后赎回失败", "reserve", withdrawReserve.ID, "err", out.Err)
		}
	}

	return lending.Outcome{Kind: lending.UnitLiquidation, ID: pos.ID, Signature: sig, Detail: detail}
}

func displayName(r lending.Reserve) string {
	if r.Name != "" {
		return r.Name
	}
	return r.AssetMint
}
