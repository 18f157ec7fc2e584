package liquidator

import (
	"context"
	"errors"
	"testing"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/port"
	"port-liquidator/internal/wallet"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type submission struct {
	ixs     []types.Instruction
	signers []types.Account
}

type fakeChain struct {
	payer     common.PublicKey
	lamports  uint64
	balances  map[string]uint64
	stakes    []string
	submitErr error
	submits   []submission
	onSubmit  func(f *fakeChain)
}

func newFakeChain() *fakeChain {
	return &fakeChain{payer: types.NewAccount().PublicKey, lamports: 10_000_000_000, balances: map[string]uint64{}}
}

func (f *fakeChain) Payer() common.PublicKey { return f.payer }

func (f *fakeChain) Balance(context.Context, string) (uint64, error) { return f.lamports, nil }

func (f *fakeChain) TokenBalance(_ context.Context, addr string) (uint64, error) {
	b, ok := f.balances[addr]
	if !ok {
		return 0, errors.New("account not found")
	}
	return b, nil
}

func (f *fakeChain) StakingAccounts(context.Context, string, string) ([]string, error) {
	return f.stakes, nil
}

func (f *fakeChain) Submit(_ context.Context, ixs []types.Instruction, signers []types.Account) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits = append(f.submits, submission{ixs: ixs, signers: signers})
	if f.onSubmit != nil {
		f.onSubmit(f)
	}
	return "sig", nil
}

type fakeBuilder struct {
	liquidations []port.LiquidateParams
	redeems      []port.RedeemParams
}

func (b *fakeBuilder) RefreshReserve(r lending.Reserve) types.Instruction {
	return types.Instruction{Data: []byte("refresh-reserve:" + r.ID)}
}

func (b *fakeBuilder) RefreshObligation(p lending.Position) types.Instruction {
	return types.Instruction{Data: []byte("refresh-obligation:" + p.ID)}
}

func (b *fakeBuilder) Liquidate(p port.LiquidateParams) types.Instruction {
	b.liquidations = append(b.liquidations, p)
	return types.Instruction{Data: []byte("liquidate")}
}

func (b *fakeBuilder) RedeemCollateral(p port.RedeemParams) types.Instruction {
	b.redeems = append(b.redeems, p)
	return types.Instruction{Data: []byte("redeem")}
}

func key() string {
	return types.NewAccount().PublicKey.ToBase58()
}

type fixture struct {
	chain     *fakeChain
	builder   *fakeBuilder
	reserves  map[string]lending.Reserve
	wallets   *wallet.Map
	candidate lending.EnrichedPosition
}

func newFixture() *fixture {
	a := lending.Reserve{ID: "A", AssetMint: key(), ShareMint: key(), Name: "A"}
	b := lending.Reserve{ID: "B", AssetMint: key(), ShareMint: key(), Name: "B"}
	c := lending.Reserve{ID: "C", AssetMint: key(), ShareMint: key(), Name: "C"}

	wallets := wallet.NewMap()
	for _, mint := range []string{a.AssetMint, a.ShareMint, b.AssetMint, b.ShareMint, c.AssetMint, c.ShareMint} {
		wallets.Set(wallet.Entry{Address: key(), Mint: mint})
	}

	chain := newFakeChain()
	repay, _ := wallets.Get(a.AssetMint)
	withdraw, _ := wallets.Get(b.ShareMint)
	chain.balances[repay.Address] = 50
	chain.balances[withdraw.Address] = 0

	candidate := lending.EnrichedPosition{
		Position: lending.Position{
			ID:    "position-1",
			Owner: key(),
			Loans: []lending.Loan{
				{ReserveID: "C", Principal: decimal.NewFromInt(5)},
				{ReserveID: "A", Principal: decimal.NewFromInt(100)},
			},
			Collaterals: []lending.Collateral{
				{ReserveID: "B", Amount: 900},
				{ReserveID: "C", Amount: 10},
			},
		},
		RiskFactor: 1.2346,
		LoanDetails: map[string]lending.AssetDetail{
			"C": {Value: decimal.NewFromInt(5)},
			"A": {Value: decimal.NewFromInt(1000)},
		},
		DepositDetails: map[string]lending.AssetDetail{
			"B": {Value: decimal.NewFromInt(810)},
			"C": {Value: decimal.NewFromInt(9)},
		},
	}

	return &fixture{
		chain:     chain,
		builder:   &fakeBuilder{},
		reserves:  map[string]lending.Reserve{"A": a, "B": b, "C": c},
		wallets:   wallets,
		candidate: candidate,
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return NewOrchestrator(f.chain, f.builder, nil, cfg, nil)
}

func TestLiquidateTokenRepay(t *testing.T) {
	f := newFixture()
	withdraw, _ := f.wallets.Get(f.reserves["B"].ShareMint)
	f.chain.onSubmit = func(c *fakeChain) { c.balances[withdraw.Address] = 77 }

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.NoError(t, out.Err)
	require.Equal(t, "sig", out.Signature)
	require.Equal(t, lending.UnitLiquidation, out.Kind)

	require.Len(t, f.builder.liquidations, 1)
	params := f.builder.liquidations[0]
	require.Equal(t, uint64(40), params.Amount)
	require.Equal(t, "A", params.RepayReserve.ID)
	require.Equal(t, "B", params.WithdrawReserve.ID)
	require.Equal(t, f.chain.payer, params.TransferAuthority)

	require.Len(t, f.chain.submits, 1)
	sub := f.chain.submits[0]
	require.Empty(t, sub.signers)
	var order []string
	for _, ix := range sub.ixs {
		order = append(order, string(ix.Data))
	}
	require.Equal(t, []string{
		"refresh-reserve:C",
		"refresh-reserve:A",
		"refresh-reserve:B",
		"refresh-obligation:position-1",
		"liquidate",
	}, order)

	e, _ := f.wallets.Get(f.reserves["B"].ShareMint)
	require.Equal(t, uint64(77), e.Balance)
	e, _ = f.wallets.Get(f.reserves["A"].AssetMint)
	require.Equal(t, uint64(50), e.Balance)
}

func TestLiquidateMissingWallet(t *testing.T) {
	f := newFixture()
	f.wallets = wallet.NewMap()
	f.wallets.Set(wallet.Entry{Address: key(), Mint: f.reserves["A"].AssetMint})

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.ErrorIs(t, out.Err, lending.ErrWalletMissing)
	require.Empty(t, f.chain.submits)
}

func TestLiquidateZeroBalanceFails(t *testing.T) {
	f := newFixture()
	repay, _ := f.wallets.Get(f.reserves["A"].AssetMint)
	f.chain.balances[repay.Address] = 1

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.ErrorIs(t, out.Err, lending.ErrNonPositiveAmount)
	require.Empty(t, f.chain.submits)
}

func TestLiquidateNoLamports(t *testing.T) {
	f := newFixture()
	f.chain.lamports = 0
	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.ErrorIs(t, out.Err, lending.ErrNoLamports)
}

func TestLiquidateNativeRepayWrapsSOL(t *testing.T) {
	f := newFixture()
	a := f.reserves["A"]
	a.AssetMint = lending.NativeMint
	f.reserves["A"] = a
	f.wallets.Set(wallet.Entry{Address: key(), Mint: lending.NativeMint})
	f.candidate.Position.Loans[1].Principal = decimal.NewFromInt(5_000_000_000)
	f.chain.lamports = 4_000_000_000

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.NoError(t, out.Err)

	params := f.builder.liquidations[0]
	// 可用 3e9 < 借款 5e9，偿还 min(2.5e9+1, 3e9)
	require.Equal(t, uint64(2_500_000_001), params.Amount)

	sub := f.chain.submits[0]
	require.Len(t, sub.signers, 1)
	require.Equal(t, sub.signers[0].PublicKey, params.RepayWallet)
	// 3 个刷新 + 创建 + 初始化 + 刷新仓位 + 清算 + 关闭
	require.Len(t, sub.ixs, 8)
	require.Equal(t, "liquidate", string(sub.ixs[6].Data))
	require.Equal(t, common.TokenProgramID, sub.ixs[7].ProgramID)
	require.Equal(t, common.SystemProgramID, sub.ixs[3].ProgramID)
}

func TestLiquidateStakingPool(t *testing.T) {
	f := newFixture()
	b := f.reserves["B"]
	b.StakingPool = key()
	f.reserves["B"] = b

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.ErrorIs(t, out.Err, lending.ErrStakeAccountMissing)
	require.Empty(t, f.chain.submits)

	f.chain.stakes = []string{"stake-1", "stake-2"}
	out = f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.NoError(t, out.Err)
	require.Equal(t, "stake-1", f.builder.liquidations[0].StakeAccount)
}

func TestLiquidateSubmitFailure(t *testing.T) {
	f := newFixture()
	f.chain.submitErr = errors.New("blockhash not found")

	out := f.orchestrator(DefaultConfig()).Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.Error(t, out.Err)
	var unitErr *lending.UnitError
	require.ErrorAs(t, out.Err, &unitErr)
	require.Equal(t, "submit", unitErr.Op)
	require.Empty(t, out.Signature)
}

func TestLiquidateRedeemsWithdrawReserve(t *testing.T) {
	f := newFixture()
	withdraw, _ := f.wallets.Get(f.reserves["B"].ShareMint)
	f.chain.onSubmit = func(c *fakeChain) {
		if len(c.submits) == 1 {
			c.balances[withdraw.Address] = 30
		} else {
			c.balances[withdraw.Address] = 0
		}
	}

	redeemer := NewRedeemer(f.chain, f.builder, nil)
	o := NewOrchestrator(f.chain, f.builder, redeemer, DefaultConfig(), nil)
	out := o.Liquidate(context.Background(), f.candidate, f.reserves, f.wallets)
	require.NoError(t, out.Err)

	require.Len(t, f.chain.submits, 2)
	require.Len(t, f.builder.redeems, 1)
	require.Equal(t, uint64(30), f.builder.redeems[0].Amount)
	require.Equal(t, "B", f.builder.redeems[0].Reserve.ID)
}

func TestSelectionFirstMaxWins(t *testing.T) {
	p := lending.EnrichedPosition{
		Position: lending.Position{
			Loans:       []lending.Loan{{ReserveID: "X"}, {ReserveID: "Y"}},
			Collaterals: []lending.Collateral{{ReserveID: "X"}, {ReserveID: "Y"}},
		},
		LoanDetails:    map[string]lending.AssetDetail{"X": {Value: decimal.NewFromInt(3)}, "Y": {Value: decimal.NewFromInt(3)}},
		DepositDetails: map[string]lending.AssetDetail{"X": {Value: decimal.NewFromInt(1)}, "Y": {Value: decimal.NewFromInt(2)}},
	}
	loan, ok := SelectRepay(p)
	require.True(t, ok)
	require.Equal(t, "X", loan.ReserveID)
	c, ok := SelectWithdraw(p)
	require.True(t, ok)
	require.Equal(t, "Y", c.ReserveID)
}

func TestTokenRepayAmount(t *testing.T) {
	amount, err := TokenRepayAmount(100, 50, decimal.RequireFromString("0.8"))
	require.NoError(t, err)
	require.Equal(t, uint64(40), amount)

	amount, err = TokenRepayAmount(10, 50, decimal.RequireFromString("0.8"))
	require.NoError(t, err)
	require.Equal(t, uint64(10), amount)

	_, err = TokenRepayAmount(100, 1, decimal.RequireFromString("0.8"))
	require.ErrorIs(t, err, lending.ErrNonPositiveAmount)

	for _, balance := range []uint64{1, 2, 7, 99, 1_000_003} {
		for _, loan := range []uint64{1, 5, 1000, 10_000_000} {
			amount, err := TokenRepayAmount(loan, balance, decimal.RequireFromString("0.8"))
			if err != nil {
				continue
			}
			require.LessOrEqual(t, amount, balance*8/10)
			require.LessOrEqual(t, amount, loan)
		}
	}
}

func TestNativeRepayAmount(t *testing.T) {
	const reserved = 1_000_000_000

	_, err := NativeRepayAmount(1000, 1500, reserved)
	require.ErrorIs(t, err, lending.ErrNonPositiveAmount)

	amount, err := NativeRepayAmount(1000, reserved+600, reserved)
	require.NoError(t, err)
	require.Equal(t, uint64(501), amount)

	amount, err = NativeRepayAmount(1000, reserved+300, reserved)
	require.NoError(t, err)
	require.Equal(t, uint64(300), amount)

	amount, err = NativeRepayAmount(1000, reserved+5000, reserved)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), amount)

	for _, lamports := range []uint64{reserved + 1, reserved + 10, 3 * reserved} {
		for _, loan := range []uint64{1, 2, 999, 5 * reserved} {
			amount, err := NativeRepayAmount(loan, lamports, reserved)
			require.NoError(t, err)
			require.LessOrEqual(t, amount, lamports-reserved)
		}
	}
}

func TestRedeemTwiceIssuesNothingSecondTime(t *testing.T) {
	f := newFixture()
	b := f.reserves["B"]
	share, _ := f.wallets.Get(b.ShareMint)
	f.chain.balances[share.Address] = 25
	f.chain.onSubmit = func(c *fakeChain) { c.balances[share.Address] = 0 }

	r := NewRedeemer(f.chain, f.builder, nil)
	first := r.Redeem(context.Background(), b, f.wallets)
	require.NoError(t, first.Err)
	require.Equal(t, "sig", first.Signature)
	require.Len(t, f.chain.submits, 1)
	require.Len(t, f.chain.submits[0].signers, 1)
	require.Len(t, f.chain.submits[0].ixs, 3)

	second := r.Redeem(context.Background(), b, f.wallets)
	require.NoError(t, second.Err)
	require.True(t, second.Skipped)
	require.Len(t, f.chain.submits, 1)
	require.Len(t, f.builder.redeems, 1)

	e, _ := f.wallets.Get(b.ShareMint)
	require.Zero(t, e.Balance)
}

func TestRedeemAllIsolatesFailures(t *testing.T) {
	f := newFixture()
	orphan := lending.Reserve{ID: "D", AssetMint: key(), ShareMint: key()}
	a := f.reserves["A"]
	share, _ := f.wallets.Get(a.ShareMint)
	f.chain.balances[share.Address] = 10

	r := NewRedeemer(f.chain, f.builder, nil)
	outcomes := r.RedeemAll(context.Background(), []lending.Reserve{orphan, a, f.reserves["B"]}, f.wallets)
	require.Len(t, outcomes, 3)
	require.ErrorIs(t, outcomes[0].Err, lending.ErrWalletMissing)
	require.NoError(t, outcomes[1].Err)
	require.Equal(t, "sig", outcomes[1].Signature)
	require.True(t, outcomes[2].Skipped)
	require.Len(t, lending.Failed(outcomes), 1)
}
