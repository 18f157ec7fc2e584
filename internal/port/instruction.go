package port

import (
	"encoding/binary"
	"fmt"

	"port-liquidator/internal/lending"

	"github.com/portto/solana-go-sdk/common"
	"github.com/portto/solana-go-sdk/types"
)

// 借贷程序指令编号
const (
	instructionRefreshReserve          uint8 = 3
	instructionRedeemReserveCollateral uint8 = 5
	instructionRefreshObligation       uint8 = 7
	instructionLiquidateObligation     uint8 = 12
)

// Builder 构建借贷程序指令
type Builder struct {
	program        common.PublicKey
	market         common.PublicKey
	authority      common.PublicKey
	stakingProgram common.PublicKey
}

func NewBuilder(program, market, stakingProgram string) (*Builder, error) {
	b := &Builder{
		program:        common.PublicKeyFromString(program),
		market:         common.PublicKeyFromString(market),
		stakingProgram: common.PublicKeyFromString(stakingProgram),
	}
	authority, _, err := common.FindProgramAddress([][]byte{b.market.Bytes()}, b.program)
	if err != nil {
		return nil, fmt.Errorf("计算借贷市场授权地址失败: %w", err)
	}
	b.authority = authority
	return b, nil
}

// MarketAuthority 借贷市场的 PDA 授权地址
func (b *Builder) MarketAuthority() common.PublicKey {
	return b.authority
}

func amountData(tag uint8, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}

func key(addr string) common.PublicKey {
	return common.PublicKeyFromString(addr)
}

// RefreshReserve 刷新 reserve 的利率和价格
func (b *Builder) RefreshReserve(r lending.Reserve) types.Instruction {
	accounts := []types.AccountMeta{
		{PubKey: key(r.ID), IsSigner: false, IsWritable: true},
		{PubKey: common.SysVarClockPubkey, IsSigner: false, IsWritable: false},
	}
	if r.HasOracle() {
		accounts = append(accounts, types.AccountMeta{PubKey: key(r.Oracle), IsSigner: false, IsWritable: false})
	}
	return types.Instruction{
		ProgramID: b.program,
		Accounts:  accounts,
		Data:      []byte{instructionRefreshReserve},
	}
}

// RefreshObligation 刷新仓位，存款 reserve 在前，借款 reserve 在后
func (b *Builder) RefreshObligation(p lending.Position) types.Instruction {
	accounts := []types.AccountMeta{
		{PubKey: key(p.ID), IsSigner: false, IsWritable: true},
		{PubKey: common.SysVarClockPubkey, IsSigner: false, IsWritable: false},
	}
	for _, c := range p.Collaterals {
		accounts = append(accounts, types.AccountMeta{PubKey: key(c.ReserveID), IsSigner: false, IsWritable: false})
	}
	for _, l := range p.Loans {
		accounts = append(accounts, types.AccountMeta{PubKey: key(l.ReserveID), IsSigner: false, IsWritable: false})
	}
	return types.Instruction{
		ProgramID: b.program,
		Accounts:  accounts,
		Data:      []byte{instructionRefreshObligation},
	}
}

// LiquidateParams 清算指令参数
type LiquidateParams struct {
	Amount          uint64
	RepayWallet     common.PublicKey
	WithdrawWallet  common.PublicKey
	RepayReserve    lending.Reserve
	WithdrawReserve lending.Reserve
	Obligation      string
	// 取出 reserve 有质押池时必须提供
	StakeAccount      string
	TransferAuthority common.PublicKey
}

// Liquidate 用 RepayWallet 偿还借款并把抵押凭证转入 WithdrawWallet
func (b *Builder) Liquidate(p LiquidateParams) types.Instruction {
	accounts := []types.AccountMeta{
		{PubKey: p.RepayWallet, IsSigner: false, IsWritable: true},
		{PubKey: p.WithdrawWallet, IsSigner: false, IsWritable: true},
		{PubKey: key(p.RepayReserve.ID), IsSigner: false, IsWritable: true},
		{PubKey: key(p.RepayReserve.AssetSupply), IsSigner: false, IsWritable: true},
		{PubKey: key(p.WithdrawReserve.ID), IsSigner: false, IsWritable: false},
		{PubKey: key(p.WithdrawReserve.ShareSupply), IsSigner: false, IsWritable: true},
		{PubKey: key(p.Obligation), IsSigner: false, IsWritable: true},
		{PubKey: b.market, IsSigner: false, IsWritable: false},
		{PubKey: b.authority, IsSigner: false, IsWritable: false},
		{PubKey: p.TransferAuthority, IsSigner: true, IsWritable: false},
		{PubKey: common.SysVarClockPubkey, IsSigner: false, IsWritable: false},
		{PubKey: common.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	if p.WithdrawReserve.HasStakingPool() {
		accounts = append(accounts,
			types.AccountMeta{PubKey: key(p.WithdrawReserve.StakingPool), IsSigner: false, IsWritable: true},
			types.AccountMeta{PubKey: key(p.StakeAccount), IsSigner: false, IsWritable: true},
			types.AccountMeta{PubKey: b.stakingProgram, IsSigner: false, IsWritable: false},
		)
	}
	return types.Instruction{
		ProgramID: b.program,
		Accounts:  accounts,
		Data:      amountData(instructionLiquidateObligation, p.Amount),
	}
}

// RedeemParams 赎回指令参数
type RedeemParams struct {
	Amount            uint64
	ShareWallet       common.PublicKey
	AssetWallet       common.PublicKey
	Reserve           lending.Reserve
	TransferAuthority common.PublicKey
}

// RedeemCollateral 把凭证换回 reserve 的底层资产
func (b *Builder) RedeemCollateral(p RedeemParams) types.Instruction {
	return types.Instruction{
		ProgramID: b.program,
		Accounts: []types.AccountMeta{
			{PubKey: p.ShareWallet, IsSigner: false, IsWritable: true},
			{PubKey: p.AssetWallet, IsSigner: false, IsWritable: true},
			{PubKey: key(p.Reserve.ID), IsSigner: false, IsWritable: true},
			{PubKey: key(p.Reserve.ShareMint), IsSigner: false, IsWritable: true},
			{PubKey: key(p.Reserve.AssetSupply), IsSigner: false, IsWritable: true},
			{PubKey: b.market, IsSigner: false, IsWritable: false},
			{PubKey: b.authority, IsSigner: false, IsWritable: false},
			{PubKey: p.TransferAuthority, IsSigner: true, IsWritable: false},
			{PubKey: common.SysVarClockPubkey, IsSigner: false, IsWritable: false},
			{PubKey: common.TokenProgramID, IsSigner: false, IsWritable: false},
		},
		Data: amountData(instructionRedeemReserveCollateral, p.Amount),
	}
}
