package port

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"port-liquidator/internal/lending"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// 账户长度
const (
	ReserveLen    = 575
	ObligationLen = 916
)

// wadExp WAD = 1e18
const wadExp = -18

// Reserve 布局偏移
const (
	reserveMarket            = 10
	reserveLiquidityMint     = 42
	reserveLiquidityDecimals = 74
	reserveLiquiditySupply   = 75
	reserveOracleTag         = 139
	reserveOracleKey         = 143
	reserveAvailable         = 175
	reserveBorrowedWads      = 183
	reserveCumulativeRate    = 199
	reserveMarketPrice       = 215
	reserveCollateralMint    = 231
	reserveCollateralSupply  = 263
	reserveCollateralVault   = 271
	reserveLiquidationThresh = 306
	reserveStakingPoolTag    = 327
	reserveStakingPoolKey    = 331
)

// Obligation 布局偏移
const (
	obligationMarket      = 10
	obligationOwner       = 42
	obligationDepositsLen = 138
	obligationBorrowsLen  = 139
	obligationData        = 140
	depositLen            = 56
	borrowLen             = 80
)

var ErrUninitialized = errors.New("账户未初始化")

// ObligationMarketOffset 用于按借贷市场过滤仓位账户
const ObligationMarketOffset = obligationMarket

// ReserveMarketOffset 用于按借贷市场过滤 reserve 账户
const ReserveMarketOffset = reserveMarket

func pubkeyAt(data []byte, off int) string {
	return base58.Encode(data[off : off+32])
}

// optionalPubkeyAt COption<Pubkey>: 4 字节标记 + 32 字节地址
func optionalPubkeyAt(data []byte, tagOff, keyOff int) string {
	if binary.LittleEndian.Uint32(data[tagOff:]) == 0 {
		return ""
	}
	return pubkeyAt(data, keyOff)
}

func u128At(data []byte, off int) *big.Int {
	b := data[off : off+16]
	be := make([]byte, 16)
	for i := range b {
		be[15-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

func wadAt(data []byte, off int) decimal.Decimal {
	return decimal.NewFromBigInt(u128At(data, off), wadExp)
}

func u64Decimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// DecodeReserve 解析 reserve 账户
func DecodeReserve(id string, data []byte) (lending.Reserve, error) {
	if len(data) < ReserveLen {
		return lending.Reserve{}, fmt.Errorf("reserve %s 数据长度无效: %d", id, len(data))
	}
	if data[0] == 0 {
		return lending.Reserve{}, fmt.Errorf("reserve %s: %w", id, ErrUninitialized)
	}

	decimals := data[reserveLiquidityDecimals]
	available := u64Decimal(binary.LittleEndian.Uint64(data[reserveAvailable:]))
	borrowed := wadAt(data, reserveBorrowedWads)
	mintSupply := u64Decimal(binary.LittleEndian.Uint64(data[reserveCollateralSupply:]))

	return lending.Reserve{
		ID:                   id,
		Market:               pubkeyAt(data, reserveMarket),
		AssetMint:            pubkeyAt(data, reserveLiquidityMint),
		AssetSupply:          pubkeyAt(data, reserveLiquiditySupply),
		Oracle:               optionalPubkeyAt(data, reserveOracleTag, reserveOracleKey),
		ShareMint:            pubkeyAt(data, reserveCollateralMint),
		ShareSupply:          pubkeyAt(data, reserveCollateralVault),
		StakingPool:          optionalPubkeyAt(data, reserveStakingPoolTag, reserveStakingPoolKey),
		LiquidationThreshold: decimal.New(int64(data[reserveLiquidationThresh]), -2),
		ExchangeRatio:        ExchangeRatio(mintSupply, available.Add(borrowed)),
		Multiplier:           decimal.New(1, int32(decimals)),
		CumulativeBorrowRate: wadAt(data, reserveCumulativeRate),
		MarkPrice:            wadAt(data, reserveMarketPrice),
		Decimals:             decimals,
	}, nil
}

// ExchangeRatio 凭证总量 / 资产总量，任一为零时为 1
func ExchangeRatio(mintSupply, totalLiquidity decimal.Decimal) decimal.Decimal {
	if mintSupply.IsZero() || totalLiquidity.IsZero() {
		return decimal.NewFromInt(1)
	}
	return mintSupply.Div(totalLiquidity)
}

// DecodeObligation 解析仓位账户
func DecodeObligation(id string, data []byte) (lending.Position, error) {
	if len(data) < obligationData {
		return lending.Position{}, fmt.Errorf("仓位 %s 数据长度无效: %d", id, len(data))
	}
	if data[0] == 0 {
		return lending.Position{}, fmt.Errorf("仓位 %s: %w", id, ErrUninitialized)
	}

	depositsLen := int(data[obligationDepositsLen])
	borrowsLen := int(data[obligationBorrowsLen])
	end := obligationData + depositsLen*depositLen + borrowsLen*borrowLen
	if end > len(data) {
		return lending.Position{}, fmt.Errorf("仓位 %s 记录数量无效: deposits=%d borrows=%d", id, depositsLen, borrowsLen)
	}

	p := lending.Position{
		ID:    id,
		Owner: pubkeyAt(data, obligationOwner),
	}
	off := obligationData
	for i := 0; i < depositsLen; i++ {
		p.Collaterals = append(p.Collaterals, lending.Collateral{
			ReserveID: pubkeyAt(data, off),
			Amount:    binary.LittleEndian.Uint64(data[off+32:]),
		})
		off += depositLen
	}
	for i := 0; i < borrowsLen; i++ {
		p.Loans = append(p.Loans, lending.Loan{
			ReserveID:            pubkeyAt(data, off),
			CumulativeBorrowRate: wadAt(data, off+32),
			Principal:            wadAt(data, off+48),
		})
		off += borrowLen
	}
	return p, nil
}
