package liquidator

import (
	"fmt"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
)

// TokenRepayAmount 非原生资产的偿还数量: min(借款本金, floor(钱包余额 × reduceFactor))
func TokenRepayAmount(loanPrincipal, walletBalance uint64, reduceFactor decimal.Decimal) (uint64, error) {
	reduced := decimal.NewFromInt(0)
	if walletBalance > 0 {
		reduced = decimal.NewFromBigInt(uint64Big(walletBalance), 0).Mul(reduceFactor).Floor()
	}
	amount := loanPrincipal
	if reduced.LessThan(decimal.NewFromBigInt(uint64Big(loanPrincipal), 0)) {
		amount = reduced.BigInt().Uint64()
	}
	if amount == 0 {
		return 0, fmt.Errorf("本金 %d, 钱包余额 %d: %w", loanPrincipal, walletBalance, lending.ErrNonPositiveAmount)
	}
	return amount, nil
}

// NativeRepayAmount 原生 SOL 的偿还数量。付款账户保留 reserved lamports，
// 可用余额不足以偿还全部借款时偿还 min(借款/2+1, 可用余额)。
func NativeRepayAmount(loan, lamports, reserved uint64) (uint64, error) {
	if lamports <= reserved {
		return 0, fmt.Errorf("lamports %d 不超过保留数量 %d: %w", lamports, reserved, lending.ErrNonPositiveAmount)
	}
	available := lamports - reserved

	amount := loan
	if loan > available {
		amount = loan/2 + 1
		if amount > available {
			amount = available
		}
	}
	if amount == 0 {
		return 0, fmt.Errorf("借款 %d: %w", loan, lending.ErrNonPositiveAmount)
	}
	return amount, nil
}
