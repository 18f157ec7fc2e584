package lending

import (
	"errors"
	"fmt"
)

var (
	ErrWalletMissing       = errors.New("缺少所需的代币钱包")
	ErrNonPositiveAmount   = errors.New("计算得到的清算数量不为正")
	ErrPriceMissing        = errors.New("找不到 reserve 价格")
	ErrUnrecognizedOracle  = errors.New("无法识别的预言机账户")
	ErrNoPrice             = errors.New("预言机没有可用价格")
	ErrStakeAccountMissing = errors.New("找不到仓位所有者的质押账户")
	ErrNoCollateral        = errors.New("没有可赎回的凭证")
	ErrNoLamports          = errors.New("付款账户没有 lamports")
)

// UnitKind 工作单元类型
type UnitKind string

const (
	UnitLiquidation UnitKind = "liquidation"
	UnitRedeem      UnitKind = "redeem"
	UnitSwap        UnitKind = "swap"
)

// UnitError 单个工作单元 (仓位 / reserve / swap) 的错误
type UnitError struct {
	Kind UnitKind
	ID   string
	Op   string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s 失败 [%s, 操作: %s]: %v", e.Kind, e.ID, e.Op, e.Err)
}

// Unwrap 支持 errors.Is/As
func (e *UnitError) Unwrap() error {
	return e.Err
}

func NewUnitError(kind UnitKind, id, op string, err error) *UnitError {
	return &UnitError{Kind: kind, ID: id, Op: op, Err: err}
}

// Outcome 单个工作单元的执行结果。Err 为空且 Skipped 为 false 表示已提交交易。
type Outcome struct {
	Kind      UnitKind
	ID        string
	Signature string
	Skipped   bool
	Detail    string
	Err       error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Failed 返回失败的单元
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, o := range outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}
