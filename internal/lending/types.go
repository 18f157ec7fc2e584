package lending

import (
	"github.com/shopspring/decimal"
)

// NativeMint 原生 SOL 对应的 wrapped mint
const NativeMint = "So11111111111111111111111111111111111111112"

// NativeDecimals 原生 SOL 的精度 (lamports)
const NativeDecimals = 9

// Reserve 单一资产的借贷池，每个扫描周期内不可变
type Reserve struct {
	ID          string
	Market      string
	AssetMint   string // 底层资产 mint
	ShareMint   string // 存款凭证 (collateral) mint
	AssetSupply string // 资产流动性账户
	ShareSupply string // 凭证托管账户
	Oracle      string // 为空表示没有预言机
	StakingPool string // 为空表示没有质押池

	LiquidationThreshold decimal.Decimal // 小数，例如 0.9
	ExchangeRatio        decimal.Decimal // 每单位资产对应的凭证数量
	Multiplier           decimal.Decimal // 10^decimals
	CumulativeBorrowRate decimal.Decimal
	MarkPrice            decimal.Decimal // 协议内部标记价格
	Decimals             uint8
	Name                 string
}

func (r Reserve) HasOracle() bool {
	return r.Oracle != ""
}

func (r Reserve) HasStakingPool() bool {
	return r.StakingPool != ""
}

// Loan 一笔借款
type Loan struct {
	ReserveID            string
	Principal            decimal.Decimal // 原始单位
	CumulativeBorrowRate decimal.Decimal // 借款时记录的累计利率
}

// Accrued 按 reserve 当前累计利率计息后的借款数量
func (l Loan) Accrued(reserveRate decimal.Decimal) decimal.Decimal {
	if l.CumulativeBorrowRate.IsZero() || reserveRate.IsZero() {
		return l.Principal
	}
	return l.Principal.Mul(reserveRate).Div(l.CumulativeBorrowRate)
}

// Collateral 一笔抵押，数量为凭证原始单位
type Collateral struct {
	ReserveID string
	Amount    uint64
}

// Position 借款人的仓位 (obligation)
type Position struct {
	ID          string
	Owner       string
	Loans       []Loan
	Collaterals []Collateral
}

// AssetDetail 单个资产的定价明细
type AssetDetail struct {
	AssetName string
	Price     decimal.Decimal
	Value     decimal.Decimal
}

// EnrichedPosition 本周期定价后的仓位
type EnrichedPosition struct {
	Position              Position
	RiskFactor            float64
	TotalLoanValue        decimal.Decimal // USD
	TotalLiquidationValue decimal.Decimal // USD，按清算阈值折算
	LoanAssetNames        []string
	DepositAssetNames     []string
	// reserve id -> 明细
	LoanDetails    map[string]AssetDetail
	DepositDetails map[string]AssetDetail
}

// ReserveIndex 按 reserve id 索引
func ReserveIndex(reserves []Reserve) map[string]Reserve {
	index := make(map[string]Reserve, len(reserves))
	for _, r := range reserves {
		index[r.ID] = r
	}
	return index
}

// PriceIndex reserve id -> USD 价格
type PriceIndex map[string]decimal.Decimal
