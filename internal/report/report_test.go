package report

import (
	"strings"
	"testing"
	"time"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/rebalance"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestPositionsLimitsRows(t *testing.T) {
	ranked := []lending.EnrichedPosition{
		{Position: lending.Position{ID: "p1"}, RiskFactor: 1.5, TotalLoanValue: decimal.NewFromInt(150), TotalLiquidationValue: decimal.NewFromInt(100), LoanAssetNames: []string{"USDC"}, DepositAssetNames: []string{"SOL"}},
		{Position: lending.Position{ID: "p2"}, RiskFactor: 0.5},
		{Position: lending.Position{ID: "p3"}, RiskFactor: 0.1},
	}

	out := Positions(ranked, 2, now)
	require.Contains(t, out, "2024-01-02 03:04:05")
	require.Contains(t, out, "p1")
	require.Contains(t, out, "1.5000")
	require.Contains(t, out, "$150.00")
	require.Contains(t, out, "p2")
	require.NotContains(t, out, "p3")
	require.Contains(t, out, "前2个仓位 (共3个)")
}

func TestPricesMarksMissing(t *testing.T) {
	reserves := []lending.Reserve{
		{ID: "r2", Name: "USDC", Oracle: "oracle-usdc"},
		{ID: "r1", Name: "SOL"},
	}
	out := Prices(reserves, lending.PriceIndex{"r1": decimal.RequireFromString("20.5")}, now)

	lines := strings.Split(out, "\n")
	var sol, usdc int
	for i, l := range lines {
		if strings.HasPrefix(l, "SOL") {
			sol = i
		}
		if strings.HasPrefix(l, "USDC") {
			usdc = i
		}
	}
	require.Less(t, sol, usdc)
	require.Contains(t, out, "$20.500000")
	require.Contains(t, out, "标记价格")
}

func TestPortfolioTotals(t *testing.T) {
	coins := map[string]rebalance.CoinInfo{
		"m1": {Mint: "m1", Amount: 2_000_000, Scale: decimal.NewFromInt(1_000_000), Price: decimal.NewFromInt(1), Value: decimal.NewFromInt(2)},
		"m2": {Mint: "m2", Amount: 1_000_000_000, Scale: decimal.NewFromInt(1_000_000_000), Price: decimal.NewFromInt(20), Value: decimal.NewFromInt(20)},
	}
	out := Portfolio(coins, map[string]string{"m2": "SOL"}, now)

	require.Less(t, strings.Index(out, "SOL"), strings.Index(out, "m1"))
	require.Contains(t, out, "2.000000")
	require.Contains(t, out, "$22.00")
}
