package scanner

import (
	"context"
	"errors"
	"testing"

	"port-liquidator/internal/lending"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testReserves() []lending.Reserve {
	return []lending.Reserve{
		{ID: "A", AssetMint: "mintA", ShareMint: "shareA", Name: "A", LiquidationThreshold: d("0.8"), ExchangeRatio: d("1"), Multiplier: d("1"), CumulativeBorrowRate: d("1")},
		{ID: "B", AssetMint: "mintB", ShareMint: "shareB", Name: "B", LiquidationThreshold: d("0.9"), ExchangeRatio: d("1"), Multiplier: d("1"), CumulativeBorrowRate: d("1")},
	}
}

func testPrices() lending.PriceIndex {
	return lending.PriceIndex{"A": d("10"), "B": d("1")}
}

func position(id string, collateralB uint64) lending.Position {
	return lending.Position{
		ID:          id,
		Owner:       "owner-" + id,
		Loans:       []lending.Loan{{ReserveID: "A", Principal: d("100"), CumulativeBorrowRate: d("1")}},
		Collaterals: []lending.Collateral{{ReserveID: "B", Amount: collateralB}},
	}
}

func TestHealthyPositionExcluded(t *testing.T) {
	ranked, err := Rank(testReserves(), []lending.Position{position("p1", 2000)}, testPrices())
	require.NoError(t, err)
	require.Len(t, ranked, 1)

	p := ranked[0]
	require.True(t, p.TotalLoanValue.Equal(d("1000")))
	require.True(t, p.TotalLiquidationValue.Equal(d("1800")))
	require.InDelta(t, 0.5556, p.RiskFactor, 1e-4)

	require.Empty(t, Filter(ranked, DefaultConfig()))
}

func TestUnhealthyPositionIncluded(t *testing.T) {
	ranked, err := Rank(testReserves(), []lending.Position{position("p1", 900)}, testPrices())
	require.NoError(t, err)

	candidates := Filter(ranked, DefaultConfig())
	require.Len(t, candidates, 1)
	p := candidates[0]
	require.True(t, p.TotalLiquidationValue.Equal(d("810")))
	require.InDelta(t, 1.2346, p.RiskFactor, 1e-4)
	require.Equal(t, []string{"A"}, p.LoanAssetNames)
	require.Equal(t, []string{"B"}, p.DepositAssetNames)
	require.True(t, p.LoanDetails["A"].Value.Equal(d("1000")))
	require.True(t, p.DepositDetails["B"].Price.Equal(d("1")))
}

func TestExclusions(t *testing.T) {
	positions := []lending.Position{
		{ID: "no-loans", Collaterals: []lending.Collateral{{ReserveID: "B", Amount: 10}}},
		{
			ID:          "same-reserve",
			Loans:       []lending.Loan{{ReserveID: "A", Principal: d("1000")}},
			Collaterals: []lending.Collateral{{ReserveID: "A", Amount: 1}},
		},
		{ID: "insolvent", Loans: []lending.Loan{{ReserveID: "A", Principal: d("100")}}},
		position("kept", 900),
	}

	ranked, err := Rank(testReserves(), positions, testPrices())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	require.Equal(t, "kept", ranked[0].Position.ID)
}

func TestRankedNonIncreasingAndStable(t *testing.T) {
	positions := []lending.Position{
		position("low", 5000),
		position("high-1", 600),
		position("mid", 1200),
		position("high-2", 600),
	}
	ranked, err := Rank(testReserves(), positions, testPrices())
	require.NoError(t, err)
	require.Len(t, ranked, 4)

	for i := 1; i < len(ranked); i++ {
		require.GreaterOrEqual(t, ranked[i-1].RiskFactor, ranked[i].RiskFactor)
	}
	require.Equal(t, "high-1", ranked[0].Position.ID)
	require.Equal(t, "high-2", ranked[1].Position.ID)
	require.Equal(t, "low", ranked[3].Position.ID)
}

func TestRiskFactorZeroOperands(t *testing.T) {
	require.Zero(t, RiskFactor(decimal.Zero, d("10")))
	require.Zero(t, RiskFactor(d("10"), decimal.Zero))
	require.Equal(t, 2.0, RiskFactor(d("10"), d("5")))
}

func TestAccrualAndMultiplier(t *testing.T) {
	reserves := testReserves()
	reserves[0].CumulativeBorrowRate = d("1.5")
	reserves[0].Multiplier = d("1000000")

	p := lending.Position{
		ID:          "p",
		Loans:       []lending.Loan{{ReserveID: "A", Principal: d("2000000"), CumulativeBorrowRate: d("1")}},
		Collaterals: []lending.Collateral{{ReserveID: "B", Amount: 10}},
	}
	ranked, err := Rank(reserves, []lending.Position{p}, testPrices())
	require.NoError(t, err)
	// 2 个 A 计息 1.5 倍, 价格 10
	require.True(t, ranked[0].TotalLoanValue.Equal(d("30")), ranked[0].TotalLoanValue.String())
}

func TestFilterThresholdOverrideAndDustFloor(t *testing.T) {
	ranked := []lending.EnrichedPosition{
		{Position: lending.Position{ID: "override"}, RiskFactor: 0.9, TotalLoanValue: d("100")},
		{Position: lending.Position{ID: "default"}, RiskFactor: 0.9, TotalLoanValue: d("100")},
		{Position: lending.Position{ID: "dust"}, RiskFactor: 3, TotalLoanValue: d("0.08")},
	}
	cfg := DefaultConfig()
	cfg.ThresholdOverrides = map[string]float64{"override": 0.85}

	out := Filter(ranked, cfg)
	require.Len(t, out, 1)
	require.Equal(t, "override", out[0].Position.ID)
}

func TestMissingPriceIsFatal(t *testing.T) {
	prices := lending.PriceIndex{"A": d("10")}
	_, err := Rank(testReserves(), []lending.Position{position("p", 900)}, prices)
	require.ErrorIs(t, err, lending.ErrPriceMissing)
}

type fakeSource struct {
	reserves  []lending.Reserve
	positions []lending.Position
}

func (f fakeSource) Reserves(context.Context) ([]lending.Reserve, error) { return f.reserves, nil }

func (f fakeSource) Positions(context.Context) ([]lending.Position, error) { return f.positions, nil }

type fakePrices struct {
	prices lending.PriceIndex
	err    error
}

func (f fakePrices) Prices(context.Context, []lending.Reserve) (lending.PriceIndex, error) {
	return f.prices, f.err
}

func TestScan(t *testing.T) {
	src := fakeSource{
		reserves:  testReserves(),
		positions: []lending.Position{position("healthy", 2000), position("unhealthy", 900)},
	}
	s := New(src, fakePrices{prices: testPrices()}, DefaultConfig(), nil)

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalPositions)
	require.Len(t, res.Ranked, 2)
	require.Len(t, res.Candidates, 1)
	require.Equal(t, "unhealthy", res.Candidates[0].Position.ID)

	s = New(src, fakePrices{err: errors.New("oracle down")}, DefaultConfig(), nil)
	_, err = s.Scan(context.Background())
	require.Error(t, err)
}
