package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/metrics"
	"port-liquidator/internal/scanner"
	"port-liquidator/internal/wallet"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeScanner struct {
	result *scanner.Result
	err    error
	calls  int
	onScan func()
}

func (f *fakeScanner) Scan(context.Context) (*scanner.Result, error) {
	f.calls++
	if f.onScan != nil {
		f.onScan()
	}
	return f.result, f.err
}

type recorder struct {
	events []string
}

type fakeLiquidator struct {
	rec  *recorder
	fail map[string]bool
}

func (f fakeLiquidator) Liquidate(_ context.Context, c lending.EnrichedPosition, _ map[string]lending.Reserve, _ *wallet.Map) lending.Outcome {
	f.rec.events = append(f.rec.events, "liquidate:"+c.Position.ID)
	if f.fail[c.Position.ID] {
		return lending.Outcome{Kind: lending.UnitLiquidation, ID: c.Position.ID, Err: errors.New("submit failed")}
	}
	return lending.Outcome{Kind: lending.UnitLiquidation, ID: c.Position.ID, Signature: "sig-" + c.Position.ID}
}

type fakeRedeemer struct {
	rec *recorder
}

func (f fakeRedeemer) RedeemAll(_ context.Context, reserves []lending.Reserve, _ *wallet.Map) []lending.Outcome {
	f.rec.events = append(f.rec.events, "redeem")
	return []lending.Outcome{{Kind: lending.UnitRedeem, ID: reserves[0].ID, Skipped: true}}
}

type fakeRebalancer struct {
	rec *recorder
}

func (f fakeRebalancer) Rebalance(context.Context, []lending.Reserve, lending.PriceIndex) ([]lending.Outcome, error) {
	f.rec.events = append(f.rec.events, "rebalance")
	return []lending.Outcome{{Kind: lending.UnitSwap, ID: "a->b", Signature: "swap"}}, nil
}

type fakeMarket struct {
	err error
}

func (f fakeMarket) Reserves(context.Context) ([]lending.Reserve, error) {
	return []lending.Reserve{{ID: "r1"}}, f.err
}

func (f fakeMarket) Prices(context.Context, []lending.Reserve) (lending.PriceIndex, error) {
	return lending.PriceIndex{"r1": decimal.NewFromInt(1)}, nil
}

func scanResult(ids ...string) *scanner.Result {
	res := &scanner.Result{Reserves: []lending.Reserve{{ID: "r1"}}, TotalPositions: 10}
	for i, id := range ids {
		p := lending.EnrichedPosition{Position: lending.Position{ID: id}, RiskFactor: 2 - float64(i)*0.1}
		res.Ranked = append(res.Ranked, p)
		res.Candidates = append(res.Candidates, p)
	}
	return res
}

func TestRunCycleOrdering(t *testing.T) {
	rec := &recorder{}
	m := metrics.New()
	loop := NewLoop(Deps{
		Scanner:    &fakeScanner{result: scanResult("p1", "p2")},
		Liquidator: fakeLiquidator{rec: rec, fail: map[string]bool{"p1": true}},
		Redeemer:   fakeRedeemer{rec: rec},
		Rebalancer: fakeRebalancer{rec: rec},
		Market:     fakeMarket{},
		Prices:     fakeMarket{},
		Metrics:    m,
	}, time.Second, nil)

	report := loop.RunCycle(context.Background())
	require.NoError(t, report.Err)
	require.NotEmpty(t, report.ID)
	require.Equal(t, []string{"rebalance", "liquidate:p1", "redeem", "liquidate:p2", "redeem"}, rec.events)
	require.Equal(t, 2, report.Candidates)
	require.Equal(t, 2.0, report.MaxRisk)
	require.Len(t, report.Liquidations, 2)
	require.Len(t, report.Redeems, 2)
	require.Len(t, lending.Failed(report.Outcomes()), 1)

	// ok 和 error 两个标签
	series, err := testutil.GatherAndCount(m.Registry(), "liquidator_liquidations_total")
	require.NoError(t, err)
	require.Equal(t, 2, series)
}

func TestRebalanceFailureDoesNotAbortScan(t *testing.T) {
	rec := &recorder{}
	sc := &fakeScanner{result: scanResult("p1")}
	loop := NewLoop(Deps{
		Scanner:    sc,
		Liquidator: fakeLiquidator{rec: rec},
		Rebalancer: fakeRebalancer{rec: rec},
		Market:     fakeMarket{err: errors.New("rpc down")},
		Prices:     fakeMarket{},
	}, time.Second, nil)

	report := loop.RunCycle(context.Background())
	require.Error(t, report.RebalanceErr)
	require.NoError(t, report.Err)
	require.Equal(t, 1, sc.calls)
	require.Equal(t, []string{"liquidate:p1"}, rec.events)
}

func TestScanFailureAbortsCycle(t *testing.T) {
	rec := &recorder{}
	loop := NewLoop(Deps{
		Scanner:    &fakeScanner{err: lending.ErrUnrecognizedOracle},
		Liquidator: fakeLiquidator{rec: rec},
		Redeemer:   fakeRedeemer{rec: rec},
	}, time.Second, nil)

	report := loop.RunCycle(context.Background())
	require.ErrorIs(t, report.Err, lending.ErrUnrecognizedOracle)
	require.Empty(t, rec.events)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &fakeScanner{result: scanResult()}
	sc.onScan = func() {
		if sc.calls == 2 {
			cancel()
		}
	}
	loop := NewLoop(Deps{Scanner: sc, Liquidator: fakeLiquidator{rec: &recorder{}}}, time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("主循环没有退出")
	}
	require.Equal(t, 2, sc.calls)
}
