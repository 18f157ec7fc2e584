package report

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"port-liquidator/internal/lending"
	"port-liquidator/internal/rebalance"

	"github.com/shopspring/decimal"
)

const separator = "----------------------------------------"

func header(sb *strings.Builder, title string, now time.Time) {
	sb.WriteString("\n" + title + "\n")
	sb.WriteString("生成时间: " + now.Format("2006-01-02 15:04:05") + "\n")
	sb.WriteString(separator + "\n")
}

// Positions 风险最高的前 n 个仓位
func Positions(ranked []lending.EnrichedPosition, n int, now time.Time) string {
	var sb strings.Builder
	header(&sb, "高风险仓位报告", now)

	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}

	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.Debug)
	fmt.Fprintln(w, "排名\t仓位\t风险系数\t借款价值 (USD)\t清算阈值价值 (USD)\t借款资产\t抵押资产\t")
	for i, p := range ranked[:n] {
		fmt.Fprintf(w, "%d\t%s\t%.4f\t%s\t%s\t%s\t%s\t\n",
			i+1,
			p.Position.ID,
			p.RiskFactor,
			formatValue(p.TotalLoanValue),
			formatValue(p.TotalLiquidationValue),
			strings.Join(p.LoanAssetNames, ","),
			strings.Join(p.DepositAssetNames, ","))
	}
	_ = w.Flush()

	sb.WriteString(separator + "\n")
	sb.WriteString(fmt.Sprintf("显示范围: 按风险系数排序的前%d个仓位 (共%d个)\n", n, len(ranked)))
	return sb.String()
}

// Prices reserve 价格表，按名称排序
func Prices(reserves []lending.Reserve, prices lending.PriceIndex, now time.Time) string {
	var sb strings.Builder
	header(&sb, "Reserve 价格报告", now)

	sorted := make([]lending.Reserve, len(reserves))
	copy(sorted, reserves)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.Debug)
	fmt.Fprintln(w, "资产\tReserve\t价格 (USD)\t预言机\t")
	for _, r := range sorted {
		price := "-"
		if p, ok := prices[r.ID]; ok {
			price = "$" + p.StringFixed(6)
		}
		oracle := r.Oracle
		if oracle == "" {
			oracle = "标记价格"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", displayName(r), r.ID, price, oracle)
	}
	_ = w.Flush()
	return sb.String()
}

// Portfolio 付款账户持仓，按价值降序
func Portfolio(coins map[string]rebalance.CoinInfo, names map[string]string, now time.Time) string {
	var sb strings.Builder
	header(&sb, "持仓报告", now)

	list := make([]rebalance.CoinInfo, 0, len(coins))
	for _, c := range coins {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Value.Equal(list[j].Value) {
			return list[i].Value.GreaterThan(list[j].Value)
		}
		return list[i].Mint < list[j].Mint
	})

	total := decimal.Zero
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', tabwriter.Debug)
	fmt.Fprintln(w, "排名\t代币\t数量\t价格 (USD)\t价值 (USD)\t")
	for i, c := range list {
		symbol := names[c.Mint]
		if symbol == "" {
			symbol = c.Mint
		}
		amount := decimal.NewFromInt(0)
		if !c.Scale.IsZero() {
			amount = decimal.NewFromBigInt(new(big.Int).SetUint64(c.Amount), 0).Div(c.Scale)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t$%s\t%s\t\n",
			i+1, symbol, amount.StringFixed(6), c.Price.StringFixed(6), formatValue(c.Value))
		total = total.Add(c.Value)
	}
	fmt.Fprintf(w, "总计\t-\t-\t-\t%s\t\n", formatValue(total))
	_ = w.Flush()
	return sb.String()
}

func displayName(r lending.Reserve) string {
	if r.Name != "" {
		return r.Name
	}
	return r.AssetMint
}

// formatValue 格式化美元价值
func formatValue(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}
