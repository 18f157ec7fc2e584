package metrics

import (
	"net/http"

	"port-liquidator/internal/lending"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liquidator"

// Metrics 清算机器人的运行指标，使用独立的 registry
type Metrics struct {
	registry     *prometheus.Registry
	cycles       *prometheus.CounterVec
	candidates   prometheus.Gauge
	maxRisk      prometheus.Gauge
	liquidations *prometheus.CounterVec
	redeems      *prometheus.CounterVec
	swaps        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Scan cycles segmented by result.",
		}, []string{"result"}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidates",
			Help:      "Liquidation candidates found by the last scan.",
		}),
		maxRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_risk_factor",
			Help:      "Highest risk factor seen by the last scan.",
		}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Liquidation attempts segmented by result.",
		}, []string{"result"}),
		redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeems_total",
			Help:      "Collateral redemptions segmented by result.",
		}, []string{"result"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Rebalance swaps segmented by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.cycles, m.candidates, m.maxRisk, m.liquidations, m.redeems, m.swaps)
	return m
}

// Registry 供测试读取
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 接口
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle result 取 ok / error
func (m *Metrics) ObserveCycle(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

// ObserveScan 记录本次扫描的候选数和最高风险
func (m *Metrics) ObserveScan(candidates int, maxRisk float64) {
	if m == nil {
		return
	}
	m.candidates.Set(float64(candidates))
	m.maxRisk.Set(maxRisk)
}

// ObserveOutcomes 按单元类型累加成功 / 跳过 / 失败次数
func (m *Metrics) ObserveOutcomes(outcomes []lending.Outcome) {
	if m == nil {
		return
	}
	for _, o := range outcomes {
		var vec *prometheus.CounterVec
		switch o.Kind {
		case lending.UnitLiquidation:
			vec = m.liquidations
		case lending.UnitRedeem:
			vec = m.redeems
		case lending.UnitSwap:
			vec = m.swaps
		default:
			continue
		}
		vec.WithLabelValues(result(o)).Inc()
	}
}

func result(o lending.Outcome) string {
	switch {
	case o.Failed():
		return "error"
	case o.Skipped:
		return "skipped"
	default:
		return "ok"
	}
}
