// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Histogram）
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/hpcc/internal/congestion"
)

// SimMetrics 事件驱动的指标集合
type SimMetrics struct {
	// 速率控制
	RateChanges *prometheus.CounterVec
	RateRatio   *prometheus.HistogramVec

	// 流
	FlowsStarted   prometheus.Counter
	FlowsCompleted prometheus.Counter
	FlowFCT        prometheus.Histogram
	FlowSlowdown   prometheus.Histogram

	// 仿真进度
	SimTime prometheus.Gauge
}

// NewSimMetrics 创建并注册指标
func NewSimMetrics(registry prometheus.Registerer) *SimMetrics {
	m := &SimMetrics{
		RateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpcc",
			Subsystem: "congestion",
			Name:      "rate_changes_total",
			Help:      "Rate changes by variant and update path",
		}, []string{"mode", "path"}),

		RateRatio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hpcc",
			Subsystem: "congestion",
			Name:      "rate_change_ratio",
			Help:      "New rate divided by old rate",
			Buckets:   []float64{.25, .5, .75, .9, .95, .99, 1, 1.01, 1.05, 1.1, 1.5, 2},
		}, []string{"mode"}),

		FlowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcc",
			Subsystem: "flow",
			Name:      "started_total",
			Help:      "Total flows started",
		}),

		FlowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpcc",
			Subsystem: "flow",
			Name:      "completed_total",
			Help:      "Total flows completed",
		}),

		FlowFCT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hpcc",
			Subsystem: "flow",
			Name:      "completion_seconds",
			Help:      "Flow completion time in simulated seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 16),
		}),

		FlowSlowdown: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hpcc",
			Subsystem: "flow",
			Name:      "slowdown",
			Help:      "Completion time divided by ideal line-rate time",
			Buckets:   []float64{1, 1.5, 2, 3, 5, 10, 20, 50, 100},
		}),

		SimTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hpcc",
			Name:      "sim_time_seconds",
			Help:      "Current simulated time",
		}),
	}

	registry.MustRegister(
		m.RateChanges,
		m.RateRatio,
		m.FlowsStarted,
		m.FlowsCompleted,
		m.FlowFCT,
		m.FlowSlowdown,
		m.SimTime,
	)

	return m
}

// RecordRateChange 记录改速
func (m *SimMetrics) RecordRateChange(ev congestion.RateEvent) {
	m.RateChanges.WithLabelValues(string(ev.Mode), string(ev.Path)).Inc()
	if ev.Old > 0 {
		m.RateRatio.WithLabelValues(string(ev.Mode)).Observe(float64(ev.New) / float64(ev.Old))
	}
}

// RecordFlowStart 记录流开始
func (m *SimMetrics) RecordFlowStart() {
	m.FlowsStarted.Inc()
}

// RecordCompletion 记录流完成, ideal 为线速下的理想完成时间
func (m *SimMetrics) RecordCompletion(fctSeconds, idealSeconds float64) {
	m.FlowsCompleted.Inc()
	m.FlowFCT.Observe(fctSeconds)
	if idealSeconds > 0 {
		m.FlowSlowdown.Observe(fctSeconds / idealSeconds)
	}
}

// SetSimTime 更新仿真时间
func (m *SimMetrics) SetSimTime(seconds float64) {
	m.SimTime.Set(seconds)
}
