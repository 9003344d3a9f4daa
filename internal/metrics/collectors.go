// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/hpcc/internal/topology"
)

// SnapshotProvider 快照来源
type SnapshotProvider interface {
	Snapshot() topology.Snapshot
}

// NetworkCollector 按快照导出流、主机、交换机与端口指标
type NetworkCollector struct {
	provider SnapshotProvider

	// 流
	flowRateDesc   *prometheus.Desc
	flowWindowDesc *prometheus.Desc
	flowSRTTDesc   *prometheus.Desc
	flowAckedDesc  *prometheus.Desc
	flowMarkDesc   *prometheus.Desc

	// 主机
	updatesDesc  *prometheus.Desc
	nacksDesc    *prometheus.Desc
	timersDesc   *prometheus.Desc
	outcomesDesc *prometheus.Desc
	dataSentDesc *prometheus.Desc

	// 交换机
	switchPktsDesc  *prometheus.Desc
	switchStampDesc *prometheus.Desc

	// 端口
	backlogDesc    *prometheus.Desc
	maxBacklogDesc *prometheus.Desc
	txBytesDesc    *prometheus.Desc
}

// NewNetworkCollector 创建收集器
func NewNetworkCollector(provider SnapshotProvider) *NetworkCollector {
	namespace := "hpcc"
	flowLabels := []string{"host", "flow"}

	return &NetworkCollector{
		provider: provider,

		flowRateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "flow", "rate_bps"),
			"Current sending rate",
			append(flowLabels, "mode"), nil,
		),
		flowWindowDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "flow", "window_bytes"),
			"Effective window, 0 when unbounded",
			flowLabels, nil,
		),
		flowSRTTDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "flow", "srtt_seconds"),
			"Smoothed RTT",
			flowLabels, nil,
		),
		flowAckedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "flow", "acked_bytes"),
			"Acknowledged bytes",
			flowLabels, nil,
		),
		flowMarkDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "flow", "mark_fraction"),
			"Fraction of feedback carrying a congestion mark",
			flowLabels, nil,
		),

		updatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "congestion", "feedback_total"),
			"Feedback processed by update path",
			[]string{"host", "path"}, nil,
		),
		nacksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "congestion", "nacks_total"),
			"NACKs received by the rate engine",
			[]string{"host"}, nil,
		),
		timersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "congestion", "timer_fires_total"),
			"Rate-control timers fired",
			[]string{"host"}, nil,
		),
		outcomesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "receiver", "packets_total"),
			"Received data packets by sequencing outcome",
			[]string{"host", "outcome"}, nil,
		),
		dataSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "data_packets_sent_total"),
			"Data packets sent",
			[]string{"host"}, nil,
		),

		switchPktsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "switch", "packets_total"),
			"Switch packet events",
			[]string{"event"}, nil,
		),
		switchStampDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "switch", "stamps_total"),
			"Telemetry stamping results",
			[]string{"kind"}, nil,
		),

		backlogDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "port", "backlog_bytes"),
			"Bytes queued at the port",
			[]string{"port"}, nil,
		),
		maxBacklogDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "port", "max_backlog_bytes"),
			"Peak bytes queued at the port",
			[]string{"port"}, nil,
		),
		txBytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "port", "tx_bytes_total"),
			"Bytes transmitted by the port",
			[]string{"port"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *NetworkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.flowRateDesc
	ch <- c.flowWindowDesc
	ch <- c.flowSRTTDesc
	ch <- c.flowAckedDesc
	ch <- c.flowMarkDesc
	ch <- c.updatesDesc
	ch <- c.nacksDesc
	ch <- c.timersDesc
	ch <- c.outcomesDesc
	ch <- c.dataSentDesc
	ch <- c.switchPktsDesc
	ch <- c.switchStampDesc
	ch <- c.backlogDesc
	ch <- c.maxBacklogDesc
	ch <- c.txBytesDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *NetworkCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.provider.Snapshot()

	for _, f := range snap.Flows {
		flow := f.Key.String()
		ch <- prometheus.MustNewConstMetric(c.flowRateDesc, prometheus.GaugeValue,
			float64(f.Rate), f.Host, flow, string(f.Mode))
		ch <- prometheus.MustNewConstMetric(c.flowWindowDesc, prometheus.GaugeValue,
			float64(f.Window), f.Host, flow)
		ch <- prometheus.MustNewConstMetric(c.flowSRTTDesc, prometheus.GaugeValue,
			f.SmoothedRTT.Seconds(), f.Host, flow)
		ch <- prometheus.MustNewConstMetric(c.flowAckedDesc, prometheus.GaugeValue,
			float64(f.SndUna), f.Host, flow)
		ch <- prometheus.MustNewConstMetric(c.flowMarkDesc, prometheus.GaugeValue,
			f.MarkFraction, f.Host, flow)
	}

	for _, h := range snap.Hosts {
		e := h.Engine
		ch <- prometheus.MustNewConstMetric(c.updatesDesc, prometheus.CounterValue,
			float64(e.FullUpdates), h.Addr, "full")
		ch <- prometheus.MustNewConstMetric(c.updatesDesc, prometheus.CounterValue,
			float64(e.FastReacts), h.Addr, "fast")
		ch <- prometheus.MustNewConstMetric(c.updatesDesc, prometheus.CounterValue,
			float64(e.Observed), h.Addr, "observe")
		ch <- prometheus.MustNewConstMetric(c.nacksDesc, prometheus.CounterValue,
			float64(e.Nacks), h.Addr)
		ch <- prometheus.MustNewConstMetric(c.timersDesc, prometheus.CounterValue,
			float64(e.TimerFires), h.Addr)

		r := h.Receiver
		for outcome, v := range map[string]uint64{
			"ack":        r.Acks,
			"nack":       r.Nacks,
			"duplicate":  r.Duplicates,
			"suppressed": r.Suppressed,
			"no_reply":   r.NoReply,
			"not_found":  r.NotFound,
		} {
			ch <- prometheus.MustNewConstMetric(c.outcomesDesc, prometheus.CounterValue,
				float64(v), h.Addr, outcome)
		}
		ch <- prometheus.MustNewConstMetric(c.dataSentDesc, prometheus.CounterValue,
			float64(h.Host.DataSent), h.Addr)
	}

	sw := snap.Switch
	for event, v := range map[string]uint64{
		"received":   sw.Received,
		"admitted":   sw.Admitted,
		"dropped":    sw.Dropped,
		"no_route":   sw.NoRoute,
		"dequeued":   sw.Dequeued,
		"ecn_marked": sw.ECNMarked,
	} {
		ch <- prometheus.MustNewConstMetric(c.switchPktsDesc, prometheus.CounterValue, float64(v), event)
	}
	for kind, v := range map[string]uint64{
		"depth": sw.DepthStamped,
		"ratio": sw.RatioStamped,
		"none":  sw.Unstamped,
		"route": sw.RouteStamped,
		"hop":   sw.HopsAppended,
	} {
		ch <- prometheus.MustNewConstMetric(c.switchStampDesc, prometheus.CounterValue, float64(v), kind)
	}

	for _, p := range snap.Ports {
		ch <- prometheus.MustNewConstMetric(c.backlogDesc, prometheus.GaugeValue, float64(p.Backlog), p.Name)
		ch <- prometheus.MustNewConstMetric(c.maxBacklogDesc, prometheus.GaugeValue, float64(p.MaxBacklog), p.Name)
		ch <- prometheus.MustNewConstMetric(c.txBytesDesc, prometheus.CounterValue, float64(p.TxBytes), p.Name)
	}
}
