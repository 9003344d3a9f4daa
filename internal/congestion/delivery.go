// =============================================================================
// 文件: internal/congestion/delivery.go
// 描述: 交付速率估算 (按累计确认字节计算 goodput)
// =============================================================================
package congestion

import (
	"time"
)

const (
	deliveryWindowSize = 10
	deliveryMinSpacing = time.Microsecond
)

// DeliveryEstimator 交付速率估算器
type DeliveryEstimator struct {
	samples []Rate
	maxRate Rate
	avgRate Rate

	delivered       uint64
	lastDelivered   uint64
	lastDeliveredAt time.Duration
	started         bool

	sampleCount uint64
}

// NewDeliveryEstimator 创建估算器
func NewDeliveryEstimator() *DeliveryEstimator {
	return &DeliveryEstimator{samples: make([]Rate, 0, deliveryWindowSize)}
}

// OnDelivered 新确认 bytes 字节
func (d *DeliveryEstimator) OnDelivered(bytes uint64, now time.Duration) {
	d.delivered += bytes
	if !d.started {
		d.started = true
		d.lastDelivered = d.delivered
		d.lastDeliveredAt = now
		return
	}

	dt := now - d.lastDeliveredAt
	if dt < deliveryMinSpacing {
		return
	}
	bytesDelta := d.delivered - d.lastDelivered
	if bytesDelta == 0 {
		return
	}

	r := Rate(bytesDelta * 8 * uint64(time.Second) / uint64(dt))
	d.samples = append(d.samples, r)
	if len(d.samples) > deliveryWindowSize {
		d.samples = d.samples[1:]
	}
	d.lastDelivered = d.delivered
	d.lastDeliveredAt = now
	d.sampleCount++
	d.updateEstimate()
}

func (d *DeliveryEstimator) updateEstimate() {
	var sum, mx Rate
	for _, s := range d.samples {
		sum += s
		if s > mx {
			mx = s
		}
	}
	d.avgRate = sum / Rate(len(d.samples))
	d.maxRate = mx
}

// GetRate 窗口内最大交付速率
func (d *DeliveryEstimator) GetRate() Rate { return d.maxRate }

// GetAvgRate 窗口内平均交付速率
func (d *DeliveryEstimator) GetAvgRate() Rate { return d.avgRate }

// GetDelivered 累计交付字节
func (d *DeliveryEstimator) GetDelivered() uint64 { return d.delivered }
