// =============================================================================
// 文件: internal/fabric/rate.go
// 描述: 端口发送速率估算 - 每 N 个包或经过足够时间切换一次窗口
// =============================================================================
package fabric

import (
	"time"

	"github.com/mrcgq/hpcc/internal/telemetry"
)

// RateEstimator 端口出队速率估算
type RateEstimator struct {
	maxRate       uint64 // bit/s
	windowPackets int
	maxSpan       time.Duration

	bytes       uint64
	count       int
	windowStart time.Duration
	rate        uint64
}

// NewRateEstimator 窗口时长上限为端口线速下 1000×(1e11/maxRate) ns
func NewRateEstimator(maxRate uint64, windowPackets int) *RateEstimator {
	if windowPackets < 1 {
		windowPackets = 1
	}
	var span time.Duration
	if maxRate > 0 {
		span = time.Duration(1000 * (100_000_000_000 / maxRate))
	}
	return &RateEstimator{
		maxRate:       maxRate,
		windowPackets: windowPackets,
		maxSpan:       span,
	}
}

// OnDequeue 记录一个出队的包, 计时以该包序列化完成时刻为准
func (r *RateEstimator) OnDequeue(size int, now time.Duration) {
	r.bytes += uint64(size)
	r.count++

	end := now
	if r.maxRate > 0 {
		end += time.Duration(uint64(size) * 8 * uint64(time.Second) / r.maxRate)
	}
	dt := end - r.windowStart
	if r.count < r.windowPackets && dt < r.maxSpan {
		return
	}
	if dt > 0 {
		r.rate = r.bytes * 8 * uint64(time.Second) / uint64(dt)
	}
	r.windowStart = end
	r.bytes = 0
	r.count = 0
}

// Rate 最近一个完整窗口的速率 (bit/s)
func (r *RateEstimator) Rate() uint64 { return r.rate }

// WindowStart 当前窗口起点, 用作遥测时间戳
func (r *RateEstimator) WindowStart() time.Duration { return r.windowStart }

// Ratio 速率与线速之比, RatioScale 为单位, 上限 RatioScale
func (r *RateEstimator) Ratio() uint16 {
	if r.maxRate == 0 {
		return 0
	}
	ratio := r.rate * telemetry.RatioScale / r.maxRate
	if ratio > telemetry.RatioScale {
		ratio = telemetry.RatioScale
	}
	return uint16(ratio)
}

// Utilization 以小数表示的利用率
func (r *RateEstimator) Utilization() float64 {
	if r.maxRate == 0 {
		return 0
	}
	return float64(r.rate) / float64(r.maxRate)
}
