// =============================================================================
// 文件: internal/congestion/rtt.go
// 描述: RTT 测量与估算 (RFC 6298), 样本来自 ACK 回显的发送时间
// =============================================================================
package congestion

import (
	"time"
)

const (
	rttAlpha      = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta       = 0.25  // RTT 方差因子 (1/4)
	rttSampleSize = 50
)

// RTTEstimator RTT 估算器, 时间轴为仿真时钟
type RTTEstimator struct {
	smoothedRTT time.Duration
	rttVariance time.Duration
	minRTT      time.Duration
	latestRTT   time.Duration
	maxRTT      time.Duration

	minRTTTimestamp time.Duration
	minRTTWindow    time.Duration

	samples     []rttSample
	sampleIdx   int
	sampleCount int

	totalSamples uint64
	initialized  bool
}

type rttSample struct {
	rtt       time.Duration
	timestamp time.Duration
}

// NewRTTEstimator 创建 RTT 估算器, initRTT 为未采样前的 SRTT, minWindow 为最小 RTT 的有效期
func NewRTTEstimator(initRTT, minWindow time.Duration) *RTTEstimator {
	return &RTTEstimator{
		smoothedRTT:  initRTT,
		rttVariance:  initRTT / 2,
		minRTTWindow: minWindow,
		samples:      make([]rttSample, rttSampleSize),
	}
}

// Update 加入一个 RTT 样本
func (r *RTTEstimator) Update(sample, now time.Duration) {
	if sample <= 0 {
		return
	}

	r.latestRTT = sample
	r.totalSamples++

	r.samples[r.sampleIdx] = rttSample{rtt: sample, timestamp: now}
	r.sampleIdx = (r.sampleIdx + 1) % rttSampleSize
	if r.sampleCount < rttSampleSize {
		r.sampleCount++
	}

	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
		r.minRTTTimestamp = now
	} else if r.minRTTWindow > 0 && now-r.minRTTTimestamp > r.minRTTWindow {
		r.minRTT = r.findMinRTTInWindow(now)
		r.minRTTTimestamp = now
	}

	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if !r.initialized {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		r.initialized = true
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)
	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

func (r *RTTEstimator) findMinRTTInWindow(now time.Duration) time.Duration {
	minVal := time.Duration(1<<63 - 1)
	for i := 0; i < r.sampleCount; i++ {
		s := r.samples[i]
		if now-s.timestamp <= r.minRTTWindow && s.rtt < minVal {
			minVal = s.rtt
		}
	}
	if minVal == time.Duration(1<<63-1) {
		return r.smoothedRTT
	}
	return minVal
}

// GetSmoothedRTT 平滑 RTT
func (r *RTTEstimator) GetSmoothedRTT() time.Duration { return r.smoothedRTT }

// GetMinRTT 最小 RTT, 未采样时返回 SRTT
func (r *RTTEstimator) GetMinRTT() time.Duration {
	if r.minRTT == 0 {
		return r.smoothedRTT
	}
	return r.minRTT
}

// GetLatestRTT 最新 RTT
func (r *RTTEstimator) GetLatestRTT() time.Duration { return r.latestRTT }

// GetMaxRTT 最大 RTT
func (r *RTTEstimator) GetMaxRTT() time.Duration { return r.maxRTT }

// GetRTTVariance RTT 方差
func (r *RTTEstimator) GetRTTVariance() time.Duration { return r.rttVariance }

// IsInitialized 是否已有样本
func (r *RTTEstimator) IsInitialized() bool { return r.initialized }

// Samples 样本总数
func (r *RTTEstimator) Samples() uint64 { return r.totalSamples }
