// =============================================================================
// 文件: internal/congestion/window.go
// 描述: 深度/比值反馈窗口变体 - 窗口内追踪最近的拥塞或空闲事件, 每窗口更新一次
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

// tsWrap 24 位时间戳的回绕周期 (ns)
const tsWrap = uint64(1<<24) * telemetry.TimestampUnit

type windowPhase int

const (
	phaseSteady windowPhase = iota // 首个窗口或窗口未变
	phaseShrunk                    // 上次因拥塞缩小
	phaseGrown                     // 上次因空闲扩大
)

type windowCC struct {
	e *Engine

	win     float64 // 字节
	lastWin float64
	minWin  float64
	maxWin  float64

	// 本窗口追踪到的最近拥塞事件
	hasDepth     bool
	depth        uint16
	maxDRate     uint8
	congestDelta uint64
	dTs          uint64

	// 本窗口追踪到的最近空闲事件
	hasRatio  bool
	ratio     uint16
	maxRRate  uint8
	idleDelta uint64
	rTs       uint64

	lastUpdateTime uint64
	lastEventTs    uint64
}

func newWindow(e *Engine, f *Flow) *windowCC {
	rtt := f.BaseRTT.Seconds()
	w := &windowCC{
		e:      e,
		minWin: float64(e.cfg.MinRate) * rtt / 8,
		maxWin: float64(f.MaxRate) * rtt / 8,
		ratio:  telemetry.RatioScale,
	}
	w.win = float64(f.Window)
	if w.win == 0 {
		w.win = f.bdp()
	}
	w.win = w.clamp(w.win)
	w.lastWin = w.win
	return w
}

// Window 当前窗口 (字节)
func (w *windowCC) Window() float64 { return w.win }

func (w *windowCC) Observe(f *Flow, fb *protocol.Feedback, now time.Duration) {
	w.track(f, fb, now)
}

func (w *windowCC) FastReact(f *Flow, fb *protocol.Feedback, now time.Duration) {
	w.track(f, fb, now)
}

func (w *windowCC) Close() {}

func (w *windowCC) FullUpdate(f *Flow, fb *protocol.Feedback, now time.Duration) {
	w.track(f, fb, now)

	congest := w.hasDepth && (!w.hasRatio || newerTs(w.dTs, w.rTs))
	idle := !congest && w.hasRatio && (!w.hasDepth || newerTs(w.rTs, w.dTs))
	if !congest && !idle {
		return
	}

	rtt := f.BaseRTT.Seconds()
	w.lastUpdateTime = uint64(now) % tsWrap
	w.lastWin = w.win
	f.LastUpdateSeq = f.SndNxt

	if congest {
		w.lastEventTs = w.dTs
		// depth 以 DepthUnit 计, BaseRTT 以 ns 计
		depth := float64(w.depth)
		alpha := depth / (depth + float64(w.maxDRate)*float64(f.BaseRTT.Nanoseconds())/8000)
		w.win *= 1 - alpha
	} else {
		w.lastEventTs = w.rTs
		ratio := w.ratio
		if ratio == 0 {
			ratio = 1
		}
		w.win = w.win/(float64(ratio)/telemetry.RatioScale) + float64(w.e.cfg.RateAI)*rtt/8
	}
	w.win = w.clamp(w.win)
	w.reset()

	w.e.SetRate(f, rateFromFloat(w.win*8/rtt))
}

func (w *windowCC) phase(f *Flow) windowPhase {
	switch {
	case f.LastUpdateSeq == 0 || w.win == w.lastWin:
		return phaseSteady
	case w.win < w.lastWin:
		return phaseShrunk
	default:
		return phaseGrown
	}
}

// track 按窗口阶段筛选样本: 与上次调整同方向的样本须来自借道反馈且晚于上次更新 1/4 RTT,
// 反方向的样本须晚于触发上次调整的事件
func (w *windowCC) track(f *Flow, fb *protocol.Feedback, now time.Duration) {
	nowW := uint64(now) % tsWrap
	ph := w.phase(f)
	fresh := (w.lastUpdateTime + uint64(f.BaseRTT/4)) % tsWrap

	if d, ok := fb.Record.MaxDepth(); ok {
		ts := uint64(d.Timestamp) * telemetry.TimestampUnit
		var eligible bool
		switch ph {
		case phaseSteady:
			eligible = true
		case phaseShrunk:
			eligible = fb.Foreign() && newerTs(ts, fresh)
		case phaseGrown:
			eligible = newerTs(ts, w.lastEventTs)
		}
		delta := wrapDelta(nowW, ts)
		if eligible && (!w.hasDepth || delta < w.congestDelta) {
			w.hasDepth = true
			w.depth = d.Depth
			w.maxDRate = d.MaxRate
			w.congestDelta = delta
			w.dTs = ts
		}
		return
	}

	if r, ok := fb.Record.MaxRatio(); ok {
		ts := uint64(r.Timestamp) * telemetry.TimestampUnit
		var eligible bool
		switch ph {
		case phaseSteady:
			eligible = true
		case phaseShrunk:
			eligible = newerTs(ts, w.lastEventTs)
		case phaseGrown:
			eligible = fb.Foreign() && newerTs(ts, fresh)
		}
		delta := wrapDelta(nowW, ts)
		if eligible && (!w.hasRatio || delta < w.idleDelta) {
			w.hasRatio = true
			w.ratio = r.Ratio
			w.maxRRate = r.MaxRate
			w.idleDelta = delta
			w.rTs = ts
		}
	}
}

func (w *windowCC) reset() {
	w.hasDepth, w.hasRatio = false, false
	w.depth, w.maxDRate, w.congestDelta, w.dTs = 0, 0, 0, 0
	w.ratio, w.maxRRate, w.idleDelta, w.rTs = telemetry.RatioScale, 0, 0, 0
}

func (w *windowCC) clamp(x float64) float64 {
	if x < w.minWin {
		return w.minWin
	}
	if x > w.maxWin {
		return w.maxWin
	}
	return x
}

// wrapDelta 回绕时钟上 now 与 ts 的距离
func wrapDelta(now, ts uint64) uint64 {
	return (now + tsWrap - ts%tsWrap) % tsWrap
}

// newerTs a 是否在回绕时钟上严格晚于 b (半周期内)
func newerTs(a, b uint64) bool {
	d := wrapDelta(a, b)
	return d != 0 && d < tsWrap/2
}
