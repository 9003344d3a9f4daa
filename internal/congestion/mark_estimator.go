// =============================================================================
// 文件: internal/congestion/mark_estimator.go
// 描述: ECN 标记比例估算 - 滑动窗口 + 双 EWMA
// =============================================================================
package congestion

const (
	markEwmaShort  = 0.125  // 短期权重 (1/8)
	markEwmaLong   = 0.0625 // 长期权重 (1/16)
	markWindowSize = 64
)

// MarkEstimator 按反馈统计被标记的比例
type MarkEstimator struct {
	ewmaShort float64
	ewmaLong  float64
	window    *SlidingWindow

	total  uint64
	marked uint64
}

// SlidingWindow 固定长度的布尔事件窗口
type SlidingWindow struct {
	events []bool
	idx    int
	count  int
	hits   int
}

// NewMarkEstimator 创建标记估算器
func NewMarkEstimator() *MarkEstimator {
	return &MarkEstimator{window: NewSlidingWindow(markWindowSize)}
}

// NewSlidingWindow 创建滑动窗口
func NewSlidingWindow(size int) *SlidingWindow {
	return &SlidingWindow{events: make([]bool, size)}
}

// OnFeedback 记录一次反馈
func (e *MarkEstimator) OnFeedback(marked bool) {
	e.total++
	x := 0.0
	if marked {
		e.marked++
		x = 1
	}
	e.window.Add(marked)
	if e.total == 1 {
		e.ewmaShort, e.ewmaLong = x, x
		return
	}
	e.ewmaShort = (1-markEwmaShort)*e.ewmaShort + markEwmaShort*x
	e.ewmaLong = (1-markEwmaLong)*e.ewmaLong + markEwmaLong*x
}

// Fraction 平滑标记比例, 取短期与长期中较大者以便快速反映拥塞
func (e *MarkEstimator) Fraction() float64 {
	if e.ewmaShort > e.ewmaLong {
		return e.ewmaShort
	}
	return e.ewmaLong
}

// InstantFraction 最近窗口内的标记比例
func (e *MarkEstimator) InstantFraction() float64 {
	return e.window.Rate()
}

// Counts 累计反馈数与标记数
func (e *MarkEstimator) Counts() (total, marked uint64) {
	return e.total, e.marked
}

// Add 添加事件
func (w *SlidingWindow) Add(hit bool) {
	if w.count == len(w.events) {
		if w.events[w.idx] {
			w.hits--
		}
	} else {
		w.count++
	}
	w.events[w.idx] = hit
	if hit {
		w.hits++
	}
	w.idx = (w.idx + 1) % len(w.events)
}

// Rate 窗口内命中比例
func (w *SlidingWindow) Rate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.hits) / float64(w.count)
}
