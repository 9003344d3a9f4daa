// =============================================================================
// 文件: internal/sim/loop.go
// 描述: 离散事件调度器 - 仿真时钟、可取消定时任务
// =============================================================================
package sim

import (
	"container/heap"
	"time"
)

// Clock 仿真时钟
type Clock interface {
	Now() time.Duration
}

// Scheduler 定时任务调度
type Scheduler interface {
	Clock
	Schedule(delay time.Duration, fn func()) Handle
	Cancel(h Handle)
}

// Handle 可取消的任务句柄, 零值表示无任务
type Handle struct {
	ev *event
}

// Pending 任务是否仍待执行
func (h Handle) Pending() bool {
	return h.ev != nil && !h.ev.canceled && !h.ev.fired
}

type event struct {
	at       time.Duration
	seq      uint64
	fn       func()
	index    int
	canceled bool
	fired    bool
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

// Loop 单线程事件循环, 按时间戳顺序执行, 同一时刻按调度顺序
type Loop struct {
	now     time.Duration
	queue   eventQueue
	nextSeq uint64
	fired   uint64
}

// NewLoop 创建事件循环
func NewLoop() *Loop {
	return &Loop{}
}

// Now 当前仿真时间
func (l *Loop) Now() time.Duration {
	return l.now
}

// Schedule 在 delay 之后执行 fn, 负延迟按 0 处理
func (l *Loop) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	ev := &event{
		at:  l.now + delay,
		seq: l.nextSeq,
		fn:  fn,
	}
	l.nextSeq++
	heap.Push(&l.queue, ev)
	return Handle{ev: ev}
}

// Cancel 取消任务, 已执行或已取消的任务忽略
func (l *Loop) Cancel(h Handle) {
	ev := h.ev
	if ev == nil || ev.canceled || ev.fired {
		return
	}
	ev.canceled = true
	if ev.index >= 0 {
		heap.Remove(&l.queue, ev.index)
	}
}

// Step 执行下一个事件, 队列为空时返回 false
func (l *Loop) Step() bool {
	if len(l.queue) == 0 {
		return false
	}
	ev := heap.Pop(&l.queue).(*event)
	l.now = ev.at
	ev.fired = true
	l.fired++
	ev.fn()
	return true
}

// Run 执行所有不晚于 until 的事件, 结束后时钟停在 until
func (l *Loop) Run(until time.Duration) {
	for len(l.queue) > 0 && l.queue[0].at <= until {
		l.Step()
	}
	if l.now < until {
		l.now = until
	}
}

// RunAll 执行直到队列为空
func (l *Loop) RunAll() {
	for l.Step() {
	}
}

// Pending 待执行事件数
func (l *Loop) Pending() int {
	return len(l.queue)
}

// Fired 已执行事件数
func (l *Loop) Fired() uint64 {
	return l.fired
}
