// =============================================================================
// 文件: internal/congestion/engine.go
// 描述: 速率控制引擎 - 流管理、反馈分发、改速与定时任务生命周期
// =============================================================================
package congestion

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/sim"
)

// Option 引擎选项
type Option func(*Engine)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = logging.Component(l, "congestion") }
}

// Engine 管理一台主机上全部发送流的速率
// 单线程事件驱动, 所有调用必须来自调度器所在的协程
type Engine struct {
	cfg   Config
	sched sim.Scheduler
	rnd   *rand.Rand
	log   *slog.Logger

	flows     map[protocol.FlowKey]*Flow
	listeners []func(RateEvent)

	path  UpdatePath
	stats EngineStats
}

// NewEngine 创建引擎
func NewEngine(cfg Config, sched sim.Scheduler, opts ...Option) (*Engine, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.MTU <= 0 {
		return nil, fmt.Errorf("congestion: mtu must be positive, got %d", cfg.MTU)
	}
	e := &Engine{
		cfg:   cfg,
		sched: sched,
		rnd:   rand.New(rand.NewSource(cfg.Seed)),
		log:   logging.Component(nil, "congestion"),
		flows: make(map[protocol.FlowKey]*Flow),
		path:  PathAdmin,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config 引擎参数
func (e *Engine) Config() Config { return e.cfg }

// OnRateChange 注册改速监听
func (e *Engine) OnRateChange(fn func(RateEvent)) {
	e.listeners = append(e.listeners, fn)
}

// AddFlow 创建发送流, 初始速率为线速
func (e *Engine) AddFlow(spec FlowSpec) (*Flow, error) {
	key := protocol.FlowKey{Dst: spec.Dst, Sport: spec.Sport, PG: spec.PG}
	if _, ok := e.flows[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowExists, key)
	}
	if spec.MaxRate == 0 || spec.MaxRate < e.cfg.MinRate {
		return nil, fmt.Errorf("%w: max rate %s below min rate %s", ErrBadFlow, spec.MaxRate, e.cfg.MinRate)
	}
	if spec.BaseRTT <= 0 {
		return nil, fmt.Errorf("%w: base rtt must be positive", ErrBadFlow)
	}

	now := e.sched.Now()
	f := &Flow{
		Key:       key,
		Src:       spec.Src,
		Sport:     spec.Sport,
		Dport:     spec.Dport,
		Size:      spec.Size,
		Window:    spec.Window,
		BaseRTT:   spec.BaseRTT,
		Rate:      spec.MaxRate,
		MaxRate:   spec.MaxRate,
		StartedAt: now,
		Notify:    spec.Notify,
		mode:      e.cfg.Mode,
		varWin:    e.cfg.VarWin,
		rtt:       NewRTTEstimator(spec.BaseRTT, 100*spec.BaseRTT),
		marks:     NewMarkEstimator(),
		delivery:  NewDeliveryEstimator(),
		timers:    make(map[string]sim.Handle),
	}
	f.alg = e.newAlgorithm(f)
	e.flows[key] = f

	e.log.Debug("flow added", "flow", key, "size", spec.Size, "rate", f.Rate, "mode", f.mode)
	return f, nil
}

func (e *Engine) newAlgorithm(f *Flow) Algorithm {
	switch e.cfg.Mode {
	case ModeDCQCN:
		return newDCQCN(e, f)
	case ModeTimely:
		return newTimely(e, f)
	case ModeDCTCP:
		return newDCTCP(e, f)
	case ModeHPCCPint:
		return newHPCCPint(e, f)
	case ModeWindow:
		return newWindow(e, f)
	default:
		return newHPCC(e, f)
	}
}

// Flow 查找发送流
func (e *Engine) Flow(key protocol.FlowKey) (*Flow, bool) {
	f, ok := e.flows[key]
	return f, ok
}

// Flows 按键排序的全部流
func (e *Engine) Flows() []*Flow {
	out := make([]*Flow, 0, len(e.flows))
	for _, f := range e.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Dst != b.Dst {
			return a.Dst < b.Dst
		}
		if a.Sport != b.Sport {
			return a.Sport < b.Sport
		}
		return a.PG < b.PG
	})
	return out
}

// RemoveFlow 拆除流: 先取消全部定时任务再释放状态
func (e *Engine) RemoveFlow(key protocol.FlowKey) bool {
	f, ok := e.flows[key]
	if !ok {
		return false
	}
	for name, h := range f.timers {
		e.sched.Cancel(h)
		delete(f.timers, name)
	}
	f.alg.Close()
	f.closed = true
	delete(e.flows, key)

	e.log.Debug("flow removed", "flow", key, "acked", f.SndUna)
	return true
}

// OnFeedback 处理一条 ACK/NACK 反馈
func (e *Engine) OnFeedback(f *Flow, fb *protocol.Feedback, kind protocol.Kind) {
	if f.closed {
		return
	}
	now := e.sched.Now()

	if fb.Foreign() {
		e.stats.Observed++
		if obs, ok := f.alg.(Observer); ok {
			e.withPath(PathObserve, func() { obs.Observe(f, fb, now) })
		}
		return
	}

	if kind == protocol.KindNack {
		e.stats.Nacks++
	}
	if echo := time.Duration(fb.EchoTime); now >= echo {
		f.rtt.Update(now-echo, now)
	}
	f.marks.OnFeedback(fb.ECN())

	if fb.Seq > f.LastUpdateSeq {
		e.stats.FullUpdates++
		e.withPath(PathFull, func() { f.alg.FullUpdate(f, fb, now) })
	} else {
		e.stats.FastReacts++
		e.withPath(PathFast, func() { f.alg.FastReact(f, fb, now) })
	}
}

// SetRate 改速: 限制在 [MinRate, MaxRate], 平移下一次发送时间并通知监听者
func (e *Engine) SetRate(f *Flow, r Rate) {
	r = clampRate(r, e.cfg.MinRate, f.MaxRate)
	if r == f.Rate {
		return
	}
	old := f.Rate
	f.Pacer.ChangeRate(old, r)
	f.Rate = r
	e.stats.RateChanges++

	ev := RateEvent{
		Flow: f.Key,
		Mode: f.mode,
		Path: e.path,
		Old:  old,
		New:  r,
		At:   e.sched.Now(),
	}
	for _, fn := range e.listeners {
		fn(ev)
	}
}

// OnPacketSent 发送一个包后更新发送节奏
func (e *Engine) OnPacketSent(f *Flow, size int, gap time.Duration) {
	rate := f.Rate
	if !e.cfg.RateBound {
		rate = f.MaxRate
	}
	f.Pacer.OnPacketSent(e.sched.Now(), gap, size, rate)
}

// Stats 引擎计数
func (e *Engine) Stats() EngineStats {
	st := e.stats
	st.Flows = len(e.flows)
	return st
}

// Snapshot 全部流的统计
func (e *Engine) Snapshot() []FlowStats {
	flows := e.Flows()
	out := make([]FlowStats, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Stats())
	}
	return out
}

func (e *Engine) withPath(p UpdatePath, fn func()) {
	prev := e.path
	e.path = p
	fn()
	e.path = prev
}

// schedule 注册与流绑定的定时任务, 同名任务会被替换
// 回调触发前检查流是否已拆除
func (e *Engine) schedule(f *Flow, name string, delay time.Duration, fn func()) {
	if f.closed {
		return
	}
	if h, ok := f.timers[name]; ok {
		e.sched.Cancel(h)
	}
	f.timers[name] = e.sched.Schedule(delay, func() {
		if f.closed {
			return
		}
		delete(f.timers, name)
		e.stats.TimerFires++
		e.withPath(PathTimer, fn)
	})
}

// pending 流当前挂起的定时任务数
func (e *Engine) pending(f *Flow) int {
	n := 0
	for _, h := range f.timers {
		if h.Pending() {
			n++
		}
	}
	return n
}
