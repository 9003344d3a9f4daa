// =============================================================================
// 文件: internal/host/host.go
// 描述: 主机网卡 - 发送流管理、按 NextAvail 调度发包、反馈处理与接收端应答
// =============================================================================
package host

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/receiver"
	"github.com/mrcgq/hpcc/internal/sim"
)

// ControlQueue ACK/NACK 使用的最高优先级队列
const ControlQueue = 0

// NIC 主机网卡端口
type NIC interface {
	Enqueue(q int, p *protocol.Packet)
	Busy() bool
	Rate() uint64
}

// Config 主机参数
type Config struct {
	MTU      int
	Receiver receiver.Config

	// ShareFeedback 收到本流 ACK 时以借道反馈投递给同网卡的其他流
	ShareFeedback bool
}

// Stats 主机计数
type Stats struct {
	DataSent      uint64
	BytesSent     uint64
	AcksSent      uint64
	NacksSent     uint64
	AcksReceived  uint64
	NacksReceived uint64
	Shared        uint64
	UnknownFlow   uint64
	NoRoute       uint64
	Completed     uint64
}

// Option 主机选项
type Option func(*Host)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = logging.Component(l, "host") }
}

// OnComplete 注册流完成回调 (在流自身的 Notify 之后调用)
func OnComplete(fn func(*congestion.Flow)) Option {
	return func(h *Host) { h.onComplete = append(h.onComplete, fn) }
}

type sender struct {
	flow *congestion.Flow
	nic  int
}

// Host 一台主机: 发送侧由速率控制引擎驱动, 接收侧由序列跟踪器驱动
type Host struct {
	addr   protocol.Addr
	cfg    Config
	sched  sim.Scheduler
	engine *congestion.Engine
	seq    *receiver.Sequencer
	log    *slog.Logger

	nics   []NIC
	routes map[protocol.Addr]int

	senders []*sender
	index   map[protocol.FlowKey]*sender
	rr      int
	wake    sim.Handle

	onComplete []func(*congestion.Flow)
	stats      Stats
}

// New 创建主机
func New(addr protocol.Addr, cfg Config, sched sim.Scheduler, engine *congestion.Engine, opts ...Option) *Host {
	h := &Host{
		addr:   addr,
		cfg:    cfg,
		sched:  sched,
		engine: engine,
		log:    logging.Component(nil, "host"),
		routes: make(map[protocol.Addr]int),
		index:  make(map[protocol.FlowKey]*sender),
	}
	for _, o := range opts {
		o(h)
	}
	h.seq = receiver.New(cfg.Receiver, receiver.WithLogger(h.log))
	engine.OnRateChange(func(congestion.RateEvent) { h.reschedule() })
	return h
}

// Addr 主机地址
func (h *Host) Addr() protocol.Addr { return h.addr }

// Engine 速率控制引擎
func (h *Host) Engine() *congestion.Engine { return h.engine }

// Sequencer 接收序列跟踪
func (h *Host) Sequencer() *receiver.Sequencer { return h.seq }

// AttachNIC 挂载网卡, 返回网卡编号
func (h *Host) AttachNIC(n NIC) int {
	h.nics = append(h.nics, n)
	return len(h.nics) - 1
}

// AddRoute 目的地址 -> 网卡
func (h *Host) AddRoute(dst protocol.Addr, nic int) {
	h.routes[dst] = nic
}

// ClearRoutes 清空路由表
func (h *Host) ClearRoutes() {
	h.routes = make(map[protocol.Addr]int)
}

func (h *Host) route(dst protocol.Addr) (int, bool) {
	idx, ok := h.routes[dst]
	if !ok || idx < 0 || idx >= len(h.nics) {
		return 0, false
	}
	return idx, true
}

// AddFlow 创建发送流, 线速未指定时取所在网卡速率
func (h *Host) AddFlow(spec congestion.FlowSpec) (*congestion.Flow, error) {
	nic, ok := h.route(spec.Dst)
	if !ok {
		return nil, fmt.Errorf("host %s: no route to %s", h.addr, spec.Dst)
	}
	if spec.Src == 0 {
		spec.Src = h.addr
	}
	if spec.MaxRate == 0 {
		spec.MaxRate = congestion.Rate(h.nics[nic].Rate())
	}
	f, err := h.engine.AddFlow(spec)
	if err != nil {
		return nil, err
	}
	s := &sender{flow: f, nic: nic}
	h.senders = append(h.senders, s)
	h.index[f.Key] = s

	h.log.Info("flow started", "host", h.addr, "flow", f.Key, "size", f.Size, "rate", f.Rate)
	h.pump()
	return f, nil
}

// DeleteFlow 拆除发送流, 取消其全部定时任务
func (h *Host) DeleteFlow(key protocol.FlowKey) bool {
	s, ok := h.index[key]
	if !ok {
		return false
	}
	delete(h.index, key)
	for i, x := range h.senders {
		if x == s {
			h.senders = append(h.senders[:i], h.senders[i+1:]...)
			break
		}
	}
	if h.rr >= len(h.senders) {
		h.rr = 0
	}
	return h.engine.RemoveFlow(key)
}

// Flows 活跃发送流数
func (h *Host) Flows() int { return len(h.senders) }

// Receive 网卡收包
func (h *Host) Receive(p *protocol.Packet, inPort int) {
	switch p.Kind {
	case protocol.KindData:
		h.receiveData(p)
	case protocol.KindAck, protocol.KindNack:
		h.ReceiveFeedback(p)
	}
}

func (h *Host) receiveData(p *protocol.Packet) {
	now := h.sched.Now()
	out, rf, ok := h.seq.Receive(p, now)
	if !ok {
		return
	}
	// 末包按序到达时必须应答, 否则发送端无法完成
	if p.Fin && out == receiver.NoReply {
		out = receiver.GenerateAck
	}
	reply, err := receiver.Reply(rf, p, out)
	if err != nil {
		panic(err)
	}
	if reply == nil {
		return
	}

	nic, ok := h.route(reply.Dst)
	if !ok {
		h.stats.NoRoute++
		h.log.Warn("no route for reply", "host", h.addr, "dst", reply.Dst)
		return
	}
	if reply.Kind == protocol.KindAck {
		h.stats.AcksSent++
	} else {
		h.stats.NacksSent++
	}
	h.nics[nic].Enqueue(ControlQueue, reply)

	if p.Fin && out == receiver.GenerateAck {
		h.seq.Delete(rf.Key, now)
	}
}

// ReceiveFeedback 解码并处理 ACK/NACK, 信封损坏时 panic
// 顺序: 推进确认 -> NACK 回退 -> 速率更新 -> 完成检查
func (h *Host) ReceiveFeedback(p *protocol.Packet) {
	fb, err := p.Feedback()
	if err != nil {
		panic(fmt.Sprintf("host %s: corrupt %s from %s: %v", h.addr, p.Kind, p.Src, err))
	}
	key := protocol.FlowKey{Dst: p.Src, Sport: fb.Dport, PG: fb.PG}
	s, ok := h.index[key]
	if !ok {
		h.stats.UnknownFlow++
		h.log.Warn("feedback for unknown flow", "host", h.addr, "flow", key, "kind", p.Kind)
		return
	}
	f := s.flow
	now := h.sched.Now()

	if p.Kind == protocol.KindNack {
		h.stats.NacksReceived++
	} else {
		h.stats.AcksReceived++
	}

	if !fb.Foreign() {
		seq := fb.Seq
		rc := h.cfg.Receiver
		if rc.BackToZero && rc.ChunkSize != 0 {
			seq = seq / rc.ChunkSize * rc.ChunkSize
		}
		f.Acknowledge(seq, now)
		if p.Kind == protocol.KindNack {
			f.Recover()
		}
	}

	h.engine.OnFeedback(f, fb, p.Kind)
	if h.cfg.ShareFeedback && !fb.Foreign() {
		h.share(s, fb)
	}

	if f.IsFinished() {
		h.complete(s)
	}
	h.pump()
}

// share 把本流反馈以借道标记投递给同网卡的其他流
func (h *Host) share(from *sender, fb *protocol.Feedback) {
	for _, s := range h.senders {
		if s == from || s.nic != from.nic {
			continue
		}
		shared := *fb
		shared.Flags |= protocol.FlagForeign
		h.engine.OnFeedback(s.flow, &shared, protocol.KindAck)
		h.stats.Shared++
	}
}

func (h *Host) complete(s *sender) {
	f := s.flow
	h.DeleteFlow(f.Key)
	h.stats.Completed++
	h.log.Info("flow completed", "host", h.addr, "flow", f.Key, "size", f.Size,
		"fct", h.sched.Now()-f.StartedAt)

	if f.Notify != nil {
		f.Notify(f)
	}
	for _, fn := range h.onComplete {
		fn(f)
	}
}

// OnNICIdle 网卡发送完毕且队列为空时回调
func (h *Host) OnNICIdle() {
	h.pump()
}

// pump 为每个空闲网卡挑选一个可发送的流发包, 没有可发送的流时定时唤醒
func (h *Host) pump() {
	now := h.sched.Now()
	earliest := time.Duration(-1)

	for idx, nic := range h.nics {
		if nic.Busy() {
			continue
		}
		s, next := h.pick(idx, now)
		if s != nil {
			h.send(s, nic, now)
			continue
		}
		if next >= 0 && (earliest < 0 || next < earliest) {
			earliest = next
		}
	}

	h.sched.Cancel(h.wake)
	h.wake = sim.Handle{}
	if earliest >= 0 {
		h.wake = h.sched.Schedule(earliest-now, h.pump)
	}
}

// pick 轮询挑选: 有剩余数据、未被窗口限制且 NextAvail 已到
// 返回的 next 为最早可发送时间, 无候选时为 -1
func (h *Host) pick(nic int, now time.Duration) (*sender, time.Duration) {
	n := len(h.senders)
	next := time.Duration(-1)
	for i := 0; i < n; i++ {
		s := h.senders[(h.rr+i)%n]
		f := s.flow
		if s.nic != nic || f.Remaining() == 0 || f.IsWinBound() {
			continue
		}
		wait := f.TimeUntilSend(now)
		if wait == 0 {
			h.rr = (h.rr + i + 1) % n
			return s, 0
		}
		if at := now + wait; next < 0 || at < next {
			next = at
		}
	}
	return nil, next
}

func (h *Host) send(s *sender, nic NIC, now time.Duration) {
	f := s.flow
	payload := h.cfg.MTU
	fin := false
	if rem := f.Remaining(); rem <= uint64(payload) {
		payload = int(rem)
		fin = true
	}

	p := protocol.NewDataPacket(f.Src, f.Key.Dst, f.Sport, f.Dport, f.Key.PG, f.SndNxt, payload)
	p.Fin = fin
	p.SentAt = now
	p.IPID = f.IPID

	f.SndNxt += uint32(payload)
	f.IPID++
	h.stats.DataSent++
	h.stats.BytesSent += uint64(p.Size())

	h.engine.OnPacketSent(f, p.Size(), 0)
	nic.Enqueue(int(f.Key.PG), p)
}

// reschedule 改速后 NextAvail 可能变化, 下一时刻重新计算唤醒时间
func (h *Host) reschedule() {
	if !h.wake.Pending() {
		return
	}
	h.sched.Cancel(h.wake)
	h.wake = h.sched.Schedule(0, h.pump)
}

// Stats 计数快照
func (h *Host) Stats() Stats {
	return h.stats
}
