// =============================================================================
// 文件: internal/fabric/switch.go
// 描述: 交换机 - 路由查表、准入控制、出队记账与遥测打点
// =============================================================================
package fabric

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/sim"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

// NumQueues 每端口优先级队列数, 队列 0 为最高优先级且不做准入
const NumQueues = 8

// maxRateUnit 遥测中最大速率的单位 (100MB/s)
const maxRateUnit = 8 * 100_000_000

// Device 出端口设备
type Device interface {
	Enqueue(q int, p *protocol.Packet)
	BacklogBytes() uint64
}

// Config 交换机参数
type Config struct {
	ID              uint8
	MMU             MMUConfig
	RateWindowPkts  int
	HopINT          bool          // 追加 HPCC 逐跳 INT
	Pint            bool          // 聚合 PINT 利用率
	BaseRTT         time.Duration // PINT 利用率的队列项归一化
	AckHighPriority bool
}

// Stats 交换机计数
type Stats struct {
	Received     uint64
	Admitted     uint64
	Dropped      uint64
	NoRoute      uint64
	Dequeued     uint64
	ECNMarked    uint64
	DepthStamped uint64
	RatioStamped uint64
	Unstamped    uint64
	RouteStamped uint64
	HopsAppended uint64
}

type port struct {
	dev     Device
	maxRate uint64
	est     *RateEstimator
	txBytes uint64
}

type counterKey struct {
	in, out, q int
}

// Option 交换机选项
type Option func(*Switch)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(s *Switch) { s.log = logging.Component(l, "fabric") }
}

// WithRand 设置随机源 (路由采样、ECN 概率)
func WithRand(r *rand.Rand) Option {
	return func(s *Switch) { s.rnd = r }
}

// Switch 单个交换机
type Switch struct {
	cfg   Config
	clock sim.Clock
	rnd   *rand.Rand
	log   *slog.Logger
	mmu   *MMU

	routes map[protocol.Addr]int
	ports  map[int]*port
	bytes  map[counterKey]uint64

	stats Stats
}

// New 创建交换机
func New(cfg Config, clock sim.Clock, opts ...Option) *Switch {
	s := &Switch{
		cfg:    cfg,
		clock:  clock,
		log:    logging.Component(nil, "fabric"),
		routes: make(map[protocol.Addr]int),
		ports:  make(map[int]*port),
		bytes:  make(map[counterKey]uint64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(int64(cfg.ID) + 1))
	}
	s.mmu = NewMMU(cfg.MMU, s.rnd)
	return s
}

// ID 节点编号
func (s *Switch) ID() uint8 { return s.cfg.ID }

// MMU 准入记账
func (s *Switch) MMU() *MMU { return s.mmu }

// AddRoute 目的地址 -> 出端口
func (s *Switch) AddRoute(dst protocol.Addr, port int) {
	s.routes[dst] = port
}

// ClearRoutes 清空路由表
func (s *Switch) ClearRoutes() {
	s.routes = make(map[protocol.Addr]int)
}

// AttachPort 挂载出端口设备, maxRate 为端口线速 (bit/s)
func (s *Switch) AttachPort(idx int, dev Device, maxRate uint64) {
	s.ports[idx] = &port{
		dev:     dev,
		maxRate: maxRate,
		est:     NewRateEstimator(maxRate, s.cfg.RateWindowPkts),
	}
}

// PortRate 端口估算速率
func (s *Switch) PortRate(idx int) (uint64, bool) {
	pt, ok := s.ports[idx]
	if !ok {
		return 0, false
	}
	return pt.est.Rate(), true
}

func (s *Switch) queueFor(p *protocol.Packet) int {
	if p.IsControl() && s.cfg.AckHighPriority {
		return 0
	}
	q := int(p.PG)
	if q >= NumQueues {
		q = NumQueues - 1
	}
	return q
}

// Receive 从 inPort 收到数据包
// 无路由或准入失败时丢弃并返回 false, 不产生拥塞信号
func (s *Switch) Receive(p *protocol.Packet, inPort int) bool {
	s.stats.Received++

	out, ok := s.routes[p.Dst]
	pt := s.ports[out]
	if !ok || pt == nil {
		s.stats.NoRoute++
		s.log.Warn("no route", "switch", s.cfg.ID, "dst", p.Dst, "kind", p.Kind)
		return false
	}

	q := s.queueFor(p)
	size := uint64(p.Size())
	if q != 0 {
		if !s.mmu.CheckIngress(inPort, q, size) || !s.mmu.CheckEgress(out, q, size) {
			s.stats.Dropped++
			s.log.Debug("admission drop", "switch", s.cfg.ID, "in", inPort, "out", out, "queue", q,
				"ingress", s.mmu.IngressBytes(inPort, q), "egress", s.mmu.EgressBytes(out, q))
			return false
		}
		s.mmu.UpdateIngress(inPort, q, size)
		s.mmu.UpdateEgress(out, q, size)
	}
	s.bytes[counterKey{inPort, out, q}] += size
	s.stats.Admitted++

	p.InPort = inPort
	pt.dev.Enqueue(q, p)
	return true
}

// NotifyDequeue 出端口设备取出数据包准备发送时回调
func (s *Switch) NotifyDequeue(portIdx, q int, p *protocol.Packet) {
	pt, ok := s.ports[portIdx]
	if !ok {
		return
	}
	size := uint64(p.Size())
	if q != 0 {
		s.mmu.RemoveIngress(p.InPort, q, size)
		s.mmu.RemoveEgress(portIdx, q, size)
	}
	k := counterKey{p.InPort, portIdx, q}
	if cur := s.bytes[k]; cur > size {
		s.bytes[k] = cur - size
	} else {
		delete(s.bytes, k)
	}
	s.stats.Dequeued++

	now := s.clock.Now()
	pt.txBytes += size
	pt.est.OnDequeue(p.Size(), now)

	if p.Kind != protocol.KindData {
		return
	}
	if s.mmu.ShouldMark(portIdx, q) {
		p.ECN = 0x03
		s.stats.ECNMarked++
	}
	s.stamp(portIdx, pt, p, now)
}

// stamp 写入遥测: 先尝试深度, 被拒绝再尝试比值, 总是尝试路由
func (s *Switch) stamp(portIdx int, pt *port, p *protocol.Packet, now time.Duration) {
	rec, err := p.Record()
	if err != nil {
		panic(fmt.Sprintf("fabric: switch %d: corrupt telemetry record: %v", s.cfg.ID, err))
	}

	id, portID := s.cfg.ID, uint8(portIdx)
	ts := uint64(pt.est.WindowStart())
	maxClass := pt.maxRate / maxRateUnit
	if maxClass > math.MaxUint8 {
		maxClass = math.MaxUint8
	}
	depth := pt.dev.BacklogBytes()

	if rec.PushDepth(id, portID, depth, ts, uint8(maxClass)) != telemetry.Rejected {
		s.stats.DepthStamped++
	} else if rec.PushRatio(id, portID, pt.est.Ratio(), ts, uint8(maxClass)) != telemetry.Rejected {
		s.stats.RatioStamped++
	} else {
		s.stats.Unstamped++
	}
	if rec.PushRoute(id, portID, s.rnd) {
		s.stats.RouteStamped++
	}
	p.SetRecord(&rec)

	if s.cfg.HopINT && len(p.Hops) < telemetry.MaxHops {
		qlen := depth
		if qlen > math.MaxUint32 {
			qlen = math.MaxUint32
		}
		p.Hops = append(p.Hops, telemetry.HopSample{
			LineRate: pt.maxRate,
			Bytes:    pt.txBytes,
			Time:     uint64(now),
			Qlen:     uint32(qlen),
		})
		s.stats.HopsAppended++
	}
	if s.cfg.Pint {
		u := pt.est.Utilization()
		if s.cfg.BaseRTT > 0 && pt.maxRate > 0 {
			u += float64(depth) * 8 / (float64(pt.maxRate) * s.cfg.BaseRTT.Seconds())
		}
		p.Power = telemetry.AggregatePower(p.Power, u)
	}
}

// Counters (入端口, 出端口, 队列) 当前在交换机内的字节数
func (s *Switch) Counters(in, out, q int) uint64 {
	return s.bytes[counterKey{in, out, q}]
}

// Stats 计数快照
func (s *Switch) Stats() Stats {
	return s.stats
}
