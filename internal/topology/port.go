// =============================================================================
// 文件: internal/topology/port.go
// 描述: 点到点链路端口 - 严格优先级出队、串行化发送、传播时延投递
// =============================================================================
package topology

import (
	"time"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/fabric"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/sim"
)

// ReceiveFunc 节点收包入口
type ReceiveFunc func(p *protocol.Packet, inPort int)

// PortStats 端口计数
type PortStats struct {
	TxPackets  uint64
	TxBytes    uint64
	MaxBacklog uint64
}

// Port 节点上的一个出端口, 同时是对端的入端口
// 队列 0 优先级最高
type Port struct {
	sched sim.Scheduler
	name  string
	index int
	rate  congestion.Rate
	delay time.Duration
	recv  ReceiveFunc
	peer  *Port

	queues  [fabric.NumQueues][]*protocol.Packet
	backlog uint64
	busy    bool

	onDequeue func(q int, p *protocol.Packet)
	onIdle    func()

	stats PortStats
}

// NewPort 创建端口, recv 为所属节点的收包入口
func NewPort(sched sim.Scheduler, name string, index int, rate uint64, delay time.Duration, recv ReceiveFunc) *Port {
	return &Port{
		sched: sched,
		name:  name,
		index: index,
		rate:  congestion.Rate(rate),
		delay: delay,
		recv:  recv,
	}
}

// Connect 双向连接两个端口
func Connect(a, b *Port) {
	a.peer = b
	b.peer = a
}

// OnDequeue 注册出队回调, 在包开始串行化前调用
func (p *Port) OnDequeue(fn func(q int, pkt *protocol.Packet)) { p.onDequeue = fn }

// OnIdle 注册空闲回调, 在发送结束且队列为空时调用
func (p *Port) OnIdle(fn func()) { p.onIdle = fn }

// Name 端口名
func (p *Port) Name() string { return p.name }

// Index 所属节点上的端口号
func (p *Port) Index() int { return p.index }

// Rate 线速 (bit/s)
func (p *Port) Rate() uint64 { return uint64(p.rate) }

// BacklogBytes 排队字节数 (不含正在发送的包)
func (p *Port) BacklogBytes() uint64 { return p.backlog }

// Busy 正在发送或有包排队
func (p *Port) Busy() bool { return p.busy || p.backlog > 0 }

// Stats 计数快照
func (p *Port) Stats() PortStats { return p.stats }

// Enqueue 入队, 越界队列号归入最低优先级
func (p *Port) Enqueue(q int, pkt *protocol.Packet) {
	if q < 0 {
		q = 0
	}
	if q >= fabric.NumQueues {
		q = fabric.NumQueues - 1
	}
	p.queues[q] = append(p.queues[q], pkt)
	p.backlog += uint64(pkt.Size())
	if p.backlog > p.stats.MaxBacklog {
		p.stats.MaxBacklog = p.backlog
	}
	if !p.busy {
		p.transmit()
	}
}

func (p *Port) dequeue() (int, *protocol.Packet) {
	for q := range p.queues {
		if len(p.queues[q]) == 0 {
			continue
		}
		pkt := p.queues[q][0]
		p.queues[q][0] = nil
		p.queues[q] = p.queues[q][1:]
		p.backlog -= uint64(pkt.Size())
		return q, pkt
	}
	return 0, nil
}

func (p *Port) transmit() {
	q, pkt := p.dequeue()
	if pkt == nil {
		return
	}
	p.busy = true
	if p.onDequeue != nil {
		p.onDequeue(q, pkt)
	}
	size := pkt.Size()
	p.stats.TxPackets++
	p.stats.TxBytes += uint64(size)

	p.sched.Schedule(p.rate.TxTime(size), func() {
		p.busy = false
		if peer := p.peer; peer != nil && peer.recv != nil {
			p.sched.Schedule(p.delay, func() { peer.recv(pkt, peer.index) })
		}
		if p.backlog > 0 {
			p.transmit()
			return
		}
		if p.onIdle != nil {
			p.onIdle()
		}
	})
}
