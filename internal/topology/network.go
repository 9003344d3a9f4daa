// =============================================================================
// 文件: internal/topology/network.go
// 描述: 汇聚拓扑 - N 个发送端经单个交换机到一个接收端
// =============================================================================
package topology

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/fabric"
	"github.com/mrcgq/hpcc/internal/host"
	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/receiver"
	"github.com/mrcgq/hpcc/internal/sim"
)

// 发送端源端口起始值
const firstSport = 10000

// Params 拓扑参数
type Params struct {
	Senders   int
	LinkRate  uint64
	LinkDelay time.Duration
	BaseRTT   time.Duration
	Window    uint32
	Seed      int64

	Engine congestion.Config
	Host   host.Config
	Switch fabric.Config
	Logger *slog.Logger
}

// Network 仿真网络
type Network struct {
	loop   *sim.Loop
	params Params
	log    *slog.Logger

	sw       *fabric.Switch
	senders  []*host.Host
	receiver *host.Host
	ports    []*Port

	nextSport []uint16
	listeners []func(congestion.RateEvent)
	completed []func(*congestion.Flow)
}

// SenderAddr 第 i 个发送端地址
func SenderAddr(i int) protocol.Addr {
	return protocol.AddrFrom4(10, 0, byte(i>>8), byte(i&0xff)+1)
}

// ReceiverAddr 接收端地址
var ReceiverAddr = protocol.AddrFrom4(10, 1, 0, 1)

// NewIncast 构建汇聚拓扑: 交换机端口 i 连发送端 i, 端口 N 连接收端
func NewIncast(loop *sim.Loop, p Params) (*Network, error) {
	if p.Senders < 1 {
		return nil, fmt.Errorf("topology: need at least one sender, got %d", p.Senders)
	}
	if p.LinkRate == 0 {
		return nil, fmt.Errorf("topology: link rate must be positive")
	}
	n := &Network{
		loop:      loop,
		params:    p,
		log:       logging.Component(p.Logger, "topology"),
		nextSport: make([]uint16, p.Senders),
	}

	n.sw = fabric.New(p.Switch, loop,
		fabric.WithLogger(p.Logger),
		fabric.WithRand(rand.New(rand.NewSource(p.Seed))))

	for i := 0; i < p.Senders; i++ {
		h, err := n.newHost(SenderAddr(i), p.Seed+int64(i)+1)
		if err != nil {
			return nil, err
		}
		n.link(h, i)
		h.AddRoute(ReceiverAddr, 0)
		n.sw.AddRoute(h.Addr(), i)
		n.senders = append(n.senders, h)
		n.nextSport[i] = firstSport
	}

	rx, err := n.newHost(ReceiverAddr, p.Seed)
	if err != nil {
		return nil, err
	}
	n.link(rx, p.Senders)
	for _, h := range n.senders {
		rx.AddRoute(h.Addr(), 0)
	}
	n.sw.AddRoute(ReceiverAddr, p.Senders)
	n.receiver = rx

	n.log.Info("topology built", "senders", p.Senders, "link_rate", congestion.Rate(p.LinkRate),
		"delay", p.LinkDelay, "mode", p.Engine.Mode)
	return n, nil
}

func (n *Network) newHost(addr protocol.Addr, seed int64) (*host.Host, error) {
	cfg := n.params.Engine
	cfg.Seed = seed
	e, err := congestion.NewEngine(cfg, n.loop, congestion.WithLogger(n.params.Logger))
	if err != nil {
		return nil, err
	}
	e.OnRateChange(func(ev congestion.RateEvent) {
		for _, fn := range n.listeners {
			fn(ev)
		}
	})
	return host.New(addr, n.params.Host, n.loop, e,
		host.WithLogger(n.params.Logger),
		host.OnComplete(func(f *congestion.Flow) {
			for _, fn := range n.completed {
				fn(f)
			}
		})), nil
}

// link 连接主机网卡与交换机端口 swPort
func (n *Network) link(h *host.Host, swPort int) {
	p := n.params
	nic := NewPort(n.loop, h.Addr().String()+"/0", 0, p.LinkRate, p.LinkDelay, h.Receive)
	nic.OnIdle(h.OnNICIdle)
	h.AttachNIC(nic)

	sp := NewPort(n.loop, fmt.Sprintf("sw%d/%d", p.Switch.ID, swPort), swPort, p.LinkRate, p.LinkDelay,
		func(pkt *protocol.Packet, in int) { n.sw.Receive(pkt, in) })
	sp.OnDequeue(func(q int, pkt *protocol.Packet) { n.sw.NotifyDequeue(swPort, q, pkt) })
	n.sw.AttachPort(swPort, sp, p.LinkRate)

	Connect(nic, sp)
	n.ports = append(n.ports, nic, sp)
}

// OnRateChange 注册全部主机的改速监听
func (n *Network) OnRateChange(fn func(congestion.RateEvent)) {
	n.listeners = append(n.listeners, fn)
}

// OnFlowComplete 注册流完成监听
func (n *Network) OnFlowComplete(fn func(*congestion.Flow)) {
	n.completed = append(n.completed, fn)
}

// StartFlow 在 at 时刻由第 sender 个发送端向接收端发起一条流
func (n *Network) StartFlow(sender int, size uint64, pg uint16, at time.Duration) error {
	if sender < 0 || sender >= len(n.senders) {
		return fmt.Errorf("topology: sender %d out of range", sender)
	}
	sport := n.nextSport[sender]
	n.nextSport[sender]++

	spec := congestion.FlowSpec{
		Dst:     ReceiverAddr,
		Sport:   sport,
		Dport:   100,
		PG:      pg,
		Size:    size,
		Window:  n.params.Window,
		BaseRTT: n.params.BaseRTT,
	}
	h := n.senders[sender]
	n.loop.Schedule(at-n.loop.Now(), func() {
		if _, err := h.AddFlow(spec); err != nil {
			n.log.Error("start flow failed", "sender", h.Addr(), "err", err)
		}
	})
	return nil
}

// Loop 事件循环
func (n *Network) Loop() *sim.Loop { return n.loop }

// Switch 交换机
func (n *Network) Switch() *fabric.Switch { return n.sw }

// Senders 发送端
func (n *Network) Senders() []*host.Host { return n.senders }

// Receiver 接收端
func (n *Network) Receiver() *host.Host { return n.receiver }

// Ports 全部端口
func (n *Network) Ports() []*Port { return n.ports }

// HostSnapshot 主机统计
type HostSnapshot struct {
	Addr     string
	Host     host.Stats
	Engine   congestion.EngineStats
	Receiver receiver.Stats
}

// FlowSnapshot 发送流统计
type FlowSnapshot struct {
	Host string
	congestion.FlowStats
}

// PortSnapshot 端口统计
type PortSnapshot struct {
	Name    string
	Backlog uint64
	PortStats
}

// Snapshot 全网统计快照
type Snapshot struct {
	At     time.Duration
	Hosts  []HostSnapshot
	Flows  []FlowSnapshot
	Switch fabric.Stats
	Ports  []PortSnapshot
}

// Snapshot 采集快照, 只能在事件循环协程调用
func (n *Network) Snapshot() Snapshot {
	s := Snapshot{
		At:     n.loop.Now(),
		Switch: n.sw.Stats(),
	}
	hosts := append(append([]*host.Host(nil), n.senders...), n.receiver)
	for _, h := range hosts {
		addr := h.Addr().String()
		s.Hosts = append(s.Hosts, HostSnapshot{
			Addr:     addr,
			Host:     h.Stats(),
			Engine:   h.Engine().Stats(),
			Receiver: h.Sequencer().Stats(),
		})
		for _, fs := range h.Engine().Snapshot() {
			s.Flows = append(s.Flows, FlowSnapshot{Host: addr, FlowStats: fs})
		}
	}
	for _, p := range n.ports {
		s.Ports = append(s.Ports, PortSnapshot{Name: p.Name(), Backlog: p.BacklogBytes(), PortStats: p.Stats()})
	}
	return s
}
