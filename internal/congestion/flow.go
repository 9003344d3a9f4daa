// =============================================================================
// 文件: internal/congestion/flow.go
// 描述: 发送流状态 - 速率、发送/确认指针、窗口、估算器
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/sim"
)

// FlowSpec 创建发送流的参数
type FlowSpec struct {
	Src     protocol.Addr
	Dst     protocol.Addr
	Sport   uint16
	Dport   uint16
	PG      uint16
	Size    uint64
	Window  uint32 // 字节, 0 表示不限窗口
	BaseRTT time.Duration
	MaxRate Rate // 网卡线速

	// Notify 流完成回调
	Notify func(*Flow)
}

// Flow 发送流的速率控制状态, 由 Engine 独占
type Flow struct {
	Key     protocol.FlowKey
	Src     protocol.Addr
	Sport   uint16
	Dport   uint16
	Size    uint64
	Window  uint32
	BaseRTT time.Duration

	Rate    Rate
	MaxRate Rate

	// LastUpdateSeq 上次完整更新时的发送位置
	LastUpdateSeq uint32
	SndNxt        uint32
	SndUna        uint32
	IPID          uint16

	StartedAt time.Duration
	Notify    func(*Flow)

	Pacer

	mode     Mode
	alg      Algorithm
	varWin   bool
	rtt      *RTTEstimator
	marks    *MarkEstimator
	delivery *DeliveryEstimator

	timers map[string]sim.Handle
	closed bool
}

// Mode 所用变体
func (f *Flow) Mode() Mode { return f.mode }

// Algorithm 当前变体实例
func (f *Flow) Algorithm() Algorithm { return f.alg }

// RTT 往返时延估算
func (f *Flow) RTT() *RTTEstimator { return f.rtt }

// Closed 是否已拆除
func (f *Flow) Closed() bool { return f.closed }

// Remaining 尚未发送的字节数
func (f *Flow) Remaining() uint64 {
	if f.Size >= uint64(f.SndNxt) {
		return f.Size - uint64(f.SndNxt)
	}
	return 0
}

// IsFinished 全部数据已确认
func (f *Flow) IsFinished() bool {
	return uint64(f.SndUna) >= f.Size
}

// BytesInFlight 已发送未确认的字节数
func (f *Flow) BytesInFlight() uint64 {
	if f.SndNxt < f.SndUna {
		return 0
	}
	return uint64(f.SndNxt - f.SndUna)
}

// Win 当前生效窗口, 可变窗口按速率比例缩放
func (f *Flow) Win() uint64 {
	if f.Window == 0 {
		return 0
	}
	if !f.varWin {
		return uint64(f.Window)
	}
	w := uint64(float64(f.Window) * float64(f.Rate) / float64(f.MaxRate))
	if w == 0 {
		w = 1
	}
	return w
}

// IsWinBound 在途数据是否已达窗口
func (f *Flow) IsWinBound() bool {
	w := f.Win()
	return w != 0 && f.BytesInFlight() >= w
}

// Acknowledge 推进确认指针, 返回新确认的字节数
func (f *Flow) Acknowledge(seq uint32, now time.Duration) uint64 {
	if seq <= f.SndUna {
		return 0
	}
	n := uint64(seq - f.SndUna)
	f.SndUna = seq
	f.delivery.OnDelivered(n, now)
	return n
}

// Recover NACK 后从确认位置重发
func (f *Flow) Recover() {
	f.SndNxt = f.SndUna
}

// bdp 线速下的带宽时延积 (字节)
func (f *Flow) bdp() float64 {
	return float64(f.MaxRate) * f.BaseRTT.Seconds() / 8
}

// Stats 统计快照
func (f *Flow) Stats() FlowStats {
	return FlowStats{
		Key:          f.Key,
		Mode:         f.mode,
		Rate:         f.Rate,
		MaxRate:      f.MaxRate,
		Window:       f.Win(),
		SndNxt:       f.SndNxt,
		SndUna:       f.SndUna,
		Size:         f.Size,
		SmoothedRTT:  f.rtt.GetSmoothedRTT(),
		MinRTT:       f.rtt.GetMinRTT(),
		MarkFraction: f.marks.Fraction(),
		Goodput:      f.delivery.GetRate(),
		PacketsSent:  f.packetsSent,
	}
}
