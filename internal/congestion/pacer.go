// =============================================================================
// 文件: internal/congestion/pacer.go
// 描述: Pacing 发送节奏 - 下一次可发送时间、改速时的时间平移
// =============================================================================
package congestion

import (
	"time"
)

// Pacer 单流发送节奏
type Pacer struct {
	nextAvail   time.Duration
	lastPktSize int

	packetsSent uint64
}

// NextAvail 下一次可发送时间
func (p *Pacer) NextAvail() time.Duration {
	return p.nextAvail
}

// TimeUntilSend 距离可以发送的时间
func (p *Pacer) TimeUntilSend(now time.Duration) time.Duration {
	if now >= p.nextAvail {
		return 0
	}
	return p.nextAvail - now
}

// OnPacketSent 发送后按 gap + 序列化时间推进
func (p *Pacer) OnPacketSent(now, gap time.Duration, size int, rate Rate) {
	p.lastPktSize = size
	p.nextAvail = now + gap + rate.TxTime(size)
	p.packetsSent++
}

// ChangeRate 改速后按最近包长重新计算已预留的序列化时间
func (p *Pacer) ChangeRate(old, next Rate) {
	if p.lastPktSize == 0 || old == next {
		return
	}
	p.nextAvail = p.nextAvail + next.TxTime(p.lastPktSize) - old.TxTime(p.lastPktSize)
}
