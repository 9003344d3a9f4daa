// =============================================================================
// 文件: internal/receiver/reply.go
// 描述: ACK/NACK 构造
// =============================================================================
package receiver

import (
	"fmt"

	"github.com/mrcgq/hpcc/internal/protocol"
)

// Reply 为数据包构造 ACK 或 NACK, 其他结果返回 nil
// 数据包遥测记录解码失败或逐跳 INT 超出容量属于两端格式不一致, 返回错误
func Reply(f *Flow, data *protocol.Packet, out Outcome) (*protocol.Packet, error) {
	var kind protocol.Kind
	switch out {
	case GenerateAck:
		kind = protocol.KindAck
	case GenerateNack:
		kind = protocol.KindNack
	default:
		return nil, nil
	}

	rec, err := data.Record()
	if err != nil {
		return nil, fmt.Errorf("receiver: flow %s: %w", f.Key, err)
	}

	fb := &protocol.Feedback{
		Sport:    data.Dport,
		Dport:    data.Sport,
		PG:       data.PG,
		Seq:      f.NextExpected,
		Record:   rec,
		EchoTime: uint64(data.SentAt),
		Power:    data.Power,
	}
	if len(data.Hops) > 0 {
		fb.Hops = append(fb.Hops, data.Hops...)
	}
	if data.ECN != 0 {
		fb.Flags |= protocol.FlagECN
	}
	fb.SetFin(data.Fin)

	p, err := protocol.NewControlPacket(kind, data.Dst, data.Src, fb)
	if err != nil {
		return nil, fmt.Errorf("receiver: flow %s: %w", f.Key, err)
	}
	p.IPID = f.IPID
	return p, nil
}
