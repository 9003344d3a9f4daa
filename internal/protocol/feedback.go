// =============================================================================
// 文件: internal/protocol/feedback.go
// 描述: ACK/NACK 反馈信封编解码
// =============================================================================
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mrcgq/hpcc/internal/telemetry"
)

// 反馈标志位
const (
	FlagForeign uint16 = 1 << 0 // 借道共享主机的数据包
	FlagFin     uint16 = 1 << 1 // 流结束
	FlagECN     uint16 = 1 << 2 // 拥塞回显
)

const (
	// FeedbackBaseSize sport, dport, flags, pg, seq
	FeedbackBaseSize = 2 + 2 + 2 + 2 + 4

	// HopWireSize 单个逐跳 INT 样本的编码长度
	HopWireSize  = 8 + 8 + 8 + 4
	extFixedSize = 8 + 2 + 1
)

var (
	ErrShortFeedback = errors.New("protocol: feedback too short")
	ErrTooManyHops   = errors.New("protocol: hop count exceeds capacity")
)

// Feedback ACK/NACK 携带的反馈信息
type Feedback struct {
	Sport uint16
	Dport uint16
	Flags uint16
	PG    uint16
	Seq   uint32

	Record telemetry.Record

	// 扩展: 回显发送时间、PINT 编码、逐跳 INT
	EchoTime uint64
	Power    uint16
	Hops     []telemetry.HopSample
}

// Foreign 是否为共享主机借道反馈
func (f *Feedback) Foreign() bool { return f.Flags&FlagForeign != 0 }

// Fin 是否为流结束标记
func (f *Feedback) Fin() bool { return f.Flags&FlagFin != 0 }

// ECN 是否携带拥塞回显
func (f *Feedback) ECN() bool { return f.Flags&FlagECN != 0 }

// SetFin 设置结束标记
func (f *Feedback) SetFin(fin bool) {
	if fin {
		f.Flags |= FlagFin
	}
}

// Size 编码长度
func (f *Feedback) Size() int {
	return FeedbackBaseSize + telemetry.RecordSize + extFixedSize + len(f.Hops)*HopWireSize
}

// MarshalBinary 实现 encoding.BinaryMarshaler
func (f *Feedback) MarshalBinary() ([]byte, error) {
	if len(f.Hops) > telemetry.MaxHops {
		return nil, fmt.Errorf("%w: %d", ErrTooManyHops, len(f.Hops))
	}

	b := make([]byte, 0, f.Size())
	b = binary.BigEndian.AppendUint16(b, f.Sport)
	b = binary.BigEndian.AppendUint16(b, f.Dport)
	b = binary.BigEndian.AppendUint16(b, f.Flags)
	b = binary.BigEndian.AppendUint16(b, f.PG)
	b = binary.BigEndian.AppendUint32(b, f.Seq)
	b = f.Record.AppendBinary(b)

	b = binary.BigEndian.AppendUint64(b, f.EchoTime)
	b = binary.BigEndian.AppendUint16(b, f.Power)
	b = append(b, uint8(len(f.Hops)))
	for _, h := range f.Hops {
		b = binary.BigEndian.AppendUint64(b, h.LineRate)
		b = binary.BigEndian.AppendUint64(b, h.Bytes)
		b = binary.BigEndian.AppendUint64(b, h.Time)
		b = binary.BigEndian.AppendUint32(b, h.Qlen)
	}
	return b, nil
}

// UnmarshalBinary 实现 encoding.BinaryUnmarshaler
func (f *Feedback) UnmarshalBinary(b []byte) error {
	fixed := FeedbackBaseSize + telemetry.RecordSize + extFixedSize
	if len(b) < fixed {
		return fmt.Errorf("%w: got %d, need %d", ErrShortFeedback, len(b), fixed)
	}

	var out Feedback
	out.Sport = binary.BigEndian.Uint16(b[0:])
	out.Dport = binary.BigEndian.Uint16(b[2:])
	out.Flags = binary.BigEndian.Uint16(b[4:])
	out.PG = binary.BigEndian.Uint16(b[6:])
	out.Seq = binary.BigEndian.Uint32(b[8:])

	off := FeedbackBaseSize
	if err := out.Record.UnmarshalBinary(b[off:]); err != nil {
		return err
	}
	off += telemetry.RecordSize

	out.EchoTime = binary.BigEndian.Uint64(b[off:])
	out.Power = binary.BigEndian.Uint16(b[off+8:])
	n := int(b[off+10])
	off += extFixedSize

	if n > telemetry.MaxHops {
		return fmt.Errorf("%w: %d", ErrTooManyHops, n)
	}
	if len(b) < off+n*HopWireSize {
		return fmt.Errorf("%w: hops truncated", ErrShortFeedback)
	}
	if n > 0 {
		out.Hops = make([]telemetry.HopSample, n)
		for i := range out.Hops {
			out.Hops[i] = telemetry.HopSample{
				LineRate: binary.BigEndian.Uint64(b[off:]),
				Bytes:    binary.BigEndian.Uint64(b[off+8:]),
				Time:     binary.BigEndian.Uint64(b[off+16:]),
				Qlen:     binary.BigEndian.Uint32(b[off+24:]),
			}
			off += HopWireSize
		}
	}

	*f = out
	return nil
}
