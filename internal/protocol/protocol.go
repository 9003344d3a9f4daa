// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 数据包模型与流标识
// =============================================================================
package protocol

import (
	"fmt"
	"time"

	"github.com/mrcgq/hpcc/internal/telemetry"
)

// 报文头开销 (字节)
const (
	PPPHeaderSize  = 2
	IPv4HeaderSize = 20
	TCPHeaderSize  = 20
	SeqTsSize      = 6

	// DataHeaderSize 数据包固定头部 (含遥测记录)
	DataHeaderSize = PPPHeaderSize + IPv4HeaderSize + TCPHeaderSize + SeqTsSize + telemetry.RecordSize

	// MinFrameSize 以太网最小帧 (不含 PPP)
	MinFrameSize = 60
)

// Addr IPv4 地址
type Addr uint32

// AddrFrom4 由四段构造地址
func AddrFrom4(a, b, c, d byte) Addr {
	return Addr(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// FlowKey 发送端流标识 (目的地址, 源端口, 优先级)
type FlowKey struct {
	Dst   Addr
	Sport uint16
	PG    uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d/pg%d", k.Dst, k.Sport, k.PG)
}

// RxKey 接收端流标识 (对端地址, 优先级, 对端端口)
type RxKey struct {
	Peer     Addr
	PG       uint16
	PeerPort uint16
}

func (k RxKey) String() string {
	return fmt.Sprintf("%s:%d/pg%d", k.Peer, k.PeerPort, k.PG)
}

// Kind 数据包类型
type Kind uint8

const (
	KindData Kind = iota
	KindAck
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	default:
		return "unknown"
	}
}

// Packet 仿真数据包
// 数据包的遥测记录以编码形式携带, 每跳解码-修改-编码
type Packet struct {
	Kind    Kind
	Src     Addr
	Dst     Addr
	Sport   uint16
	Dport   uint16
	PG      uint16
	Seq     uint32
	Payload int
	ECN     uint8
	Fin     bool
	SentAt  time.Duration
	IPID    uint16

	INT   []byte
	Hops  []telemetry.HopSample
	Power uint16

	// Control ACK/NACK 的反馈信封 (编码形式)
	Control []byte

	// 入端口 (交换机内部使用)
	InPort int
}

// NewDataPacket 构造携带空遥测记录的数据包
func NewDataPacket(src, dst Addr, sport, dport, pg uint16, seq uint32, payload int) *Packet {
	var rec telemetry.Record
	return &Packet{
		Kind:    KindData,
		Src:     src,
		Dst:     dst,
		Sport:   sport,
		Dport:   dport,
		PG:      pg,
		Seq:     seq,
		Payload: payload,
		INT:     rec.AppendBinary(make([]byte, 0, telemetry.RecordSize)),
	}
}

// NewControlPacket 编码反馈信封, 构造 ACK/NACK
// 端口、优先级与序号取自信封
func NewControlPacket(kind Kind, src, dst Addr, fb *Feedback) (*Packet, error) {
	b, err := fb.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Packet{
		Kind:    kind,
		Src:     src,
		Dst:     dst,
		Sport:   fb.Sport,
		Dport:   fb.Dport,
		PG:      fb.PG,
		Seq:     fb.Seq,
		Control: b,
	}, nil
}

// Size 线上长度, 含交换机追加的逐跳 INT
func (p *Packet) Size() int {
	switch p.Kind {
	case KindData:
		return DataHeaderSize + p.Payload + len(p.Hops)*HopWireSize
	default:
		n := PPPHeaderSize + IPv4HeaderSize + len(p.Control)
		if n < PPPHeaderSize+MinFrameSize {
			n = PPPHeaderSize + MinFrameSize
		}
		return n
	}
}

// IsControl ACK/NACK
func (p *Packet) IsControl() bool {
	return p.Kind == KindAck || p.Kind == KindNack
}

// Record 解码数据包携带的遥测记录
func (p *Packet) Record() (telemetry.Record, error) {
	return telemetry.Decode(p.INT)
}

// SetRecord 重新编码遥测记录
func (p *Packet) SetRecord(r *telemetry.Record) {
	p.INT = r.AppendBinary(p.INT[:0])
}

// Feedback 解码 ACK/NACK 携带的反馈信封
func (p *Packet) Feedback() (*Feedback, error) {
	fb := new(Feedback)
	if err := fb.UnmarshalBinary(p.Control); err != nil {
		return nil, err
	}
	return fb, nil
}
