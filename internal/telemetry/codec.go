// =============================================================================
// 文件: internal/telemetry/codec.go
// 描述: 遥测记录线格式编解码 (大端, 定长)
// =============================================================================
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerSize = 2
	routeSize  = 2
	entrySize  = 8 // 两个 32 位字

	// RecordSize 编码后总长度
	RecordSize = headerSize + IDNum*routeSize + MaxNum*entrySize + MaxNum*entrySize

	totalLengthWords = RecordSize / 4
)

var (
	ErrShortBuffer = errors.New("telemetry: buffer too short")
	ErrCapacity    = errors.New("telemetry: entry count exceeds capacity")
)

// StaticSize 编码后的固定长度
func StaticSize() int {
	return RecordSize
}

// header 布局: bit0-3 totalLength, bit4-7 route, bit8-11 depth, bit12-15 ratio
func (r *Record) header() uint16 {
	return uint16(totalLengthWords&0xf) |
		uint16(r.RouteCount&0xf)<<4 |
		uint16(r.DepthCount&0xf)<<8 |
		uint16(r.RatioCount&0xf)<<12
}

// AppendBinary 追加编码结果
func (r *Record) AppendBinary(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, r.header())
	for i := 0; i < IDNum; i++ {
		h := r.Routes[i]
		b = binary.BigEndian.AppendUint16(b, uint16(h.Node)<<8|uint16(h.Port))
	}
	for i := 0; i < MaxNum; i++ {
		d := r.Depths[i]
		b = binary.BigEndian.AppendUint32(b, packID(d.Node, d.Port)|uint32(d.Depth))
		b = binary.BigEndian.AppendUint32(b, packTS(d.Timestamp, d.MaxRate))
	}
	for i := 0; i < MaxNum; i++ {
		s := r.Ratios[i]
		b = binary.BigEndian.AppendUint32(b, packID(s.Node, s.Port)|uint32(s.Ratio))
		b = binary.BigEndian.AppendUint32(b, packTS(s.Timestamp, s.MaxRate))
	}
	return b
}

// MarshalBinary 实现 encoding.BinaryMarshaler
func (r *Record) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RecordSize)), nil
}

// UnmarshalBinary 实现 encoding.BinaryUnmarshaler
// 计数超出容量说明两端格式/配置不一致
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) < RecordSize {
		return fmt.Errorf("%w: got %d, need %d", ErrShortBuffer, len(b), RecordSize)
	}

	h := binary.BigEndian.Uint16(b)
	routes := uint8(h>>4) & 0xf
	depths := uint8(h>>8) & 0xf
	ratios := uint8(h>>12) & 0xf
	if routes > IDNum || depths > MaxNum || ratios > MaxNum {
		return fmt.Errorf("%w: route=%d depth=%d ratio=%d", ErrCapacity, routes, depths, ratios)
	}

	var out Record
	out.RouteCount, out.DepthCount, out.RatioCount = routes, depths, ratios

	off := headerSize
	for i := 0; i < IDNum; i++ {
		v := binary.BigEndian.Uint16(b[off:])
		out.Routes[i] = Hop{Node: uint8(v >> 8), Port: uint8(v)}
		off += routeSize
	}
	for i := 0; i < MaxNum; i++ {
		w0 := binary.BigEndian.Uint32(b[off:])
		w1 := binary.BigEndian.Uint32(b[off+4:])
		out.Depths[i] = DepthSample{
			Node:      uint8(w0 >> 24),
			Port:      uint8(w0 >> 16),
			Depth:     uint16(w0),
			Timestamp: w1 >> 8,
			MaxRate:   uint8(w1),
		}
		off += entrySize
	}
	for i := 0; i < MaxNum; i++ {
		w0 := binary.BigEndian.Uint32(b[off:])
		w1 := binary.BigEndian.Uint32(b[off+4:])
		out.Ratios[i] = RatioSample{
			Node:      uint8(w0 >> 24),
			Port:      uint8(w0 >> 16),
			Ratio:     uint16(w0),
			Timestamp: w1 >> 8,
			MaxRate:   uint8(w1),
		}
		off += entrySize
	}

	*r = out
	return nil
}

// Decode 从缓冲区解析遥测记录
func Decode(b []byte) (Record, error) {
	var r Record
	err := r.UnmarshalBinary(b)
	return r, err
}

func packID(node, port uint8) uint32 {
	return uint32(node)<<24 | uint32(port)<<16
}

func packTS(ts uint32, maxRate uint8) uint32 {
	return (ts&(timestampMax-1))<<8 | uint32(maxRate)
}
