// =============================================================================
// 文件: internal/protocol/protocol_test.go
// 描述: 数据包与反馈信封测试
// =============================================================================
package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mrcgq/hpcc/internal/telemetry"
)

func TestFeedbackRoundTrip(t *testing.T) {
	fb := &Feedback{
		Sport:    100,
		Dport:    200,
		Flags:    FlagForeign | FlagECN,
		PG:       3,
		Seq:      123456,
		EchoTime: 987654321,
		Power:    4321,
		Hops: []telemetry.HopSample{
			{LineRate: 100e9, Bytes: 1 << 40, Time: 5555, Qlen: 9000},
			{LineRate: 25e9, Bytes: 7, Time: 1, Qlen: 0},
		},
	}
	fb.Record.PushDepth(1, 2, 800, 1000, 1)
	fb.Record.PushRatio(3, 4, 9000, 2000, 2)
	fb.SetFin(true)

	b, err := fb.MarshalBinary()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(b) != fb.Size() {
		t.Errorf("长度错误: got %d, want %d", len(b), fb.Size())
	}

	var got Feedback
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if diff := cmp.Diff(*fb, got); diff != "" {
		t.Errorf("往返不一致 (-want +got):\n%s", diff)
	}

	if !got.Foreign() || !got.Fin() || !got.ECN() {
		t.Errorf("标志位丢失: %#x", got.Flags)
	}
}

func TestFeedbackErrors(t *testing.T) {
	t.Run("过短", func(t *testing.T) {
		var fb Feedback
		if err := fb.UnmarshalBinary(make([]byte, 10)); !errors.Is(err, ErrShortFeedback) {
			t.Errorf("期望 ErrShortFeedback, got %v", err)
		}
	})

	t.Run("逐跳过多", func(t *testing.T) {
		fb := &Feedback{Hops: make([]telemetry.HopSample, telemetry.MaxHops+1)}
		if _, err := fb.MarshalBinary(); !errors.Is(err, ErrTooManyHops) {
			t.Errorf("期望 ErrTooManyHops, got %v", err)
		}

		ok := &Feedback{}
		b, _ := ok.MarshalBinary()
		b[len(b)-1] = telemetry.MaxHops + 1
		var out Feedback
		if err := out.UnmarshalBinary(b); !errors.Is(err, ErrTooManyHops) {
			t.Errorf("期望 ErrTooManyHops, got %v", err)
		}
	})

	t.Run("记录计数越界", func(t *testing.T) {
		ok := &Feedback{}
		b, _ := ok.MarshalBinary()
		b[FeedbackBaseSize] = 0xf0
		var out Feedback
		if err := out.UnmarshalBinary(b); !errors.Is(err, telemetry.ErrCapacity) {
			t.Errorf("期望 ErrCapacity, got %v", err)
		}
	})
}

func TestDataPacketRecord(t *testing.T) {
	p := NewDataPacket(AddrFrom4(10, 0, 0, 1), AddrFrom4(10, 0, 0, 2), 1000, 2000, 1, 0, 1000)
	if p.Size() != DataHeaderSize+1000 {
		t.Errorf("Size 错误: %d", p.Size())
	}

	rec, err := p.Record()
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	rec.PushDepth(9, 1, 8000, 0, 1)
	p.SetRecord(&rec)

	again, err := p.Record()
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if again.DepthCount != 1 || again.Depths[0].Depth != 100 {
		t.Errorf("修改未写回: %+v", again.Depths[0])
	}
}

func TestAddrString(t *testing.T) {
	if s := AddrFrom4(11, 0, 1, 2).String(); s != "11.0.1.2" {
		t.Errorf("got %s", s)
	}
	k := FlowKey{Dst: AddrFrom4(1, 2, 3, 4), Sport: 5, PG: 1}
	if k.String() != "1.2.3.4:5/pg1" {
		t.Errorf("got %s", k.String())
	}
}

func TestControlPacket(t *testing.T) {
	fb := &Feedback{Sport: 100, Dport: 10000, PG: 3, Seq: 4000, EchoTime: 77}
	for i := 0; i < 5; i++ {
		fb.Hops = append(fb.Hops, telemetry.HopSample{LineRate: 100e9, Bytes: uint64(i), Time: uint64(i), Qlen: 1})
	}
	src, dst := AddrFrom4(10, 1, 0, 1), AddrFrom4(10, 0, 0, 1)

	p, err := NewControlPacket(KindAck, src, dst, fb)
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	if len(p.Control) != 199 || len(p.Control) != fb.Size() {
		t.Errorf("信封长度错误: %d", len(p.Control))
	}
	if p.Size() != PPPHeaderSize+IPv4HeaderSize+fb.Size() {
		t.Errorf("线上长度应计入信封: got %d", p.Size())
	}
	if p.Sport != 100 || p.Dport != 10000 || p.PG != 3 || p.Seq != 4000 {
		t.Errorf("报头字段错误: %+v", p)
	}

	got, err := p.Feedback()
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if diff := cmp.Diff(fb, got); diff != "" {
		t.Errorf("信封不一致 (-want +got):\n%s", diff)
	}

	t.Run("空信封只含固定部分", func(t *testing.T) {
		small, err := NewControlPacket(KindNack, src, dst, &Feedback{})
		if err != nil {
			t.Fatal(err)
		}
		if small.Size() != PPPHeaderSize+FeedbackBaseSize+telemetry.RecordSize+extFixedSize+IPv4HeaderSize {
			t.Errorf("got %d", small.Size())
		}
	})

	t.Run("逐跳计数越界", func(t *testing.T) {
		bad := &Packet{Kind: KindAck, Control: append([]byte(nil), p.Control...)}
		bad.Control[FeedbackBaseSize+telemetry.RecordSize+10] = telemetry.MaxHops + 1
		if _, err := bad.Feedback(); !errors.Is(err, ErrTooManyHops) {
			t.Errorf("期望 ErrTooManyHops, got %v", err)
		}
	})

	t.Run("缺少信封", func(t *testing.T) {
		if _, err := (&Packet{Kind: KindAck}).Feedback(); !errors.Is(err, ErrShortFeedback) {
			t.Errorf("期望 ErrShortFeedback, got %v", err)
		}
	})
}

func TestDataPacketHopsSize(t *testing.T) {
	p := NewDataPacket(AddrFrom4(10, 0, 0, 1), AddrFrom4(10, 0, 0, 2), 1, 2, 3, 0, 1000)
	base := p.Size()
	p.Hops = append(p.Hops, telemetry.HopSample{}, telemetry.HopSample{})
	if p.Size() != base+2*HopWireSize {
		t.Errorf("逐跳 INT 未计入长度: %d -> %d", base, p.Size())
	}
}
