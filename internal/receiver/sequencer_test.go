package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

var (
	srcAddr = protocol.AddrFrom4(11, 0, 0, 1)
	dstAddr = protocol.AddrFrom4(11, 0, 0, 2)
)

func dataPkt(seq uint32, size int) *protocol.Packet {
	return protocol.NewDataPacket(srcAddr, dstAddr, 10000, 100, 3, seq, size)
}

func TestInOrderStream(t *testing.T) {
	s := New(Config{AckInterval: 1, ChunkSize: 4000})
	sizes := []int{1000, 1000, 500, 1500, 1000, 1000}

	var seq uint32
	var f *Flow
	for _, sz := range sizes {
		out, flow, ok := s.Receive(dataPkt(seq, sz), 0)
		require.True(t, ok)
		assert.Equal(t, GenerateAck, out)
		f = flow
		seq += uint32(sz)
	}
	assert.Equal(t, seq, f.NextExpected)
	assert.Equal(t, uint64(len(sizes)), f.Total)
	assert.Equal(t, uint64(len(sizes)), s.Stats().Acks)
}

func TestMilestoneAndChunk(t *testing.T) {
	s := New(Config{AckInterval: 10000, ChunkSize: 3000})
	f, _ := s.Lookup(protocol.RxKey{Peer: srcAddr, PG: 3, PeerPort: 1}, true)
	assert.Equal(t, uint32(10000), f.Milestone)

	assert.Equal(t, NoReply, s.Check(f, 0, 1000, 0))
	assert.Equal(t, NoReply, s.Check(f, 1000, 1000, 0))
	// 3000 按块对齐
	assert.Equal(t, GenerateAck, s.Check(f, 2000, 1000, 0))
	assert.Equal(t, uint32(10000), f.Milestone)

	for seq := uint32(3000); seq < 9000; seq += 1000 {
		s.Check(f, seq, 1000, 0)
	}
	assert.Equal(t, GenerateAck, s.Check(f, 9000, 1000, 0))
	assert.Equal(t, uint32(20000), f.Milestone)
}

func TestChunkDisabled(t *testing.T) {
	s := New(Config{AckInterval: 1 << 20})
	f, _ := s.Lookup(protocol.RxKey{}, true)
	assert.Equal(t, NoReply, s.Check(f, 0, 4096, 0))
}

func TestNackSuppression(t *testing.T) {
	interval := 500 * time.Microsecond
	s := New(Config{AckInterval: 1, ChunkSize: 1000, NackInterval: interval})
	f, _ := s.Lookup(protocol.RxKey{}, true)

	require.Equal(t, GenerateAck, s.Check(f, 0, 1000, 0))

	t.Run("首次缺口发 NACK", func(t *testing.T) {
		assert.Equal(t, GenerateNack, s.Check(f, 2000, 1000, 10))
		assert.Equal(t, uint32(1000), f.LastNack)
		assert.Equal(t, 10+interval, f.NackDeadline)
	})

	t.Run("间隔内同一缺口被抑制", func(t *testing.T) {
		assert.Equal(t, Suppressed, s.Check(f, 3000, 1000, 20))
		assert.Equal(t, Suppressed, s.Check(f, 2000, 1000, interval))
	})

	t.Run("间隔到期后重发", func(t *testing.T) {
		assert.Equal(t, GenerateNack, s.Check(f, 2000, 1000, 10+interval))
	})

	t.Run("缺口位置变化立即 NACK", func(t *testing.T) {
		require.Equal(t, GenerateAck, s.Check(f, 1000, 1000, 10+interval+1))
		assert.Equal(t, GenerateNack, s.Check(f, 5000, 1000, 10+interval+2))
		assert.Equal(t, uint32(2000), f.LastNack)
	})

	t.Run("重复包", func(t *testing.T) {
		assert.Equal(t, Duplicate, s.Check(f, 0, 1000, 0))
	})
}

func TestGoBackToChunk(t *testing.T) {
	s := New(Config{AckInterval: 1, ChunkSize: 4000, BackToZero: true, NackInterval: time.Millisecond})
	f, _ := s.Lookup(protocol.RxKey{}, true)
	for seq := uint32(0); seq < 5000; seq += 1000 {
		s.Check(f, seq, 1000, 0)
	}
	require.Equal(t, uint32(5000), f.NextExpected)

	assert.Equal(t, GenerateNack, s.Check(f, 7000, 1000, 0))
	assert.Equal(t, uint32(5000), f.LastNack)
	assert.Equal(t, uint32(4000), f.NextExpected)
}

func TestECNAccounting(t *testing.T) {
	s := New(Config{AckInterval: 1})
	p := dataPkt(0, 100)
	p.ECN = 0x3
	_, f, _ := s.Receive(p, 0)
	_, f, _ = s.Receive(dataPkt(100, 100), 0)
	q := dataPkt(200, 100)
	q.ECN = 0x1
	_, f, _ = s.Receive(q, 0)

	assert.Equal(t, uint64(2), f.Marked)
	assert.Equal(t, uint64(3), f.Total)
	assert.Equal(t, uint8(0x3), f.ECNBits)
}

func TestLookupWithoutCreate(t *testing.T) {
	s := New(Config{AckInterval: 1})
	_, ok := s.Lookup(protocol.RxKey{PG: 9}, false)
	assert.False(t, ok)
	assert.Zero(t, s.Stats().Flows)
}

func TestDeleteTombstone(t *testing.T) {
	ttl := time.Millisecond
	s := New(Config{AckInterval: 1, TombstoneTTL: ttl})

	_, _, ok := s.Receive(dataPkt(0, 1000), 0)
	require.True(t, ok)
	key := protocol.RxKey{Peer: srcAddr, PG: 3, PeerPort: 10000}
	s.Delete(key, 10)
	assert.Zero(t, s.Stats().Flows)

	t.Run("迟到报文不复活流", func(t *testing.T) {
		_, f, ok := s.Receive(dataPkt(1000, 1000), 20)
		assert.False(t, ok)
		assert.Nil(t, f)
		assert.Equal(t, uint64(1), s.Stats().NotFound)
		assert.Zero(t, s.Stats().Flows)
	})

	t.Run("新流从零开始", func(t *testing.T) {
		out, f, ok := s.Receive(dataPkt(0, 1000), 30)
		require.True(t, ok)
		assert.Equal(t, GenerateAck, out)
		assert.Equal(t, uint32(1000), f.NextExpected)
		s.Delete(key, 40)
	})

	t.Run("墓碑过期", func(t *testing.T) {
		_, _, ok := s.Receive(dataPkt(1000, 1000), 40+3*ttl)
		assert.True(t, ok)
	})
}

func TestReply(t *testing.T) {
	s := New(Config{AckInterval: 1})
	p := dataPkt(0, 1000)
	p.ECN = 1
	p.Fin = true
	p.SentAt = 12345
	p.Power = 77
	rec, err := p.Record()
	require.NoError(t, err)
	rec.PushDepth(1, 2, 8000, 100, 1)
	p.SetRecord(&rec)

	out, f, _ := s.Receive(p, 0)
	ack, err := Reply(f, p, out)
	require.NoError(t, err)
	require.NotNil(t, ack)

	assert.Equal(t, protocol.KindAck, ack.Kind)
	assert.Equal(t, dstAddr, ack.Src)
	assert.Equal(t, srcAddr, ack.Dst)
	assert.Equal(t, uint16(100), ack.Sport)
	assert.Equal(t, uint16(10000), ack.Dport)

	assert.Equal(t, protocol.PPPHeaderSize+protocol.IPv4HeaderSize+len(ack.Control), ack.Size())
	fb, err := ack.Feedback()
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), fb.Seq)
	assert.True(t, fb.ECN())
	assert.True(t, fb.Fin())
	assert.False(t, fb.Foreign())
	assert.Equal(t, uint64(12345), fb.EchoTime)
	assert.Equal(t, uint16(77), fb.Power)
	assert.Equal(t, uint16(100), fb.Record.Depths[0].Depth)

	none, err := Reply(f, p, Duplicate)
	assert.NoError(t, err)
	assert.Nil(t, none)

	t.Run("逐跳 INT 超出容量", func(t *testing.T) {
		over := dataPkt(1000, 1000)
		over.Hops = make([]telemetry.HopSample, telemetry.MaxHops+1)
		_, err := Reply(f, over, GenerateAck)
		assert.ErrorIs(t, err, protocol.ErrTooManyHops)
	})

	p.INT[0] = 0xff
	_, err = Reply(f, p, GenerateNack)
	assert.Error(t, err)
}
