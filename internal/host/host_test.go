package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/receiver"
	"github.com/mrcgq/hpcc/internal/sim"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

var (
	addrA = protocol.AddrFrom4(10, 0, 0, 1)
	addrB = protocol.AddrFrom4(10, 0, 1, 1)
	addrC = protocol.AddrFrom4(10, 0, 1, 2)
)

// testNIC 按线速串行发送, 发送结束时回调主机并可投递到对端
type testNIC struct {
	loop      *sim.Loop
	rate      uint64
	owner     *Host
	deliver   func(*protocol.Packet)
	delay     time.Duration
	sent      []*protocol.Packet
	queues    []int
	busyUntil time.Duration
}

func (n *testNIC) Enqueue(q int, p *protocol.Packet) {
	n.sent = append(n.sent, p)
	n.queues = append(n.queues, q)

	start := n.loop.Now()
	if n.busyUntil > start {
		start = n.busyUntil
	}
	n.busyUntil = start + congestion.Rate(n.rate).TxTime(p.Size())
	n.loop.Schedule(n.busyUntil-n.loop.Now(), func() {
		if n.deliver != nil {
			n.loop.Schedule(n.delay, func() { n.deliver(p) })
		}
		if n.owner != nil && !n.Busy() {
			n.owner.OnNICIdle()
		}
	})
}

func (n *testNIC) Busy() bool   { return n.loop.Now() < n.busyUntil }
func (n *testNIC) Rate() uint64 { return n.rate }

func testConfig() Config {
	return Config{
		MTU: 1000,
		Receiver: receiver.Config{
			AckInterval:  1000,
			NackInterval: 500 * time.Microsecond,
		},
	}
}

func newTestHost(t *testing.T, loop *sim.Loop, addr protocol.Addr, cfg Config, opts ...Option) (*Host, *testNIC) {
	t.Helper()
	ccfg := congestion.DefaultConfig()
	ccfg.Mode = congestion.ModeHPCC
	e, err := congestion.NewEngine(ccfg, loop)
	require.NoError(t, err)

	h := New(addr, cfg, loop, e, opts...)
	nic := &testNIC{loop: loop, rate: 100e9, owner: h}
	h.AttachNIC(nic)
	return h, nic
}

func feedbackPkt(t *testing.T, kind protocol.Kind, src protocol.Addr, fb *protocol.Feedback) *protocol.Packet {
	t.Helper()
	p, err := protocol.NewControlPacket(kind, src, addrA, fb)
	require.NoError(t, err)
	return p
}

func decodeFeedback(t *testing.T, p *protocol.Packet) *protocol.Feedback {
	t.Helper()
	fb, err := p.Feedback()
	require.NoError(t, err)
	return fb
}

func flowTo(dst protocol.Addr, sport uint16, size uint64) congestion.FlowSpec {
	return congestion.FlowSpec{
		Dst:     dst,
		Sport:   sport,
		Dport:   100,
		PG:      3,
		Size:    size,
		BaseRTT: 10 * time.Microsecond,
	}
}

func TestAddFlow(t *testing.T) {
	loop := sim.NewLoop()
	h, _ := newTestHost(t, loop, addrA, testConfig())

	t.Run("无路由", func(t *testing.T) {
		_, err := h.AddFlow(flowTo(addrB, 1, 1000))
		assert.Error(t, err)
		assert.Zero(t, h.Flows())
	})

	t.Run("填充源地址与线速", func(t *testing.T) {
		h.AddRoute(addrB, 0)
		f, err := h.AddFlow(flowTo(addrB, 1, 1000))
		require.NoError(t, err)
		assert.Equal(t, addrA, f.Src)
		assert.Equal(t, congestion.Rate(100e9), f.MaxRate)
		assert.Equal(t, 1, h.Flows())

		_, err = h.AddFlow(flowTo(addrB, 1, 1000))
		assert.Error(t, err, "重复流应失败")
	})

	t.Run("清空路由", func(t *testing.T) {
		h.ClearRoutes()
		_, err := h.AddFlow(flowTo(addrB, 2, 1000))
		assert.Error(t, err)
	})
}

func TestSegmentation(t *testing.T) {
	loop := sim.NewLoop()
	h, nic := newTestHost(t, loop, addrA, testConfig())
	h.AddRoute(addrB, 0)

	f, err := h.AddFlow(flowTo(addrB, 7, 2500))
	require.NoError(t, err)
	require.Len(t, nic.sent, 1, "创建后应立即发出首包")

	loop.Run(100 * time.Microsecond)
	require.Len(t, nic.sent, 3)

	wantSeq := []uint32{0, 1000, 2000}
	wantLen := []int{1000, 1000, 500}
	for i, p := range nic.sent {
		assert.Equal(t, protocol.KindData, p.Kind)
		assert.Equal(t, wantSeq[i], p.Seq)
		assert.Equal(t, wantLen[i], p.Payload)
		assert.Equal(t, uint16(i), p.IPID)
		assert.Equal(t, 3, nic.queues[i])
		assert.Equal(t, i == 2, p.Fin)
	}

	// 包间隔等于线速下的序列化时间
	tx := congestion.Rate(100e9).TxTime(nic.sent[0].Size())
	assert.Equal(t, tx, nic.sent[1].SentAt)
	assert.Equal(t, uint32(2500), f.SndNxt)
	assert.Zero(t, f.Remaining())

	st := h.Stats()
	assert.Equal(t, uint64(3), st.DataSent)
}

func TestWindowBound(t *testing.T) {
	loop := sim.NewLoop()
	h, nic := newTestHost(t, loop, addrA, testConfig())
	h.AddRoute(addrB, 0)

	spec := flowTo(addrB, 7, 10000)
	spec.Window = 2000
	f, err := h.AddFlow(spec)
	require.NoError(t, err)

	loop.Run(100 * time.Microsecond)
	assert.Len(t, nic.sent, 2, "在途数据达到窗口后停止发送")
	assert.True(t, f.IsWinBound())
}

func TestReceiverReplies(t *testing.T) {
	loop := sim.NewLoop()
	cfg := testConfig()
	cfg.Receiver.AckInterval = 10000
	h, nic := newTestHost(t, loop, addrB, cfg)
	h.AddRoute(addrA, 0)

	data := func(seq uint32, payload int, fin bool) *protocol.Packet {
		p := protocol.NewDataPacket(addrA, addrB, 7, 100, 3, seq, payload)
		p.Fin = fin
		p.SentAt = 5 * time.Microsecond
		return p
	}

	t.Run("未到里程碑不应答", func(t *testing.T) {
		h.Receive(data(0, 1000, false), 0)
		assert.Empty(t, nic.sent)
	})

	t.Run("乱序触发 NACK", func(t *testing.T) {
		h.Receive(data(3000, 1000, false), 0)
		require.Len(t, nic.sent, 1)
		p := nic.sent[0]
		assert.Equal(t, protocol.KindNack, p.Kind)
		assert.Equal(t, ControlQueue, nic.queues[0])
		assert.Equal(t, addrA, p.Dst)
		fb := decodeFeedback(t, p)
		assert.Equal(t, uint32(1000), fb.Seq)
		assert.Equal(t, uint16(7), fb.Dport)
		assert.Equal(t, uint64(5*time.Microsecond), fb.EchoTime)
	})

	t.Run("末包强制应答并拆除接收流", func(t *testing.T) {
		h.Receive(data(1000, 500, true), 0)
		require.Len(t, nic.sent, 2)
		p := nic.sent[1]
		assert.Equal(t, protocol.KindAck, p.Kind)
		fb := decodeFeedback(t, p)
		assert.True(t, fb.Fin())
		assert.Equal(t, uint32(1500), fb.Seq)
		assert.Zero(t, h.Sequencer().Stats().Flows)
	})

	st := h.Stats()
	assert.Equal(t, uint64(1), st.AcksSent)
	assert.Equal(t, uint64(1), st.NacksSent)
}

func TestFeedback(t *testing.T) {
	t.Run("未知流", func(t *testing.T) {
		loop := sim.NewLoop()
		h, _ := newTestHost(t, loop, addrA, testConfig())
		h.Receive(feedbackPkt(t, protocol.KindAck, addrB, &protocol.Feedback{Dport: 9, PG: 3, Seq: 1000}), 0)
		assert.Equal(t, uint64(1), h.Stats().UnknownFlow)
	})

	t.Run("NACK 回退", func(t *testing.T) {
		loop := sim.NewLoop()
		h, nic := newTestHost(t, loop, addrA, testConfig())
		h.AddRoute(addrB, 0)
		f, err := h.AddFlow(flowTo(addrB, 7, 5000))
		require.NoError(t, err)

		tx := congestion.Rate(100e9).TxTime(nic.sent[0].Size())
		loop.Run(2 * tx)
		require.Equal(t, uint32(3000), f.SndNxt)

		h.ReceiveFeedback(feedbackPkt(t, protocol.KindNack, addrB, &protocol.Feedback{Dport: 7, PG: 3, Seq: 1000}))
		assert.Equal(t, uint32(1000), f.SndUna)
		assert.Equal(t, uint64(1), h.Stats().NacksReceived)

		// NIC 仍忙, 重传在空闲后从确认位置开始
		loop.Run(3 * tx)
		last := nic.sent[len(nic.sent)-1]
		assert.Equal(t, uint32(1000), last.Seq)
	})

	t.Run("反馈共享", func(t *testing.T) {
		loop := sim.NewLoop()
		cfg := testConfig()
		cfg.ShareFeedback = true
		h, _ := newTestHost(t, loop, addrA, cfg)
		h.AddRoute(addrB, 0)
		h.AddRoute(addrC, 0)
		_, err := h.AddFlow(flowTo(addrB, 7, 5000))
		require.NoError(t, err)
		_, err = h.AddFlow(flowTo(addrC, 8, 5000))
		require.NoError(t, err)

		h.ReceiveFeedback(feedbackPkt(t, protocol.KindAck, addrB, &protocol.Feedback{Dport: 7, PG: 3, Seq: 1000}))
		assert.Equal(t, uint64(1), h.Stats().Shared)
		assert.Equal(t, uint64(1), h.Engine().Stats().Observed)
	})
}

func TestCorruptFeedback(t *testing.T) {
	loop := sim.NewLoop()
	h, _ := newTestHost(t, loop, addrA, testConfig())
	h.AddRoute(addrB, 0)
	_, err := h.AddFlow(flowTo(addrB, 7, 5000))
	require.NoError(t, err)

	t.Run("逐跳计数越界", func(t *testing.T) {
		p := feedbackPkt(t, protocol.KindAck, addrB, &protocol.Feedback{Dport: 7, PG: 3, Seq: 1000})
		p.Control[protocol.FeedbackBaseSize+telemetry.RecordSize+10] = telemetry.MaxHops + 1
		assert.Panics(t, func() { h.ReceiveFeedback(p) })
	})

	t.Run("遥测记录计数越界", func(t *testing.T) {
		p := feedbackPkt(t, protocol.KindAck, addrB, &protocol.Feedback{Dport: 7, PG: 3, Seq: 1000})
		p.Control[protocol.FeedbackBaseSize] = 0xf0
		assert.Panics(t, func() { h.ReceiveFeedback(p) })
	})

	t.Run("信封截断", func(t *testing.T) {
		p := feedbackPkt(t, protocol.KindNack, addrB, &protocol.Feedback{Dport: 7, PG: 3})
		p.Control = p.Control[:10]
		assert.Panics(t, func() { h.ReceiveFeedback(p) })
	})

	assert.Zero(t, h.Stats().AcksReceived+h.Stats().NacksReceived)
}

// 速率低于线速时按 NextAvail 间隔发包
func TestPacing(t *testing.T) {
	loop := sim.NewLoop()
	h, nic := newTestHost(t, loop, addrA, testConfig())
	h.AddRoute(addrB, 0)

	spec := flowTo(addrB, 7, 3000)
	spec.MaxRate = 10e9
	f, err := h.AddFlow(spec)
	require.NoError(t, err)

	loop.Run(100 * time.Microsecond)
	require.Len(t, nic.sent, 3)
	gap := f.Rate.TxTime(nic.sent[0].Size())
	assert.Equal(t, gap, nic.sent[1].SentAt)
	assert.Equal(t, 2*gap, nic.sent[2].SentAt)
	assert.Zero(t, f.TimeUntilSend(loop.Now()))
}

func TestDeleteFlow(t *testing.T) {
	loop := sim.NewLoop()
	h, _ := newTestHost(t, loop, addrA, testConfig())
	h.AddRoute(addrB, 0)
	f, err := h.AddFlow(flowTo(addrB, 7, 1<<20))
	require.NoError(t, err)

	assert.True(t, h.DeleteFlow(f.Key))
	assert.False(t, h.DeleteFlow(f.Key))
	assert.True(t, f.Closed())
	_, ok := h.Engine().Flow(f.Key)
	assert.False(t, ok)
	assert.Zero(t, h.Flows())
}

func TestEndToEnd(t *testing.T) {
	loop := sim.NewLoop()

	var completed []*congestion.Flow
	a, nicA := newTestHost(t, loop, addrA, testConfig(), OnComplete(func(f *congestion.Flow) {
		completed = append(completed, f)
	}))
	b, nicB := newTestHost(t, loop, addrB, testConfig())
	a.AddRoute(addrB, 0)
	b.AddRoute(addrA, 0)

	nicA.delay = time.Microsecond
	nicA.deliver = func(p *protocol.Packet) { b.Receive(p, 0) }
	nicB.delay = time.Microsecond
	nicB.deliver = func(p *protocol.Packet) { a.Receive(p, 0) }

	notified := false
	spec := flowTo(addrB, 7, 10000)
	spec.Notify = func(*congestion.Flow) { notified = true }
	f, err := a.AddFlow(spec)
	require.NoError(t, err)

	loop.Run(time.Millisecond)

	assert.True(t, f.IsFinished())
	assert.True(t, notified)
	require.Len(t, completed, 1)
	assert.Equal(t, f.Key, completed[0].Key)
	assert.Zero(t, a.Flows())
	assert.Equal(t, uint64(1), a.Stats().Completed)
	assert.Equal(t, uint64(10), a.Stats().DataSent)
	assert.Equal(t, uint64(10), a.Stats().AcksReceived)
	assert.Zero(t, b.Sequencer().Stats().Flows, "末包应拆除接收流")
	assert.NotZero(t, a.Engine().Stats().FullUpdates)
}
