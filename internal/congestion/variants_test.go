package congestion

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

func TestDCQCNDecreaseAndRecovery(t *testing.T) {
	e, loop := newTestEngine(t, ModeDCQCN, nil)
	f := addTestFlow(t, e, Gbps)

	e.OnFeedback(f, &protocol.Feedback{Seq: 1, Flags: protocol.FlagECN}, protocol.KindAck)
	assert.Equal(t, Gbps, f.Rate, "首个 CNP 按 RateOnFirstCNP=1 保持速率")

	first := 4*time.Microsecond + time.Nanosecond
	loop.Run(first)
	d := f.Algorithm().(*dcqcn)
	assert.Equal(t, 500*Mbps, f.Rate)
	assert.Equal(t, 0, d.stage)

	loop.Run(first + 4*time.Microsecond)
	assert.Equal(t, 500*Mbps, f.Rate, "无新标记不再降速")

	want := []Rate{750 * Mbps, 875 * Mbps, 937500 * Kbps, 968750 * Kbps, 984375 * Kbps, 992187500}
	for i, w := range want {
		loop.Run(first + time.Duration(i+1)*e.Config().RPTimer)
		assert.Equal(t, w, f.Rate, "第 %d 次升速", i+1)
	}
	assert.Equal(t, 6, d.stage)
	assert.Equal(t, Gbps, d.target)
}

func TestDCQCNAlphaDecay(t *testing.T) {
	e, loop := newTestEngine(t, ModeDCQCN, nil)
	f := addTestFlow(t, e, Gbps)
	e.OnFeedback(f, &protocol.Feedback{Seq: 1, Flags: protocol.FlagECN}, protocol.KindAck)

	d := f.Algorithm().(*dcqcn)
	loop.Run(e.Config().AlphaResumeInterval)
	assert.InDelta(t, 15.0/16, d.alpha, 1e-9)

	e.OnFeedback(f, &protocol.Feedback{Seq: 2, Flags: protocol.FlagECN}, protocol.KindAck)
	loop.Run(2 * e.Config().AlphaResumeInterval)
	assert.InDelta(t, 15.0/16*15.0/16+1.0/16, d.alpha, 1e-9)
}

func hop(lineRate, bytes, at uint64, qlen uint32) telemetry.HopSample {
	return telemetry.HopSample{LineRate: lineRate, Bytes: bytes, Time: at, Qlen: qlen}
}

func TestHPCCUpdate(t *testing.T) {
	for _, multi := range []bool{true, false} {
		name := "单速率"
		if multi {
			name = "逐跳多速率"
		}
		t.Run(name, func(t *testing.T) {
			e, _ := newTestEngine(t, ModeHPCC, func(c *Config) { c.MultiRate = multi })
			f := addTestFlow(t, e, 100*Gbps)

			f.SndNxt = 20000
			e.OnFeedback(f, &protocol.Feedback{Seq: 1000, Hops: []telemetry.HopSample{hop(100e9, 0, 0, 0)}}, protocol.KindAck)
			assert.Equal(t, 100*Gbps, f.Rate, "首个 RTT 不改速")
			assert.Equal(t, uint32(20000), f.LastUpdateSeq)

			// 一个 RTT 内满速发送, u = 1
			f.SndNxt = 40000
			e.OnFeedback(f, &protocol.Feedback{Seq: 21000, Hops: []telemetry.HopSample{hop(100e9, 125000, 10000, 0)}}, protocol.KindAck)
			assert.InDelta(t, 100e9/(1/0.95)+5e6, float64(f.Rate), 1e3)
			assert.Equal(t, uint32(40000), f.LastUpdateSeq)

			full := e.Stats().FullUpdates
			e.OnFeedback(f, &protocol.Feedback{Seq: 30000, Hops: []telemetry.HopSample{hop(100e9, 250000, 20000, 0)}}, protocol.KindAck)
			assert.Equal(t, full, e.Stats().FullUpdates)
			assert.Equal(t, uint32(40000), f.LastUpdateSeq, "快速响应不推进 LastUpdateSeq")
		})
	}

	t.Run("跳数越界", func(t *testing.T) {
		e, _ := newTestEngine(t, ModeHPCC, nil)
		f := addTestFlow(t, e, 100*Gbps)
		fb := &protocol.Feedback{Seq: 1, Hops: make([]telemetry.HopSample, telemetry.MaxHops+1)}
		assert.Panics(t, func() { e.OnFeedback(f, fb, protocol.KindAck) })
	})

	t.Run("无可用跳保持状态", func(t *testing.T) {
		e, _ := newTestEngine(t, ModeHPCC, nil)
		f := addTestFlow(t, e, 100*Gbps)
		f.SndNxt = 1000
		e.OnFeedback(f, &protocol.Feedback{Seq: 1}, protocol.KindAck)
		f.SndNxt = 2000
		e.OnFeedback(f, &protocol.Feedback{Seq: 1001, Hops: []telemetry.HopSample{hop(0, 5, 5, 5)}}, protocol.KindAck)
		assert.Equal(t, 100*Gbps, f.Rate)
		assert.Equal(t, uint32(2000), f.LastUpdateSeq, "全量更新仍推进序号")

		full := e.Stats().FullUpdates
		e.OnFeedback(f, &protocol.Feedback{Seq: 1500}, protocol.KindAck)
		assert.Equal(t, full, e.Stats().FullUpdates, "同一窗口内走快速响应")
		assert.Equal(t, 100*Gbps, f.Rate)
	})
}

func TestHPCCPint(t *testing.T) {
	t.Run("全采样", func(t *testing.T) {
		e, _ := newTestEngine(t, ModeHPCCPint, func(c *Config) { c.PintProbability = 1 })
		f := addTestFlow(t, e, 100*Gbps)

		f.SndNxt = 1000
		e.OnFeedback(f, &protocol.Feedback{Seq: 1}, protocol.KindAck)
		assert.Equal(t, uint32(1000), f.LastUpdateSeq)

		f.SndNxt = 2000
		e.OnFeedback(f, &protocol.Feedback{Seq: 1001, Power: telemetry.EncodeUtilization(1.9)}, protocol.KindAck)
		assert.InDelta(t, 50e9, float64(f.Rate), 0.1e9)
		assert.Equal(t, uint32(2000), f.LastUpdateSeq)
	})

	t.Run("不采样", func(t *testing.T) {
		e, _ := newTestEngine(t, ModeHPCCPint, func(c *Config) { c.PintProbability = 0 })
		f := addTestFlow(t, e, 100*Gbps)
		f.SndNxt = 1000
		for i := 0; i < 10; i++ {
			e.OnFeedback(f, &protocol.Feedback{Seq: uint32(i + 1), Power: telemetry.EncodeUtilization(5)}, protocol.KindAck)
		}
		assert.Zero(t, f.LastUpdateSeq)
		assert.Equal(t, 100*Gbps, f.Rate)
	})
}

func TestTimely(t *testing.T) {
	e, loop := newTestEngine(t, ModeTimely, nil)
	f := addTestFlow(t, e, 10*Gbps)

	send := func(seq uint32, rtt time.Duration) {
		loop.Run(loop.Now() + 2*time.Millisecond)
		echo := loop.Now() - rtt
		e.OnFeedback(f, &protocol.Feedback{Seq: seq, EchoTime: uint64(echo)}, protocol.KindAck)
	}

	f.SndNxt = 1000
	send(1, 10*time.Microsecond)
	assert.Equal(t, 10*Gbps, f.Rate)
	assert.Equal(t, uint32(1000), f.LastUpdateSeq)

	f.SndNxt = 2000
	send(1001, time.Millisecond)
	assert.InDelta(t, 6e9, float64(f.Rate), 10, "超过 THigh 按比例降速")

	f.SndNxt = 3000
	send(2001, 10*time.Microsecond)
	assert.InDelta(t, 6.005e9, float64(f.Rate), 10, "低于 TLow 加性增")

	tm := f.Algorithm().(*timely)
	assert.Equal(t, 1, tm.incStage)
}

func TestDCTCP(t *testing.T) {
	e, _ := newTestEngine(t, ModeDCTCP, nil)
	f := addTestFlow(t, e, 10*Gbps)
	d := f.Algorithm().(*dctcp)

	f.SndNxt = 10000
	e.OnFeedback(f, &protocol.Feedback{Seq: 1000}, protocol.KindAck)
	assert.Equal(t, uint32(11), d.batchSize)
	assert.Equal(t, 10*Gbps, f.Rate)

	e.OnFeedback(f, &protocol.Feedback{Seq: 2000, Flags: protocol.FlagECN}, protocol.KindAck)
	assert.Equal(t, 5*Gbps, f.Rate, "alpha=1 时减半")
	assert.True(t, d.cwr)

	e.OnFeedback(f, &protocol.Feedback{Seq: 3000, Flags: protocol.FlagECN}, protocol.KindAck)
	assert.Equal(t, 5*Gbps, f.Rate, "CWR 期间不重复降速")

	f.SndNxt = 20000
	e.OnFeedback(f, &protocol.Feedback{Seq: 11000}, protocol.KindAck)
	assert.False(t, d.cwr)
	assert.Equal(t, 6*Gbps, f.Rate)
	assert.InDelta(t, 15.0/16+2.0/11/16, d.alpha, 1e-9)
}

func depthFeedback(seq uint32, flags uint16, depth uint64, ts time.Duration) *protocol.Feedback {
	fb := &protocol.Feedback{Seq: seq, Flags: flags}
	fb.Record.PushDepth(1, 1, depth, uint64(ts), 125)
	return fb
}

func TestWindowCongestion(t *testing.T) {
	e, loop := newTestEngine(t, ModeWindow, nil)
	f := addTestFlow(t, e, 100*Gbps)
	loop.Run(time.Microsecond)

	f.SndNxt = 5000
	fb := depthFeedback(1, 0, 125000, 500*time.Nanosecond)
	fb.Record.PushRatio(2, 1, 5000, 800, 125)
	e.OnFeedback(f, fb, protocol.KindAck)

	// depth = 125000/80 = 1562, alpha = 1562 / (1562 + 125*10000/8000)
	alpha := 1562.0 / (1562 + 156.25)
	w := f.Algorithm().(*windowCC)
	assert.InDelta(t, 0.9091, alpha, 1e-4)
	assert.InDelta(t, 125000*(1-alpha), w.Window(), 1e-6)
	assert.InDelta(t, 125000*(1-alpha)*8/10e-6, float64(f.Rate), 1e3)
	assert.Equal(t, uint32(5000), f.LastUpdateSeq)

	t.Run("缩小后忽略本流深度", func(t *testing.T) {
		rate := f.Rate
		loop.Run(loop.Now() + 10*time.Microsecond)
		f.SndNxt = 9000
		e.OnFeedback(f, depthFeedback(6000, 0, 200000, loop.Now()), protocol.KindAck)
		assert.Equal(t, rate, f.Rate)
		assert.Equal(t, uint32(5000), f.LastUpdateSeq)
	})

	t.Run("借道深度参与下一次更新", func(t *testing.T) {
		rate := f.Rate
		e.OnFeedback(f, depthFeedback(0, protocol.FlagForeign, 200000, loop.Now()), protocol.KindAck)
		assert.Equal(t, rate, f.Rate, "借道反馈只追踪")

		e.OnFeedback(f, &protocol.Feedback{Seq: 7000}, protocol.KindAck)
		assert.Less(t, uint64(f.Rate), uint64(rate))
		assert.Equal(t, uint32(9000), f.LastUpdateSeq)
	})
}

func TestWindowIdle(t *testing.T) {
	e, _ := newTestEngine(t, ModeWindow, nil)
	spec := testSpec(100 * Gbps)
	spec.Window = 50000
	f, err := e.AddFlow(spec)
	require.NoError(t, err)

	f.SndNxt = 5000
	fb := &protocol.Feedback{Seq: 1}
	fb.Record.PushRatio(1, 1, 5000, 0, 125)
	e.OnFeedback(f, fb, protocol.KindAck)

	// 50000 / 0.5 + 5Mb/s * 10us / 8
	w := f.Algorithm().(*windowCC)
	assert.InDelta(t, 100006.25, w.Window(), 1e-6)
	assert.InDelta(t, 80.005e9, float64(f.Rate), 1e3)
}

func TestWrapArithmetic(t *testing.T) {
	assert.True(t, newerTs(10, 5))
	assert.False(t, newerTs(5, 10))
	assert.False(t, newerTs(7, 7))
	assert.True(t, newerTs(5, tsWrap-5), "回绕后仍判为更新")
	assert.Equal(t, uint64(10), wrapDelta(5, tsWrap-5))
}

// 任意输入下速率保持在 [MinRate, MaxRate]
func TestRateBounds(t *testing.T) {
	modes := []Mode{ModeDCQCN, ModeHPCC, ModeTimely, ModeDCTCP, ModeHPCCPint, ModeWindow}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			e, loop := newTestEngine(t, mode, nil)
			f := addTestFlow(t, e, 25*Gbps)
			rnd := rand.New(rand.NewSource(42))
			minRate := e.Config().MinRate

			var bytes, at uint64
			for i := 0; i < 500; i++ {
				loop.Run(loop.Now() + time.Duration(rnd.Intn(20000))*time.Nanosecond)
				now := loop.Now()

				f.SndNxt += uint32(rnd.Intn(3000))
				fb := &protocol.Feedback{
					Seq:      uint32(rnd.Intn(int(f.SndNxt) + 1)),
					EchoTime: uint64(now) - uint64(rnd.Int63n(int64(now)+1)),
					Power:    uint16(rnd.Intn(1 << 16)),
				}
				if rnd.Intn(2) == 0 {
					fb.Flags |= protocol.FlagECN
				}
				if rnd.Intn(4) == 0 {
					fb.Flags |= protocol.FlagForeign
				}
				nhop := rnd.Intn(telemetry.MaxHops + 1)
				for h := 0; h < nhop; h++ {
					bytes += uint64(rnd.Intn(1 << 20))
					at += uint64(rnd.Intn(5000))
					fb.Hops = append(fb.Hops, hop(uint64(rnd.Intn(3))*50e9, bytes, at, rnd.Uint32()))
				}
				fb.Record.PushDepth(1, 1, rnd.Uint64()%(1<<23), uint64(now)-uint64(rnd.Intn(3000)), uint8(rnd.Intn(256)))
				fb.Record.PushRatio(1, 1, uint16(rnd.Intn(30000)), uint64(now)-uint64(rnd.Intn(3000)), uint8(rnd.Intn(256)))

				e.OnFeedback(f, fb, protocol.KindAck)
				require.GreaterOrEqual(t, uint64(f.Rate), uint64(minRate), "第 %d 次", i)
				require.LessOrEqual(t, uint64(f.Rate), uint64(f.MaxRate), "第 %d 次", i)
			}
		})
	}
}
