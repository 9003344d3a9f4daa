// =============================================================================
// 文件: internal/congestion/hpcc.go
// 描述: HPCC 显式利用率变体 - 逐跳 INT, 单速率或逐跳多速率
// =============================================================================
package congestion

import (
	"fmt"
	"math"
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

type hopState struct {
	rc       Rate
	incStage int
	u        float64
}

type hpcc struct {
	e *Engine

	curRate  Rate
	incStage int
	u        float64

	hops     [telemetry.MaxHops]telemetry.HopSample
	hopState [telemetry.MaxHops]hopState
}

func newHPCC(e *Engine, f *Flow) *hpcc {
	h := &hpcc{e: e, curRate: f.Rate}
	for i := range h.hopState {
		h.hopState[i].rc = f.Rate
	}
	return h
}

func (h *hpcc) FullUpdate(f *Flow, fb *protocol.Feedback, now time.Duration) {
	h.update(f, fb, false)
}

func (h *hpcc) FastReact(f *Flow, fb *protocol.Feedback, now time.Duration) {
	if h.e.cfg.FastReact {
		h.update(f, fb, true)
	}
}

func (h *hpcc) Close() {}

func (h *hpcc) update(f *Flow, fb *protocol.Feedback, fast bool) {
	nextSeq := f.SndNxt
	nhop := len(fb.Hops)
	if nhop > telemetry.MaxHops {
		panic(fmt.Sprintf("congestion: feedback carries %d hops, capacity %d", nhop, telemetry.MaxHops))
	}

	// 第一个 RTT 只记录 INT
	if f.LastUpdateSeq == 0 {
		f.LastUpdateSeq = nextSeq
		copy(h.hops[:], fb.Hops)
		return
	}

	cfg := h.e.cfg
	baseRTT := float64(f.BaseRTT)
	win := float64(f.Window)
	if win == 0 {
		win = f.bdp()
	}

	var (
		maxU       float64
		dt         float64
		updated    [telemetry.MaxHops]bool
		updatedAny bool
	)
	for i, hop := range fb.Hops {
		if cfg.SampleFeedback && fast && hop.Qlen == 0 {
			continue
		}
		if hop.LineRate == 0 {
			continue
		}
		prev := h.hops[i]
		tau := float64(hop.TimeDelta(prev))
		txRate := 0.0
		if tau > 0 {
			txRate = float64(hop.BytesDelta(prev)) * 8 / (tau * 1e-9)
		}
		qlen := hop.Qlen
		if prev.Qlen < qlen {
			qlen = prev.Qlen
		}
		u := txRate/float64(hop.LineRate) + float64(qlen)*float64(f.MaxRate)/float64(hop.LineRate)/win

		updated[i], updatedAny = true, true
		if !cfg.MultiRate {
			if u > maxU {
				maxU, dt = u, tau
			}
		} else {
			t := math.Min(tau, baseRTT)
			hs := &h.hopState[i]
			hs.u = (hs.u*(baseRTT-t) + u*t) / baseRTT
		}
		h.hops[i] = hop
	}
	// 无可用跳时只推进序号, 速率不变
	if !updatedAny {
		if !fast {
			f.LastUpdateSeq = nextSeq
		}
		return
	}

	if !cfg.MultiRate {
		dt = math.Min(dt, baseRTT)
		h.u = (h.u*(baseRTT-dt) + maxU*dt) / baseRTT
		newRate, newStage := h.decide(f, h.curRate, h.incStage, h.u)
		h.e.SetRate(f, newRate)
		if !fast {
			h.curRate, h.incStage = newRate, newStage
		}
	} else {
		newRate := f.MaxRate
		for i := 0; i < nhop; i++ {
			hs := &h.hopState[i]
			if !updated[i] {
				newRate = minRate(newRate, hs.rc)
				continue
			}
			r, stage := h.decide(f, hs.rc, hs.incStage, hs.u)
			newRate = minRate(newRate, r)
			if !fast {
				hs.rc, hs.incStage = r, stage
			}
		}
		h.e.SetRate(f, newRate)
	}

	if !fast {
		f.LastUpdateSeq = nextSeq
	}
}

// decide 乘性减/加性增决策, 结果已限制在速率区间内
func (h *hpcc) decide(f *Flow, cur Rate, stage int, u float64) (Rate, int) {
	return utilizationRule(h.e.cfg, f, cur, stage, u)
}

// utilizationRule u 超过目标或连续加性增达到阈值时按 u/target 缩放, 否则加性增
func utilizationRule(cfg Config, f *Flow, cur Rate, stage int, u float64) (Rate, int) {
	maxC := u / cfg.TargetUtil
	var next Rate
	if maxC >= 1 || stage >= cfg.MiThresh {
		next = rateFromFloat(float64(cur)/maxC + float64(cfg.RateAI))
		stage = 0
	} else {
		next = rateFromFloat(float64(cur) + float64(cfg.RateAI))
		stage++
	}
	return clampRate(next, cfg.MinRate, f.MaxRate), stage
}
