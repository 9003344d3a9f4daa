// =============================================================================
// 文件: internal/congestion/timely.go
// 描述: TIMELY 时延梯度变体
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
)

// timelyHaiStages 连续升速多少次后改用 RateHAI
const timelyHaiStages = 5

type timely struct {
	e *Engine

	curRate  Rate
	incStage int
	rttDiff  float64
	lastRTT  time.Duration
}

func newTimely(e *Engine, f *Flow) *timely {
	return &timely{e: e, curRate: f.Rate}
}

func (t *timely) FullUpdate(f *Flow, fb *protocol.Feedback, now time.Duration) {
	cfg := t.e.cfg
	rtt := now - time.Duration(fb.EchoTime)

	if f.LastUpdateSeq != 0 {
		newDiff := float64(rtt - t.lastRTT)
		rttDiff := (1-cfg.TimelyAlpha)*t.rttDiff + cfg.TimelyAlpha*newDiff
		gradient := rttDiff / float64(cfg.TimelyMinRTT)

		inc := false
		c := 0.0
		switch {
		case rtt < cfg.TimelyTLow:
			inc = true
		case rtt > cfg.TimelyTHigh:
			c = 1 - cfg.TimelyBeta*(1-float64(cfg.TimelyTHigh)/float64(rtt))
		case gradient <= 0:
			inc = true
		default:
			c = 1 - cfg.TimelyBeta*gradient
			if c < 0 {
				c = 0
			}
		}

		if inc {
			step := cfg.RateAI
			if t.incStage >= timelyHaiStages {
				step = cfg.RateHAI
			}
			t.e.SetRate(f, minRate(t.curRate+step, f.MaxRate))
			t.incStage++
		} else {
			t.e.SetRate(f, t.curRate.Scale(c))
			t.incStage = 0
		}
		t.curRate = f.Rate
		t.rttDiff = rttDiff
	}

	if f.SndNxt > f.LastUpdateSeq {
		f.LastUpdateSeq = f.SndNxt
		t.lastRTT = rtt
	}
}

// FastReact TIMELY 每 RTT 只调整一次
func (t *timely) FastReact(*Flow, *protocol.Feedback, time.Duration) {}

func (t *timely) Close() {}
