// =============================================================================
// 文件: internal/congestion/hpcc_pint.go
// 描述: HPCC-PINT 变体 - 按概率采样的压缩利用率反馈
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
	"github.com/mrcgq/hpcc/internal/telemetry"
)

const pintSampleSpace = 65536

type hpccPint struct {
	e *Engine

	curRate  Rate
	incStage int
	thresh   int
}

func newHPCCPint(e *Engine, f *Flow) *hpccPint {
	return &hpccPint{
		e:       e,
		curRate: f.Rate,
		thresh:  int(pintSampleSpace * e.cfg.PintProbability),
	}
}

func (p *hpccPint) sampled() bool {
	return p.e.rnd.Intn(pintSampleSpace) < p.thresh
}

func (p *hpccPint) FullUpdate(f *Flow, fb *protocol.Feedback, _ time.Duration) {
	if p.sampled() {
		p.update(f, fb, false)
	}
}

func (p *hpccPint) FastReact(f *Flow, fb *protocol.Feedback, _ time.Duration) {
	if p.sampled() {
		p.update(f, fb, true)
	}
}

func (p *hpccPint) Close() {}

func (p *hpccPint) update(f *Flow, fb *protocol.Feedback, fast bool) {
	nextSeq := f.SndNxt
	if f.LastUpdateSeq == 0 {
		f.LastUpdateSeq = nextSeq
		return
	}

	u := telemetry.DecodeUtilization(fb.Power)
	newRate, newStage := utilizationRule(p.e.cfg, f, p.curRate, p.incStage, u)
	p.e.SetRate(f, newRate)
	if !fast {
		p.curRate, p.incStage = newRate, newStage
		if nextSeq > f.LastUpdateSeq {
			f.LastUpdateSeq = nextSeq
		}
	}
}
