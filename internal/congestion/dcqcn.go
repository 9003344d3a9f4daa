// =============================================================================
// 文件: internal/congestion/dcqcn.go
// 描述: DCQCN 二值反馈变体 - alpha 定时衰减、降速检查、分阶段升速
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
)

const (
	timerDCQCNAlpha    = "dcqcn.alpha"
	timerDCQCNDecrease = "dcqcn.decrease"
	timerDCQCNIncrease = "dcqcn.increase"
)

type dcqcn struct {
	e *Engine
	f *Flow

	alpha  float64
	target Rate
	stage  int

	alphaCnpArrived    bool
	decreaseCnpArrived bool
	firstCnp           bool
}

func newDCQCN(e *Engine, f *Flow) *dcqcn {
	return &dcqcn{
		e:        e,
		f:        f,
		alpha:    1,
		target:   f.Rate,
		firstCnp: true,
	}
}

func (d *dcqcn) FullUpdate(_ *Flow, fb *protocol.Feedback, _ time.Duration) {
	if fb.ECN() {
		d.cnpReceived()
	}
}

func (d *dcqcn) FastReact(_ *Flow, fb *protocol.Feedback, _ time.Duration) {
	if fb.ECN() {
		d.cnpReceived()
	}
}

func (d *dcqcn) Close() {}

func (d *dcqcn) cnpReceived() {
	d.alphaCnpArrived = true
	d.decreaseCnpArrived = true
	if !d.firstCnp {
		return
	}

	d.alpha = 1
	d.alphaCnpArrived = false
	d.e.schedule(d.f, timerDCQCNAlpha, d.e.cfg.AlphaResumeInterval, d.updateAlpha)
	// 多 1ns, 保证降速检查在 alpha 更新之后
	d.e.schedule(d.f, timerDCQCNDecrease, d.e.cfg.RateDecreaseInterval+time.Nanosecond, d.checkDecrease)

	d.e.SetRate(d.f, d.f.Rate.Scale(d.e.cfg.RateOnFirstCNP))
	d.target = d.f.Rate
	d.firstCnp = false
}

func (d *dcqcn) updateAlpha() {
	g := d.e.cfg.EwmaGain
	if d.alphaCnpArrived {
		d.alpha = (1-g)*d.alpha + g
	} else {
		d.alpha = (1 - g) * d.alpha
	}
	d.alphaCnpArrived = false
	d.e.schedule(d.f, timerDCQCNAlpha, d.e.cfg.AlphaResumeInterval, d.updateAlpha)
}

func (d *dcqcn) checkDecrease() {
	d.e.schedule(d.f, timerDCQCNDecrease, d.e.cfg.RateDecreaseInterval, d.checkDecrease)
	if !d.decreaseCnpArrived {
		return
	}

	if d.e.cfg.ClampTargetRate || d.stage != 0 {
		d.target = d.f.Rate
	}
	d.e.SetRate(d.f, d.f.Rate.Scale(1-d.alpha/2))

	d.stage = 0
	d.decreaseCnpArrived = false
	d.e.schedule(d.f, timerDCQCNIncrease, d.e.cfg.RPTimer, d.increaseTimer)
}

func (d *dcqcn) increaseTimer() {
	d.e.schedule(d.f, timerDCQCNIncrease, d.e.cfg.RPTimer, d.increaseTimer)
	d.increase()
	d.stage++
}

func (d *dcqcn) increase() {
	thr := d.e.cfg.FastRecoveryTimes
	switch {
	case d.stage < thr:
		// 快速恢复: 只向目标速率收敛
	case d.stage == thr:
		d.target = minRate(d.target+d.e.cfg.RateAI, d.f.MaxRate)
	default:
		d.target = minRate(d.target+d.e.cfg.RateHAI, d.f.MaxRate)
	}
	d.e.SetRate(d.f, d.f.Rate/2+d.target/2)
}

func minRate(a, b Rate) Rate {
	if a < b {
		return a
	}
	return b
}
