// =============================================================================
// 文件: internal/congestion/dctcp.go
// 描述: DCTCP 变体 - 批量标记比例、CWR 减速窗口、每批加性增
// =============================================================================
package congestion

import (
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
)

type dctcp struct {
	e *Engine

	alpha     float64
	ecnCnt    uint32
	batchSize uint32
	cwr       bool
	highSeq   uint32
}

func newDCTCP(e *Engine, _ *Flow) *dctcp {
	return &dctcp{e: e, alpha: 1}
}

func (d *dctcp) FullUpdate(f *Flow, fb *protocol.Feedback, _ time.Duration) {
	d.onAck(f, fb, true)
}

func (d *dctcp) FastReact(f *Flow, fb *protocol.Feedback, _ time.Duration) {
	d.onAck(f, fb, false)
}

func (d *dctcp) Close() {}

func (d *dctcp) onAck(f *Flow, fb *protocol.Feedback, newBatch bool) {
	cfg := d.e.cfg
	mtu := uint32(cfg.MTU)
	marked := fb.ECN()
	if marked {
		d.ecnCnt++
	}

	if newBatch {
		if f.LastUpdateSeq == 0 {
			d.batchSize = f.SndNxt/mtu + 1
		} else {
			frac := float64(d.ecnCnt) / float64(d.batchSize)
			if frac > 1 {
				frac = 1
			}
			d.alpha = (1-cfg.EwmaGain)*d.alpha + cfg.EwmaGain*frac
			d.ecnCnt = 0
			var outstanding uint32
			if f.SndNxt > fb.Seq {
				outstanding = f.SndNxt - fb.Seq
			}
			d.batchSize = outstanding/mtu + 1
		}
		f.LastUpdateSeq = f.SndNxt
	}

	if d.cwr && fb.Seq > d.highSeq {
		d.cwr = false
	}

	if marked && !d.cwr {
		d.e.SetRate(f, f.Rate.Scale(1-d.alpha/2))
		d.cwr = true
		d.highSeq = f.SndNxt
	}

	if !d.cwr && newBatch {
		d.e.SetRate(f, minRate(f.MaxRate, f.Rate+cfg.DctcpRateAI))
	}
}
