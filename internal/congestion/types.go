// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义 - 速率、模式、算法接口、事件与统计
// =============================================================================
package congestion

import (
	"fmt"
	"math"
	"time"

	"github.com/mrcgq/hpcc/internal/protocol"
)

// Rate 速率 (bit/s)
type Rate uint64

const (
	Kbps Rate = 1000
	Mbps Rate = 1000 * Kbps
	Gbps Rate = 1000 * Mbps
)

// TxTime 以该速率发送 bytes 字节所需时间
func (r Rate) TxTime(bytes int) time.Duration {
	if r == 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(uint64(bytes) * 8 * uint64(time.Second) / uint64(r))
}

// Scale 按比例缩放, 负数与 NaN 视为 0
func (r Rate) Scale(x float64) Rate {
	return rateFromFloat(float64(r) * x)
}

// Mbits 以 Mb/s 表示
func (r Rate) Mbits() float64 {
	return float64(r) / float64(Mbps)
}

func (r Rate) String() string {
	switch {
	case r >= Gbps && r%Gbps == 0:
		return fmt.Sprintf("%dGb/s", r/Gbps)
	case r >= Mbps:
		return fmt.Sprintf("%.3fMb/s", r.Mbits())
	default:
		return fmt.Sprintf("%db/s", uint64(r))
	}
}

func rateFromFloat(x float64) Rate {
	switch {
	case math.IsNaN(x) || x <= 0:
		return 0
	case x >= math.MaxUint64:
		return Rate(math.MaxUint64)
	default:
		return Rate(x)
	}
}

func clampRate(r, lo, hi Rate) Rate {
	if r < lo {
		return lo
	}
	if r > hi {
		return hi
	}
	return r
}

// Mode 拥塞控制变体
type Mode string

const (
	ModeDCQCN    Mode = "dcqcn"
	ModeHPCC     Mode = "hpcc"
	ModeTimely   Mode = "timely"
	ModeDCTCP    Mode = "dctcp"
	ModeHPCCPint Mode = "hpcc_pint"
	ModeWindow   Mode = "window"
)

// ParseMode 解析模式名
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDCQCN, ModeHPCC, ModeTimely, ModeDCTCP, ModeHPCCPint, ModeWindow:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Algorithm 单条流的速率调整变体
// FullUpdate 在反馈序号越过 LastUpdateSeq 时调用, 其余反馈调用 FastReact
type Algorithm interface {
	FullUpdate(f *Flow, fb *protocol.Feedback, now time.Duration)
	FastReact(f *Flow, fb *protocol.Feedback, now time.Duration)
	Close()
}

// Observer 可选接口: 接收借道反馈 (不属于本流的 ACK)
type Observer interface {
	Observe(f *Flow, fb *protocol.Feedback, now time.Duration)
}

// UpdatePath 速率变化来源
type UpdatePath string

const (
	PathFull    UpdatePath = "full"
	PathFast    UpdatePath = "fast"
	PathObserve UpdatePath = "observe"
	PathTimer   UpdatePath = "timer"
	PathAdmin   UpdatePath = "admin"
)

// RateEvent 速率变化通知
type RateEvent struct {
	Flow protocol.FlowKey `json:"flow"`
	Mode Mode             `json:"mode"`
	Path UpdatePath       `json:"path"`
	Old  Rate             `json:"old_bps"`
	New  Rate             `json:"new_bps"`
	At   time.Duration    `json:"at_ns"`
}

// FlowStats 单流统计快照
type FlowStats struct {
	Key          protocol.FlowKey `json:"key"`
	Mode         Mode             `json:"mode"`
	Rate         Rate             `json:"rate_bps"`
	MaxRate      Rate             `json:"max_rate_bps"`
	Window       uint64           `json:"window"`
	SndNxt       uint32           `json:"snd_nxt"`
	SndUna       uint32           `json:"snd_una"`
	Size         uint64           `json:"size"`
	SmoothedRTT  time.Duration    `json:"srtt_ns"`
	MinRTT       time.Duration    `json:"min_rtt_ns"`
	MarkFraction float64          `json:"mark_fraction"`
	Goodput      Rate             `json:"goodput_bps"`
	PacketsSent  uint64           `json:"packets_sent"`
}

// EngineStats 引擎计数
type EngineStats struct {
	Flows       int
	FullUpdates uint64
	FastReacts  uint64
	Observed    uint64
	Nacks       uint64
	RateChanges uint64
	TimerFires  uint64
}
