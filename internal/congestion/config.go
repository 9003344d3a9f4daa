// =============================================================================
// 文件: internal/congestion/config.go
// 描述: 拥塞控制参数
// =============================================================================
package congestion

import (
	"errors"
	"time"
)

var (
	ErrUnknownMode = errors.New("congestion: unknown mode")
	ErrFlowExists  = errors.New("congestion: flow already exists")
	ErrBadFlow     = errors.New("congestion: invalid flow spec")
)

// Config 引擎参数, 各变体只读取自己关心的字段
type Config struct {
	Mode      Mode
	MinRate   Rate
	MTU       int
	RateBound bool
	VarWin    bool

	RateAI  Rate
	RateHAI Rate

	// DCQCN
	EwmaGain             float64
	RateOnFirstCNP       float64
	ClampTargetRate      bool
	RPTimer              time.Duration
	RateDecreaseInterval time.Duration
	AlphaResumeInterval  time.Duration
	FastRecoveryTimes    int

	// HPCC
	FastReact      bool
	MiThresh       int
	TargetUtil     float64
	MultiRate      bool
	SampleFeedback bool

	// TIMELY
	TimelyAlpha  float64
	TimelyBeta   float64
	TimelyTLow   time.Duration
	TimelyTHigh  time.Duration
	TimelyMinRTT time.Duration

	// DCTCP
	DctcpRateAI Rate

	// HPCC-PINT
	PintProbability float64

	Seed int64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Mode:      ModeHPCC,
		MinRate:   100 * Mbps,
		MTU:       1000,
		RateBound: true,
		RateAI:    5 * Mbps,
		RateHAI:   50 * Mbps,

		EwmaGain:             1.0 / 16,
		RateOnFirstCNP:       1.0,
		RPTimer:              1500 * time.Microsecond,
		RateDecreaseInterval: 4 * time.Microsecond,
		AlphaResumeInterval:  55 * time.Microsecond,
		FastRecoveryTimes:    5,

		FastReact:  true,
		MiThresh:   5,
		TargetUtil: 0.95,
		MultiRate:  true,

		TimelyAlpha:  0.875,
		TimelyBeta:   0.8,
		TimelyTLow:   50 * time.Microsecond,
		TimelyTHigh:  500 * time.Microsecond,
		TimelyMinRTT: 20 * time.Microsecond,

		DctcpRateAI:     1000 * Mbps,
		PintProbability: 1.0,
		Seed:            1,
	}
}
