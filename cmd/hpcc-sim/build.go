// =============================================================================
// 文件: cmd/hpcc-sim/build.go
// 描述: 配置换算 - YAML 单位到引擎、交换机、主机参数
// =============================================================================
package main

import (
	"log/slog"
	"time"

	"github.com/mrcgq/hpcc/internal/config"
	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/fabric"
	"github.com/mrcgq/hpcc/internal/host"
	"github.com/mrcgq/hpcc/internal/receiver"
	"github.com/mrcgq/hpcc/internal/topology"
)

// 接收端已拆除流的迟到报文识别窗口
const tombstoneTTL = 10 * time.Millisecond

func mbps(v int) congestion.Rate {
	return congestion.Rate(v) * congestion.Mbps
}

func us(v int) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// engineConfig 速率控制参数
func engineConfig(cfg *config.Config) (congestion.Config, error) {
	rc := cfg.RateControl
	mode, err := congestion.ParseMode(rc.Mode)
	if err != nil {
		return congestion.Config{}, err
	}
	return congestion.Config{
		Mode:      mode,
		MinRate:   mbps(rc.MinRateMbps),
		MTU:       rc.MTU,
		RateBound: rc.RateBound,
		VarWin:    rc.VarWin,

		RateAI:  mbps(rc.RateAIMbps),
		RateHAI: mbps(rc.RateHAIMbps),

		EwmaGain:             rc.EwmaGain,
		RateOnFirstCNP:       rc.RateOnFirstCNP,
		ClampTargetRate:      rc.ClampTargetRate,
		RPTimer:              us(rc.RPTimerUs),
		RateDecreaseInterval: us(rc.RateDecreaseIntervalUs),
		AlphaResumeInterval:  us(rc.AlphaResumeIntervalUs),
		FastRecoveryTimes:    rc.FastRecoveryTimes,

		FastReact:      rc.FastReact,
		MiThresh:       rc.MiThresh,
		TargetUtil:     rc.TargetUtil,
		MultiRate:      rc.MultiRate,
		SampleFeedback: rc.SampleFeedback,

		TimelyAlpha:  rc.Timely.Alpha,
		TimelyBeta:   rc.Timely.Beta,
		TimelyTLow:   time.Duration(rc.Timely.TLowNs),
		TimelyTHigh:  time.Duration(rc.Timely.THighNs),
		TimelyMinRTT: time.Duration(rc.Timely.MinRTTNs),

		DctcpRateAI: mbps(rc.DctcpRateAIMbps),

		PintProbability: rc.PintProbability,
		Seed:            cfg.Sim.Seed,
	}, nil
}

// switchConfig 交换机参数
func switchConfig(cfg *config.Config) fabric.Config {
	sw := cfg.Switch
	return fabric.Config{
		ID: 1,
		MMU: fabric.MMUConfig{
			IngressThreshold: sw.IngressThreshold,
			EgressThreshold:  sw.EgressThreshold,
			ECN: fabric.ECNConfig{
				Enabled: sw.ECN.Enabled,
				KMin:    sw.ECN.KMin,
				KMax:    sw.ECN.KMax,
				PMax:    sw.ECN.PMax,
			},
		},
		RateWindowPkts:  sw.RateWindowPkts,
		HopINT:          sw.HopINT,
		Pint:            sw.Pint,
		BaseRTT:         cfg.Telemetry.BaseRTT(),
		AckHighPriority: sw.AckHighPriority,
	}
}

// hostConfig 主机参数
func hostConfig(cfg *config.Config) host.Config {
	r := cfg.Receiver
	return host.Config{
		MTU: cfg.RateControl.MTU,
		Receiver: receiver.Config{
			AckInterval:  r.AckInterval,
			ChunkSize:    r.ChunkSize,
			NackInterval: r.NackInterval(),
			BackToZero:   r.BackToZero,
			TombstoneTTL: tombstoneTTL,
		},
		ShareFeedback: cfg.Telemetry.ShareFeedback,
	}
}

// networkParams 拓扑参数
func networkParams(cfg *config.Config, l *slog.Logger) (topology.Params, error) {
	ecfg, err := engineConfig(cfg)
	if err != nil {
		return topology.Params{}, err
	}
	return topology.Params{
		Senders:   cfg.Sim.Senders,
		LinkRate:  cfg.Sim.LinkRate(),
		LinkDelay: cfg.Sim.LinkDelay(),
		BaseRTT:   cfg.Telemetry.BaseRTT(),
		Window:    cfg.Telemetry.Window,
		Seed:      cfg.Sim.Seed,
		Engine:    ecfg,
		Host:      hostConfig(cfg),
		Switch:    switchConfig(cfg),
		Logger:    l,
	}, nil
}
