// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 速率控制、接收端、交换机、遥测、监控与事件流
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/hpcc/internal/logging"
)

// 拥塞控制模式
const (
	ModeDCQCN    = "dcqcn"
	ModeHPCC     = "hpcc"
	ModeTimely   = "timely"
	ModeDCTCP    = "dctcp"
	ModeHPCCPint = "hpcc_pint"
	ModeWindow   = "window"
)

// Config 主配置
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Sim         SimConfig         `yaml:"sim"`
	RateControl RateControlConfig `yaml:"rate_control"`
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Switch      SwitchConfig      `yaml:"switch"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Stream      StreamConfig      `yaml:"stream"`
}

// SimConfig 仿真拓扑与流量
type SimConfig struct {
	Seed        int64        `yaml:"seed"`
	DurationUs  int          `yaml:"duration_us"`
	Senders     int          `yaml:"senders"`
	LinkGbps    int          `yaml:"link_gbps"`
	LinkDelayNs int          `yaml:"link_delay_ns"`
	Flows       []FlowConfig `yaml:"flows"`
}

// FlowConfig 单条流
type FlowConfig struct {
	Sender  int    `yaml:"sender"`
	Size    uint64 `yaml:"size"`
	StartUs int    `yaml:"start_us"`
	PG      uint16 `yaml:"pg"`
}

// RateControlConfig 发送端速率控制
type RateControlConfig struct {
	Mode        string `yaml:"mode"`
	MinRateMbps int    `yaml:"min_rate_mbps"`
	MTU         int    `yaml:"mtu"`
	RateBound   bool   `yaml:"rate_bound"`
	VarWin      bool   `yaml:"var_win"`

	RateAIMbps  int `yaml:"rate_ai_mbps"`
	RateHAIMbps int `yaml:"rate_hai_mbps"`

	// DCQCN
	EwmaGain               float64 `yaml:"ewma_gain"`
	RateOnFirstCNP         float64 `yaml:"rate_on_first_cnp"`
	ClampTargetRate        bool    `yaml:"clamp_target_rate"`
	RPTimerUs              int     `yaml:"rp_timer_us"`
	RateDecreaseIntervalUs int     `yaml:"rate_decrease_interval_us"`
	FastRecoveryTimes      int     `yaml:"fast_recovery_times"`
	AlphaResumeIntervalUs  int     `yaml:"alpha_resume_interval_us"`

	// HPCC
	FastReact      bool    `yaml:"fast_react"`
	MiThresh       int     `yaml:"mi_thresh"`
	TargetUtil     float64 `yaml:"target_util"`
	MultiRate      bool    `yaml:"multi_rate"`
	SampleFeedback bool    `yaml:"sample_feedback"`

	// TIMELY
	Timely TimelyConfig `yaml:"timely"`

	// DCTCP
	DctcpRateAIMbps int `yaml:"dctcp_rate_ai_mbps"`

	// HPCC-PINT
	PintProbability float64 `yaml:"pint_probability"`
}

// TimelyConfig TIMELY 参数
type TimelyConfig struct {
	Alpha    float64 `yaml:"alpha"`
	Beta     float64 `yaml:"beta"`
	TLowNs   int     `yaml:"t_low_ns"`
	THighNs  int     `yaml:"t_high_ns"`
	MinRTTNs int     `yaml:"min_rtt_ns"`
}

// ReceiverConfig 接收端 ACK/NACK 策略
type ReceiverConfig struct {
	AckInterval    uint32 `yaml:"ack_interval"`
	ChunkSize      uint32 `yaml:"chunk_size"`
	NackIntervalUs int    `yaml:"nack_interval_us"`
	BackToZero     bool   `yaml:"back_to_zero"`
}

// SwitchConfig 交换机准入与标记
type SwitchConfig struct {
	IngressThreshold uint64    `yaml:"ingress_threshold"`
	EgressThreshold  uint64    `yaml:"egress_threshold"`
	RateWindowPkts   int       `yaml:"rate_window_packets"`
	ECN              ECNConfig `yaml:"ecn"`
	HopINT           bool      `yaml:"hop_int"`
	Pint             bool      `yaml:"pint"`
	AckHighPriority  bool      `yaml:"ack_high_priority"`
}

// ECNConfig RED 风格 ECN 标记
type ECNConfig struct {
	Enabled bool    `yaml:"enabled"`
	KMin    uint64  `yaml:"kmin"`
	KMax    uint64  `yaml:"kmax"`
	PMax    float64 `yaml:"pmax"`
}

// TelemetryConfig 遥测参数
type TelemetryConfig struct {
	BaseRTTNs     int    `yaml:"base_rtt_ns"`
	Window        uint32 `yaml:"window"`
	ShareFeedback bool   `yaml:"share_feedback"` // ACK 同时投递给同主机其他流
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// StreamConfig 速率事件流
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.SyncRelated()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",

		Sim: SimConfig{
			Seed:        1,
			DurationUs:  2000,
			Senders:     2,
			LinkGbps:    100,
			LinkDelayNs: 1000,
		},

		RateControl: RateControlConfig{
			Mode:        ModeHPCC,
			MinRateMbps: 100,
			MTU:         1000,
			RateBound:   true,
			RateAIMbps:  5,
			RateHAIMbps: 50,

			EwmaGain:               1.0 / 16,
			RateOnFirstCNP:         1.0,
			RPTimerUs:              1500,
			RateDecreaseIntervalUs: 4,
			FastRecoveryTimes:      5,
			AlphaResumeIntervalUs:  55,

			FastReact:  true,
			MiThresh:   5,
			TargetUtil: 0.95,
			MultiRate:  true,

			Timely: TimelyConfig{
				Alpha:    0.875,
				Beta:     0.8,
				TLowNs:   50000,
				THighNs:  500000,
				MinRTTNs: 20000,
			},

			DctcpRateAIMbps: 1000,
			PintProbability: 1.0,
		},

		Receiver: ReceiverConfig{
			AckInterval:    1,
			ChunkSize:      4000,
			NackIntervalUs: 500,
		},

		Switch: SwitchConfig{
			IngressThreshold: 4 << 20,
			EgressThreshold:  4 << 20,
			RateWindowPkts:   10,
			AckHighPriority:  true,
			ECN: ECNConfig{
				KMin: 100 << 10,
				KMax: 400 << 10,
				PMax: 0.2,
			},
		},

		Telemetry: TelemetryConfig{
			BaseRTTNs: 9000,
			Window:    0,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Stream: StreamConfig{
			Enabled: false,
			Listen:  ":9101",
			Path:    "/events",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := logging.ParseSpec(c.LogLevel); err != nil {
		return fmt.Errorf("无效的日志级别: %s (支持: trace, debug, info, warn, error 及 组件=级别): %w", c.LogLevel, err)
	}

	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return fmt.Errorf("无效的日志格式: %s (支持: text, json)", c.LogFormat)
	}

	if err := c.validateSimConfig(); err != nil {
		return err
	}
	if err := c.validateRateControlConfig(); err != nil {
		return err
	}
	if err := c.validateReceiverConfig(); err != nil {
		return err
	}
	if err := c.validateSwitchConfig(); err != nil {
		return err
	}
	if err := c.validateListenConfig(); err != nil {
		return err
	}

	return nil
}

// validateSimConfig 验证仿真配置
func (c *Config) validateSimConfig() error {
	s := c.Sim
	if s.DurationUs <= 0 {
		return fmt.Errorf("sim.duration_us 必须大于 0")
	}
	if s.Senders < 1 || s.Senders > 250 {
		return fmt.Errorf("sim.senders 需在 1-250 之间")
	}
	if s.LinkGbps < 1 || s.LinkGbps > 800 {
		return fmt.Errorf("sim.link_gbps 需在 1-800 之间")
	}
	if s.LinkDelayNs < 0 {
		return fmt.Errorf("sim.link_delay_ns 不能为负")
	}
	for i, f := range s.Flows {
		if f.Sender < 0 || f.Sender >= s.Senders {
			return fmt.Errorf("sim.flows[%d].sender 超出范围 0-%d", i, s.Senders-1)
		}
		if f.Size == 0 {
			return fmt.Errorf("sim.flows[%d].size 必须大于 0", i)
		}
		if f.PG == 0 {
			return fmt.Errorf("sim.flows[%d].pg 不能为 0 (保留给控制报文)", i)
		}
	}
	return nil
}

// validateRateControlConfig 验证速率控制配置
func (c *Config) validateRateControlConfig() error {
	rc := c.RateControl
	switch rc.Mode {
	case ModeDCQCN, ModeHPCC, ModeTimely, ModeDCTCP, ModeHPCCPint, ModeWindow:
	default:
		return fmt.Errorf("无效的拥塞控制模式: %s", rc.Mode)
	}

	if rc.MinRateMbps < 1 {
		return fmt.Errorf("min_rate_mbps 必须大于 0")
	}
	if rc.MinRateMbps > c.Sim.LinkGbps*1000 {
		return fmt.Errorf("min_rate_mbps 不能超过链路速率")
	}
	if rc.MTU < 64 || rc.MTU > 9000 {
		return fmt.Errorf("mtu 需在 64-9000 之间")
	}
	if rc.EwmaGain <= 0 || rc.EwmaGain > 1 {
		return fmt.Errorf("ewma_gain 需在 (0, 1] 之间")
	}
	if rc.RateOnFirstCNP <= 0 || rc.RateOnFirstCNP > 1 {
		return fmt.Errorf("rate_on_first_cnp 需在 (0, 1] 之间")
	}
	if rc.RPTimerUs <= 0 || rc.RateDecreaseIntervalUs <= 0 || rc.AlphaResumeIntervalUs <= 0 {
		return fmt.Errorf("DCQCN 定时器间隔必须大于 0")
	}
	if rc.TargetUtil <= 0 || rc.TargetUtil > 1 {
		return fmt.Errorf("target_util 需在 (0, 1] 之间")
	}
	if rc.Timely.TLowNs >= rc.Timely.THighNs {
		return fmt.Errorf("timely.t_low_ns 必须小于 t_high_ns")
	}
	if rc.Timely.MinRTTNs <= 0 {
		return fmt.Errorf("timely.min_rtt_ns 必须大于 0")
	}
	if rc.PintProbability <= 0 || rc.PintProbability > 1 {
		return fmt.Errorf("pint_probability 需在 (0, 1] 之间")
	}
	return nil
}

// validateReceiverConfig 验证接收端配置
func (c *Config) validateReceiverConfig() error {
	if c.Receiver.NackIntervalUs < 0 {
		return fmt.Errorf("receiver.nack_interval_us 不能为负")
	}
	if c.Receiver.BackToZero && c.Receiver.ChunkSize == 0 {
		return fmt.Errorf("receiver.back_to_zero 需要设置 chunk_size")
	}
	return nil
}

// validateSwitchConfig 验证交换机配置
func (c *Config) validateSwitchConfig() error {
	sw := c.Switch
	if sw.IngressThreshold == 0 || sw.EgressThreshold == 0 {
		return fmt.Errorf("switch 准入阈值必须大于 0")
	}
	if sw.RateWindowPkts < 1 {
		return fmt.Errorf("switch.rate_window_packets 必须大于 0")
	}
	if sw.ECN.Enabled {
		if sw.ECN.KMin > sw.ECN.KMax {
			return fmt.Errorf("switch.ecn.kmin 不能大于 kmax")
		}
		if sw.ECN.PMax < 0 || sw.ECN.PMax > 1 {
			return fmt.Errorf("switch.ecn.pmax 需在 0-1 之间")
		}
	}
	return nil
}

// validateListenConfig 验证监听地址与端口冲突
func (c *Config) validateListenConfig() error {
	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 无效: %w", err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
	}
	if c.Stream.Enabled {
		if _, err := parsePort(c.Stream.Listen); err != nil {
			return fmt.Errorf("stream.listen 无效: %w", err)
		}
		if !strings.HasPrefix(c.Stream.Path, "/") {
			return fmt.Errorf("stream.path 必须以 / 开头")
		}
		if c.Metrics.Enabled {
			mp, _ := parsePort(c.Metrics.Listen)
			sp, _ := parsePort(c.Stream.Listen)
			if mp == sp {
				return fmt.Errorf("stream.listen 与 metrics.listen 端口冲突: %d", sp)
			}
		}
	}
	return nil
}

// SyncRelated 按模式补齐交换机能力与默认窗口, 可重复调用
func (c *Config) SyncRelated() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	// 拥塞控制所需的交换机能力
	switch c.RateControl.Mode {
	case ModeDCQCN, ModeDCTCP:
		c.Switch.ECN.Enabled = true
	case ModeHPCC:
		c.Switch.HopINT = true
	case ModeHPCCPint:
		c.Switch.Pint = true
	}

	// 默认窗口 = BDP
	if c.Telemetry.Window == 0 {
		bdp := uint64(c.Sim.LinkGbps) * uint64(c.Telemetry.BaseRTTNs) / 8
		c.Telemetry.Window = uint32(bdp)
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// =============================================================================
// 单位换算
// =============================================================================

// Duration 仿真时长
func (s *SimConfig) Duration() time.Duration {
	return time.Duration(s.DurationUs) * time.Microsecond
}

// LinkRate 链路速率 (bit/s)
func (s *SimConfig) LinkRate() uint64 {
	return uint64(s.LinkGbps) * 1e9
}

// LinkDelay 链路传播时延
func (s *SimConfig) LinkDelay() time.Duration {
	return time.Duration(s.LinkDelayNs)
}

// NackInterval NACK 抑制间隔
func (r *ReceiverConfig) NackInterval() time.Duration {
	return time.Duration(r.NackIntervalUs) * time.Microsecond
}

// BaseRTT 基础往返时延
func (t *TelemetryConfig) BaseRTT() time.Duration {
	return time.Duration(t.BaseRTTNs)
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# hpcc-sim 配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: trace, debug, info, warn, error; 可加组件覆盖如 "info,congestion=debug"
log_format: "text"                  # 日志格式: text, json

# 仿真拓扑 (N 个发送端经单个交换机汇聚到一个接收端)
sim:
  seed: 1
  duration_us: 2000
  senders: 2
  link_gbps: 100
  link_delay_ns: 1000
  flows:
    - { sender: 0, size: 2000000, start_us: 0, pg: 3 }
    - { sender: 1, size: 2000000, start_us: 10, pg: 3 }

# 发送端速率控制
rate_control:
  mode: "hpcc"                      # dcqcn, hpcc, timely, dctcp, hpcc_pint, window
  min_rate_mbps: 100
  mtu: 1000
  rate_bound: true
  rate_ai_mbps: 5
  rate_hai_mbps: 50
  ewma_gain: 0.0625                 # DCQCN/DCTCP alpha 增益
  rate_on_first_cnp: 1.0
  clamp_target_rate: false
  rp_timer_us: 1500
  rate_decrease_interval_us: 4
  fast_recovery_times: 5
  alpha_resume_interval_us: 55
  fast_react: true                  # HPCC 快速响应
  mi_thresh: 5
  target_util: 0.95
  multi_rate: true
  sample_feedback: false
  timely:
    alpha: 0.875
    beta: 0.8
    t_low_ns: 50000
    t_high_ns: 500000
    min_rtt_ns: 20000
  dctcp_rate_ai_mbps: 1000
  pint_probability: 1.0

# 接收端
receiver:
  ack_interval: 1
  chunk_size: 4000
  nack_interval_us: 500
  back_to_zero: false

# 交换机
switch:
  ingress_threshold: 4194304
  egress_threshold: 4194304
  rate_window_packets: 10
  ack_high_priority: true           # ACK/NACK 走最高优先级队列, 不做准入
  ecn:
    enabled: false                  # dcqcn/dctcp 模式自动开启
    kmin: 102400
    kmax: 409600
    pmax: 0.2

telemetry:
  base_rtt_ns: 9000
  window: 0                         # 0 表示按 BDP 计算
  share_feedback: false             # window 模式下可开启

# Prometheus 指标
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# WebSocket 速率事件流
stream:
  enabled: false
  listen: ":9101"
  path: "/events"
# =============================================================================
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
