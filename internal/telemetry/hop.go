// =============================================================================
// 文件: internal/telemetry/hop.go
// 描述: 逐跳 INT 采样 (HPCC 使用) 与 PINT 利用率压缩编码
// =============================================================================
package telemetry

import (
	"math"
)

// MaxHops 单个数据包最多携带的逐跳采样数
const MaxHops = 5

// HopSample 逐跳 INT 采样
type HopSample struct {
	LineRate uint64 // 端口线速 (bit/s)
	Bytes    uint64 // 端口累计发送字节
	Time     uint64 // 采样时间 (ns)
	Qlen     uint32 // 队列长度 (字节)
}

// TimeDelta 与上一次采样的时间差
func (h HopSample) TimeDelta(prev HopSample) uint64 {
	if h.Time < prev.Time {
		return 0
	}
	return h.Time - prev.Time
}

// BytesDelta 与上一次采样的字节差
func (h HopSample) BytesDelta(prev HopSample) uint64 {
	if h.Bytes < prev.Bytes {
		return 0
	}
	return h.Bytes - prev.Bytes
}

// =============================================================================
// PINT 利用率编码
// =============================================================================

const (
	pintBase = 1.0002 // 对数底
	pintMinU = 1e-4   // 可表示的最小利用率
)

var pintLogBase = math.Log(pintBase)

// EncodeUtilization 将利用率压缩为 16 位对数编码, 0 表示空闲
func EncodeUtilization(u float64) uint16 {
	if u <= pintMinU || math.IsNaN(u) {
		return 0
	}
	p := math.Round(math.Log(u/pintMinU)/pintLogBase) + 1
	if p > math.MaxUint16 {
		p = math.MaxUint16
	}
	if p < 1 {
		p = 1
	}
	return uint16(p)
}

// DecodeUtilization 还原利用率
func DecodeUtilization(p uint16) float64 {
	if p == 0 {
		return 0
	}
	return pintMinU * math.Exp(float64(p-1)*pintLogBase)
}

// AggregatePower 路径聚合: 保留最大利用率 (指数趋于无穷的幂平均)
// 编码单调, 可直接比较编码值
func AggregatePower(cur uint16, u float64) uint16 {
	if p := EncodeUtilization(u); p > cur {
		return p
	}
	return cur
}
