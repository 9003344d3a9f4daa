// =============================================================================
// 文件: internal/telemetry/record.go
// 描述: 带内遥测记录 - 路径节点、队列深度与利用率采样 (固定容量, 贪心保留)
// =============================================================================
package telemetry

import (
	"math/rand"
)

const (
	// 容量
	IDNum  = 1 // 路由节点槽位
	MaxNum = 2 // 深度/比值槽位

	// 量化参数
	DepthUnit     = 80    // 队列深度量化单位 (字节)
	TimestampUnit = 100   // 时间戳量化单位 (ns)
	RatioScale    = 10000 // 比值单位 1/10000

	maxDepth     = 0xffff
	timestampMax = 1 << 24
	routeSample  = 3 // 路由采样概率 1/3
)

// PushResult 写入结果
type PushResult int

const (
	Rejected PushResult = iota
	Inserted
	Replaced
)

func (r PushResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	default:
		return "rejected"
	}
}

// Hop 路由节点
type Hop struct {
	Node uint8
	Port uint8
}

// DepthSample 队列深度采样
type DepthSample struct {
	Node      uint8
	Port      uint8
	Depth     uint16 // DepthUnit 为单位
	Timestamp uint32 // 24 位, TimestampUnit 为单位
	MaxRate   uint8  // 端口最大速率, 100MB/s 为单位
}

// RatioSample 利用率采样
type RatioSample struct {
	Node      uint8
	Port      uint8
	Ratio     uint16 // RatioScale 为单位
	Timestamp uint32
	MaxRate   uint8
}

// Record 遥测记录
// 槽位一旦写入其下标保持不变; 计数永不超过容量
type Record struct {
	RouteCount uint8
	DepthCount uint8
	RatioCount uint8

	Routes [IDNum]Hop
	Depths [MaxNum]DepthSample
	Ratios [MaxNum]RatioSample
}

// QuantizeTimestamp 时间戳量化到 24 位
func QuantizeTimestamp(ns uint64) uint32 {
	return uint32((ns / TimestampUnit) % timestampMax)
}

// PushRoute 以 1/3 概率追加路由节点, 满时忽略
// rnd 为 nil 时使用全局随机源
func (r *Record) PushRoute(node, port uint8, rnd *rand.Rand) bool {
	if r.RouteCount >= IDNum {
		return false
	}
	var n int
	if rnd != nil {
		n = rnd.Intn(routeSample)
	} else {
		n = rand.Intn(routeSample)
	}
	if n != 0 {
		return false
	}
	r.Routes[r.RouteCount] = Hop{Node: node, Port: port}
	r.RouteCount++
	return true
}

// PushDepth 写入队列深度
// 深度按 DepthUnit 量化并截断到 16 位; 量化后为 0 直接拒绝
// 槽位满时替换最小值 (仅当新值更大)
func (r *Record) PushDepth(node, port uint8, depthRaw uint64, ts uint64, maxRate uint8) PushResult {
	q := depthRaw / DepthUnit
	if q > maxDepth {
		q = maxDepth
	}
	if q == 0 {
		return Rejected
	}
	sample := DepthSample{
		Node:      node,
		Port:      port,
		Depth:     uint16(q),
		Timestamp: QuantizeTimestamp(ts),
		MaxRate:   maxRate,
	}

	if r.DepthCount < MaxNum {
		r.Depths[r.DepthCount] = sample
		r.DepthCount++
		return Inserted
	}

	minIdx := 0
	for i := 1; i < MaxNum; i++ {
		if r.Depths[i].Depth < r.Depths[minIdx].Depth {
			minIdx = i
		}
	}
	if sample.Depth > r.Depths[minIdx].Depth {
		r.Depths[minIdx] = sample
		return Replaced
	}
	return Rejected
}

// PushRatio 写入利用率比值, 与 PushDepth 相同的贪心保留策略
func (r *Record) PushRatio(node, port uint8, ratio uint16, ts uint64, maxRate uint8) PushResult {
	sample := RatioSample{
		Node:      node,
		Port:      port,
		Ratio:     ratio,
		Timestamp: QuantizeTimestamp(ts),
		MaxRate:   maxRate,
	}

	if r.RatioCount < MaxNum {
		r.Ratios[r.RatioCount] = sample
		r.RatioCount++
		return Inserted
	}

	minIdx := 0
	for i := 1; i < MaxNum; i++ {
		if r.Ratios[i].Ratio < r.Ratios[minIdx].Ratio {
			minIdx = i
		}
	}
	if sample.Ratio > r.Ratios[minIdx].Ratio {
		r.Ratios[minIdx] = sample
		return Replaced
	}
	return Rejected
}

// MaxDepth 返回深度最大的采样
func (r *Record) MaxDepth() (DepthSample, bool) {
	if r.DepthCount == 0 {
		return DepthSample{}, false
	}
	best := r.Depths[0]
	for i := 1; i < int(r.DepthCount); i++ {
		if r.Depths[i].Depth > best.Depth {
			best = r.Depths[i]
		}
	}
	return best, true
}

// MaxRatio 返回比值最大的采样
func (r *Record) MaxRatio() (RatioSample, bool) {
	if r.RatioCount == 0 {
		return RatioSample{}, false
	}
	best := r.Ratios[0]
	for i := 1; i < int(r.RatioCount); i++ {
		if r.Ratios[i].Ratio > best.Ratio {
			best = r.Ratios[i]
		}
	}
	return best, true
}

// Empty 是否不含任何深度/比值采样
func (r *Record) Empty() bool {
	return r.DepthCount == 0 && r.RatioCount == 0
}
