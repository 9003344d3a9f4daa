// =============================================================================
// 文件: internal/fabric/mmu.go
// 描述: 交换机缓存管理 - 入/出端口字节预算准入, RED 风格 ECN 判定
// =============================================================================
package fabric

import (
	"math/rand"
)

// ECNConfig RED 标记参数, 队列低于 KMin 不标记, 高于 KMax 必标记, 之间线性到 PMax
type ECNConfig struct {
	Enabled bool
	KMin    uint64
	KMax    uint64
	PMax    float64
}

// MMUConfig 准入阈值 (字节, 按端口×队列)
type MMUConfig struct {
	IngressThreshold uint64
	EgressThreshold  uint64
	ECN              ECNConfig
}

type queueKey struct {
	port  int
	queue int
}

// MMU 按 (端口, 队列) 记账的准入控制
type MMU struct {
	cfg     MMUConfig
	rnd     *rand.Rand
	ingress map[queueKey]uint64
	egress  map[queueKey]uint64
}

// NewMMU 创建 MMU, rnd 用于 ECN 概率标记
func NewMMU(cfg MMUConfig, rnd *rand.Rand) *MMU {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}
	return &MMU{
		cfg:     cfg,
		rnd:     rnd,
		ingress: make(map[queueKey]uint64),
		egress:  make(map[queueKey]uint64),
	}
}

// CheckIngress 入端口是否还能容纳 size 字节
func (m *MMU) CheckIngress(port, q int, size uint64) bool {
	return m.ingress[queueKey{port, q}]+size <= m.cfg.IngressThreshold
}

// CheckEgress 出端口是否还能容纳 size 字节
func (m *MMU) CheckEgress(port, q int, size uint64) bool {
	return m.egress[queueKey{port, q}]+size <= m.cfg.EgressThreshold
}

func (m *MMU) UpdateIngress(port, q int, size uint64) {
	m.ingress[queueKey{port, q}] += size
}

func (m *MMU) UpdateEgress(port, q int, size uint64) {
	m.egress[queueKey{port, q}] += size
}

func (m *MMU) RemoveIngress(port, q int, size uint64) {
	sub(m.ingress, queueKey{port, q}, size)
}

func (m *MMU) RemoveEgress(port, q int, size uint64) {
	sub(m.egress, queueKey{port, q}, size)
}

// IngressBytes 入端口当前占用
func (m *MMU) IngressBytes(port, q int) uint64 {
	return m.ingress[queueKey{port, q}]
}

// EgressBytes 出端口当前占用
func (m *MMU) EgressBytes(port, q int) uint64 {
	return m.egress[queueKey{port, q}]
}

// ShouldMark 出端口队列是否应打 ECN 标记
func (m *MMU) ShouldMark(port, q int) bool {
	ecn := m.cfg.ECN
	if !ecn.Enabled {
		return false
	}
	qlen := m.egress[queueKey{port, q}]
	switch {
	case qlen > ecn.KMax:
		return true
	case qlen > ecn.KMin && ecn.KMax > ecn.KMin:
		p := ecn.PMax * float64(qlen-ecn.KMin) / float64(ecn.KMax-ecn.KMin)
		return m.rnd.Float64() < p
	default:
		return false
	}
}

// sub 饱和减法, 归零后删除条目
func sub(m map[queueKey]uint64, k queueKey, size uint64) {
	cur := m[k]
	if size >= cur {
		delete(m, k)
		return
	}
	m[k] = cur - size
}
