// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 快照存储 - 事件循环发布网络快照, HTTP 协程读取
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/topology"
)

// 保留的改速记录条数
const historySize = 100

// Store 跨协程共享的统计存储
// 事件循环是唯一写者, 指标收集与健康检查只读
type Store struct {
	publishes   uint64
	rateChanges uint64
	completed   uint64

	snap    topology.Snapshot
	history []congestion.RateEvent

	startTime time.Time

	mu sync.RWMutex
}

// NewStore 创建存储
func NewStore() *Store {
	return &Store{
		startTime: time.Now(),
		history:   make([]congestion.RateEvent, 0, historySize),
	}
}

// Publish 发布快照
func (s *Store) Publish(snap topology.Snapshot) {
	atomic.AddUint64(&s.publishes, 1)

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Snapshot 最近一次快照
func (s *Store) Snapshot() topology.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RecordRateChange 记录改速
func (s *Store) RecordRateChange(ev congestion.RateEvent) {
	atomic.AddUint64(&s.rateChanges, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) >= historySize {
		s.history = s.history[1:]
	}
	s.history = append(s.history, ev)
}

// RecordCompletion 记录流完成
func (s *Store) RecordCompletion() {
	atomic.AddUint64(&s.completed, 1)
}

// GetRateChanges 改速次数
func (s *Store) GetRateChanges() uint64 {
	return atomic.LoadUint64(&s.rateChanges)
}

// GetCompleted 完成流数
func (s *Store) GetCompleted() uint64 {
	return atomic.LoadUint64(&s.completed)
}

// GetPublishes 快照发布次数
func (s *Store) GetPublishes() uint64 {
	return atomic.LoadUint64(&s.publishes)
}

// GetHistory 最近 limit 条改速记录, 新的在前
func (s *Store) GetHistory(limit int) []congestion.RateEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]congestion.RateEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

// GetUptime 运行时间 (墙钟)
func (s *Store) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStats 汇总信息
func (s *Store) GetStats() map[string]interface{} {
	snap := s.Snapshot()
	return map[string]interface{}{
		"uptime":       s.GetUptime().String(),
		"sim_time":     snap.At.String(),
		"active_flows": len(snap.Flows),
		"rate_changes": s.GetRateChanges(),
		"completed":    s.GetCompleted(),
		"switch_drops": snap.Switch.Dropped,
		"snapshots":    s.GetPublishes(),
	}
}
