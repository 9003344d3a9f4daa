// =============================================================================
// 文件: internal/receiver/sequencer.go
// 描述: 接收端序列跟踪 - ACK/NACK 生成策略、ECN 统计
// =============================================================================
package receiver

import (
	"log/slog"
	"time"

	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
)

// Outcome 收包判定结果
type Outcome int

const (
	GenerateAck Outcome = iota + 1
	GenerateNack
	Duplicate
	Suppressed
	NoReply
)

func (o Outcome) String() string {
	switch o {
	case GenerateAck:
		return "ack"
	case GenerateNack:
		return "nack"
	case Duplicate:
		return "duplicate"
	case Suppressed:
		return "suppressed"
	case NoReply:
		return "no_reply"
	default:
		return "unknown"
	}
}

// Config 接收策略
type Config struct {
	AckInterval  uint32
	ChunkSize    uint32 // 0 关闭按块对齐 ACK 与回退取整
	NackInterval time.Duration
	BackToZero   bool

	// TombstoneTTL 拆除流的墓碑保留时间, 0 表示不记录
	TombstoneTTL time.Duration
}

// Flow 接收流状态
type Flow struct {
	Key protocol.RxKey

	NextExpected uint32
	Milestone    uint32
	NackDeadline time.Duration
	LastNack     uint32

	ECNBits uint8
	Marked  uint64
	Total   uint64
	IPID    uint16
}

// Stats 判定计数
type Stats struct {
	Acks       uint64
	Nacks      uint64
	Duplicates uint64
	Suppressed uint64
	NoReply    uint64
	NotFound   uint64
	Flows      int
}

// Option 构造选项
type Option func(*Sequencer)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) { s.log = logging.Component(l, "receiver") }
}

// Sequencer 管理一台主机上的全部接收流
type Sequencer struct {
	cfg   Config
	flows map[protocol.RxKey]*Flow
	tomb  *tombstones
	stats Stats
	log   *slog.Logger
}

// New 创建接收序列器
func New(cfg Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:   cfg,
		flows: make(map[protocol.RxKey]*Flow),
		log:   logging.Component(nil, "receiver"),
	}
	if cfg.TombstoneTTL > 0 {
		s.tomb = newTombstones(cfg.TombstoneTTL)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Lookup 查找接收流, create 为 true 时按需创建
func (s *Sequencer) Lookup(key protocol.RxKey, create bool) (*Flow, bool) {
	if f, ok := s.flows[key]; ok {
		return f, true
	}
	if !create {
		return nil, false
	}
	f := &Flow{
		Key:       key,
		Milestone: s.cfg.AckInterval,
	}
	s.flows[key] = f
	return f, true
}

// Check 按序号推进状态机
func (s *Sequencer) Check(f *Flow, seq, size uint32, now time.Duration) Outcome {
	expected := f.NextExpected
	switch {
	case seq == expected:
		f.NextExpected = expected + size
		if f.NextExpected >= f.Milestone {
			f.Milestone += s.cfg.AckInterval
			return GenerateAck
		}
		if s.cfg.ChunkSize != 0 && f.NextExpected%s.cfg.ChunkSize == 0 {
			return GenerateAck
		}
		return NoReply

	case seq > expected:
		if now >= f.NackDeadline || f.LastNack != expected {
			f.NackDeadline = now + s.cfg.NackInterval
			f.LastNack = expected
			if s.cfg.BackToZero && s.cfg.ChunkSize != 0 {
				f.NextExpected = expected / s.cfg.ChunkSize * s.cfg.ChunkSize
			}
			return GenerateNack
		}
		return Suppressed

	default:
		return Duplicate
	}
}

// Receive 处理数据包: 查找或创建流, 统计 ECN, 推进序号
// 已拆除流的迟到报文 (seq > 0) 返回 false
func (s *Sequencer) Receive(p *protocol.Packet, now time.Duration) (Outcome, *Flow, bool) {
	key := protocol.RxKey{Peer: p.Src, PG: p.PG, PeerPort: p.Sport}

	_, live := s.flows[key]
	if !live && p.Seq > 0 && s.tomb != nil && s.tomb.test(key, now) {
		s.stats.NotFound++
		s.log.Debug("late packet for deleted flow", "flow", key, "seq", p.Seq)
		return 0, nil, false
	}

	f, _ := s.Lookup(key, true)
	if p.ECN != 0 {
		f.Marked++
		f.ECNBits |= p.ECN
	}
	f.Total++
	f.IPID = p.IPID

	out := s.Check(f, p.Seq, uint32(p.Payload), now)
	s.count(out)
	if out == GenerateNack {
		s.log.Debug("nack", "flow", key, "expected", f.LastNack, "got", p.Seq)
	}
	return out, f, true
}

func (s *Sequencer) count(o Outcome) {
	switch o {
	case GenerateAck:
		s.stats.Acks++
	case GenerateNack:
		s.stats.Nacks++
	case Duplicate:
		s.stats.Duplicates++
	case Suppressed:
		s.stats.Suppressed++
	case NoReply:
		s.stats.NoReply++
	}
}

// Delete 拆除接收流
func (s *Sequencer) Delete(key protocol.RxKey, now time.Duration) {
	if _, ok := s.flows[key]; !ok {
		return
	}
	delete(s.flows, key)
	if s.tomb != nil {
		s.tomb.add(key, now)
	}
}

// Stats 统计快照
func (s *Sequencer) Stats() Stats {
	st := s.stats
	st.Flows = len(s.flows)
	return st
}
