// =============================================================================
// 文件: internal/receiver/tombstone.go
// 描述: 已拆除接收流的墓碑集合 - 双时间片布隆过滤器
// =============================================================================
package receiver

import (
	"encoding/binary"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mrcgq/hpcc/internal/protocol"
)

const (
	tombstoneExpectedItems = 4096
	tombstoneFalsePositive = 0.0001
)

// tombstones 记录最近拆除的流, 按仿真时间轮换两个时间片
// 条目至少保留 ttl, 至多保留 2*ttl
type tombstones struct {
	ttl     time.Duration
	current *bloom.BloomFilter
	prev    *bloom.BloomFilter
	start   time.Duration
	count   int
}

func newTombstones(ttl time.Duration) *tombstones {
	return &tombstones{
		ttl:     ttl,
		current: bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
		prev:    bloom.NewWithEstimates(tombstoneExpectedItems, tombstoneFalsePositive),
	}
}

func (t *tombstones) rotate(now time.Duration) {
	if t.ttl <= 0 || now-t.start < t.ttl {
		return
	}
	// 超过两个时间片未活动, 全部过期
	if now-t.start >= 2*t.ttl {
		t.prev.ClearAll()
	} else {
		t.prev, t.current = t.current, t.prev
	}
	t.current.ClearAll()
	t.start = now
	t.count = 0
}

func (t *tombstones) add(key protocol.RxKey, now time.Duration) {
	t.rotate(now)
	t.current.Add(keyBytes(key))
	t.count++
}

func (t *tombstones) test(key protocol.RxKey, now time.Duration) bool {
	t.rotate(now)
	b := keyBytes(key)
	return t.current.Test(b) || t.prev.Test(b)
}

func keyBytes(k protocol.RxKey) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:], uint32(k.Peer))
	binary.BigEndian.PutUint16(b[4:], k.PG)
	binary.BigEndian.PutUint16(b[6:], k.PeerPort)
	return b[:]
}
