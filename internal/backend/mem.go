package backend

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each memory shard (64KB). The AL transaction
// ring and each peer's on-disk bitmap live at disjoint offsets of the
// same metadata device, so a shard this size keeps a ring block and a
// bitmap extent almost never sharing a lock even on a small device.
const ShardSize = 64 * 1024

// Memory is a RAM-backed metadata backend for tests and the in-process
// harness: it stands in for the metadata device holding the AL
// transaction ring (internal/al) and per-peer bitmaps (internal/rs).
// Sharded locking lets a transaction commit and a concurrent bitmap
// writeout proceed against different offsets without serializing on one
// lock.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a RAM-backed metadata backend of the specified size,
// sized to hold the caller's AL ring plus bitmap area.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("backend: write beyond end of device")
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Close() error {
	m.data = nil
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) SyncRange(offset, length int64) error { return nil }

var (
	_ Backend     = (*Memory)(nil)
	_ SyncBackend = (*Memory)(nil)
)
