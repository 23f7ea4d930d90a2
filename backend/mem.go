// Package backend provides standard block-device back ends for the
// emulated NVMe controller core.
package backend

import (
	"context"
	"sync"

	nvme "github.com/behrlich/go-nvme"
)

// ShardSize is the size of each memory shard (64KB). This gives good
// parallelism for 4K random I/O across queues while keeping lock
// overhead reasonable: a 256MB device has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-backed nvme.BlockBackend. It uses sharded locking so
// concurrent I/O queues touching disjoint regions don't serialize on a
// single mutex, and completes every operation inline (the done callback
// fires before the method returns) since there is no real asynchrony to
// model for plain memory.
type Memory struct {
	data       []byte
	size       int64
	shards     []sync.RWMutex
	writeCache bool
}

// NewMemory creates a new memory backend of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) ReadAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) nvme.IOHandle {
	n, err := m.readAt(iov, off)
	done(n, err)
	return nil
}

func (m *Memory) readAt(iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	if off+int64(total) > m.size {
		return 0, nvme.NewError("ReadAt", nvme.ErrCodeBackendIO, "read beyond end of device")
	}

	startShard, endShard := m.shardRange(off, int64(total))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].RUnlock()
		}
	}()

	n := 0
	for _, seg := range iov {
		copy(seg, m.data[off:off+int64(len(seg))])
		off += int64(len(seg))
		n += len(seg)
	}
	return n, nil
}

func (m *Memory) WriteAt(ctx context.Context, iov [][]byte, off int64, done func(n int, err error)) nvme.IOHandle {
	n, err := m.writeAt(iov, off)
	done(n, err)
	return nil
}

func (m *Memory) writeAt(iov [][]byte, off int64) (int, error) {
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	if off+int64(total) > m.size {
		return 0, nvme.NewError("WriteAt", nvme.ErrCodeBackendIO, "write beyond end of device")
	}

	startShard, endShard := m.shardRange(off, int64(total))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Unlock()
		}
	}()

	n := 0
	for _, seg := range iov {
		copy(m.data[off:off+int64(len(seg))], seg)
		off += int64(len(seg))
		n += len(seg)
	}
	return n, nil
}

func (m *Memory) WriteZeroes(ctx context.Context, off, length int64, mayUnmap bool, done func(err error)) nvme.IOHandle {
	done(m.writeZeroes(off, length))
	return nil
}

func (m *Memory) writeZeroes(off, length int64) error {
	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(off, end-off)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Unlock()
		}
	}()

	for i := off; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

func (m *Memory) Flush(ctx context.Context, done func(err error)) nvme.IOHandle {
	done(nil)
	return nil
}

func (m *Memory) Cancel(handle nvme.IOHandle) {
	// Every operation above has already completed by the time Cancel
	// could be called, so there is nothing to do.
}

func (m *Memory) WriteCacheEnabled() bool { return m.writeCache }

// SetWriteCacheEnabled controls the VWC bit this backend reports via Get
// Features; memory has no write cache to disable, but callers may want
// to exercise the guest-visible feature path.
func (m *Memory) SetWriteCacheEnabled(enabled bool) { m.writeCache = enabled }

// Stats reports backend geometry for diagnostics.
func (m *Memory) Stats() map[string]any {
	return map[string]any{
		"type":       "memory",
		"size":       m.size,
		"num_shards": len(m.shards),
		"shard_size": ShardSize,
	}
}

var _ nvme.BlockBackend = (*Memory)(nil)
