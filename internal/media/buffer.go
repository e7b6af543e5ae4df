package media

import "sync"

// Size classes for bucketed buffer pools.
const (
	size64K  = 1 << 16
	size256K = 1 << 18
	size1M   = 1 << 20
	size4M   = 1 << 22
	size16M  = 1 << 24
)

var bufferSizes = [...]int{size64K, size256K, size1M, size4M, size16M}

var bufferPools [len(bufferSizes)]sync.Pool

func init() {
	for i := range bufferPools {
		sz := bufferSizes[i]
		bufferPools[i] = sync.Pool{
			New: func() any {
				b := make([]byte, sz)
				return &b
			},
		}
	}
}

func bucketIndex(size int) int {
	for i, sz := range bufferSizes {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Buffer is a fixed-size block of frame or stream memory.
// Buffers larger than the biggest size class are allocated directly.
type Buffer struct {
	data   []byte
	pooled *[]byte
}

// NewBuffer returns a zeroed buffer of exactly size bytes
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		return &Buffer{}
	}
	idx := bucketIndex(size)
	if idx < 0 {
		return &Buffer{data: make([]byte, size)}
	}
	bp := bufferPools[idx].Get().(*[]byte)
	b := (*bp)[:size]
	clear(b)
	return &Buffer{data: b, pooled: bp}
}

// WrapBuffer wraps caller-owned memory without pooling
func WrapBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the full backing memory
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Size returns the buffer capacity in bytes
func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Release returns pooled memory. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	if b == nil || b.pooled == nil {
		return
	}
	idx := bucketIndex(cap(*b.pooled))
	if idx >= 0 && bufferSizes[idx] == cap(*b.pooled) {
		bufferPools[idx].Put(b.pooled)
	}
	b.pooled = nil
	b.data = nil
}
